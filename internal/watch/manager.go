// Package watch implements the subscription lifecycle: establishing,
// renewing and tearing down provider-side mailbox watches while keeping
// the local subscription registry consistent.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hireloop/mailwatch/internal/directory"
	"github.com/hireloop/mailwatch/internal/metrics"
	"github.com/hireloop/mailwatch/internal/subscription"
)

// Registration is the provider's answer to a watch call.
type Registration struct {
	// Cursor is the starting sync cursor for newly watched resources.
	// Gmail returns the mailbox history id at watch time; Outlook has
	// no cursor and leaves it empty.
	Cursor string
	Expiry time.Time
	Email  string
	// Handles maps resource id to the provider-side registration name
	// used to cancel the watch later.
	Handles map[string]string
}

// Registrar is the provider-side watch capability. Two implementers:
// Gmail registers one account-global watch covering every desired label
// at once; Outlook creates one Graph subscription per folder.
type Registrar interface {
	// Register establishes or renews the watch. desired is the full
	// resource set after the change, added the newly watched subset,
	// existing the rows already registered.
	Register(ctx context.Context, userID string, desired, added []string, existing []*subscription.Subscription) (*Registration, error)

	// CancelResources tears down the registrations of the given rows
	// only, with the watch as a whole staying alive.
	CancelResources(ctx context.Context, userID string, subs []*subscription.Subscription) error

	// CancelAll tears down the provider watch entirely.
	CancelAll(ctx context.Context, userID string, subs []*subscription.Subscription) error
}

// RoundCreator creates the downstream grouping for a new watch.
type RoundCreator interface {
	CreateRound(ctx context.Context, positionID, name string) (*directory.Round, error)
}

// Manager applies watch/unwatch requests: it diffs the desired resource
// set against the registry, drives the provider registrar, and upserts
// or deletes the local rows.
type Manager struct {
	registry   *subscription.Store
	rounds     RoundCreator
	registrars map[subscription.Provider]Registrar
	log        zerolog.Logger
}

// NewManager wires the lifecycle manager.
func NewManager(registry *subscription.Store, rounds RoundCreator, registrars map[subscription.Provider]Registrar, log zerolog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		rounds:     rounds,
		registrars: registrars,
		log:        log.With().Str("component", "watch").Logger(),
	}
}

// Watch reconciles the watched resource set for (user, provider,
// position) to desired. An empty desired set is a full teardown. The
// optional roundID overrides the round assigned to newly created rows;
// otherwise the round of an existing row is reused, and a fresh round
// is created once when no row exists yet.
func (m *Manager) Watch(ctx context.Context, userID string, provider subscription.Provider, positionID string, desired []string, roundID string) error {
	registrar, ok := m.registrars[provider]
	if !ok {
		return fmt.Errorf("unsupported provider %q", provider)
	}

	current, err := m.registry.ListByKey(ctx, userID, provider, positionID)
	if err != nil {
		return err
	}

	if len(desired) == 0 {
		return m.teardown(ctx, registrar, userID, provider, positionID, current)
	}

	desiredSet := make(map[string]bool, len(desired))
	for _, r := range desired {
		desiredSet[r] = true
	}
	currentByResource := make(map[string]*subscription.Subscription, len(current))
	for _, sub := range current {
		currentByResource[sub.ResourceID] = sub
	}

	var toAdd []string
	for _, r := range desired {
		if _, ok := currentByResource[r]; !ok {
			toAdd = append(toAdd, r)
		}
	}
	var toRemove []*subscription.Subscription
	var remaining []*subscription.Subscription
	for _, sub := range current {
		if desiredSet[sub.ResourceID] {
			remaining = append(remaining, sub)
		} else {
			toRemove = append(toRemove, sub)
		}
	}

	if len(toRemove) > 0 {
		if err := registrar.CancelResources(ctx, userID, toRemove); err != nil {
			return fmt.Errorf("cancel removed resources: %w", err)
		}
		for _, sub := range toRemove {
			if err := m.registry.Delete(ctx, sub.ID); err != nil {
				return err
			}
			metrics.IncWatchOp(string(provider), "remove")
		}
	}

	reg, err := registrar.Register(ctx, userID, desired, toAdd, remaining)
	if err != nil {
		return fmt.Errorf("register watch: %w", err)
	}
	metrics.IncWatchOp(string(provider), "register")

	round, err := m.resolveRound(ctx, positionID, remaining, roundID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, resource := range desired {
		sub := currentByResource[resource]
		if sub == nil {
			sub = &subscription.Subscription{
				ID:         uuid.NewString(),
				UserID:     userID,
				Provider:   provider,
				ResourceID: resource,
				PositionID: positionID,
				RoundID:    round,
				SyncCursor: reg.Cursor,
			}
		}
		sub.WatchExpiry = reg.Expiry
		sub.LastUpdated = now
		if reg.Email != "" {
			sub.Email = reg.Email
		}
		if handle, ok := reg.Handles[resource]; ok {
			sub.RemoteWatchHandle = handle
		}
		if err := m.registry.Upsert(ctx, sub); err != nil {
			return err
		}
	}

	m.log.Info().Str("user", userID).Str("provider", string(provider)).
		Str("position", positionID).Int("resources", len(desired)).
		Int("added", len(toAdd)).Int("removed", len(toRemove)).
		Msg("watch reconciled")
	return nil
}

// Unwatch tears down every watch for the key. Idempotent when nothing
// is watched.
func (m *Manager) Unwatch(ctx context.Context, userID string, provider subscription.Provider, positionID string) error {
	registrar, ok := m.registrars[provider]
	if !ok {
		return fmt.Errorf("unsupported provider %q", provider)
	}

	current, err := m.registry.ListByKey(ctx, userID, provider, positionID)
	if err != nil {
		return err
	}
	if len(current) == 0 {
		return nil
	}
	return m.teardown(ctx, registrar, userID, provider, positionID, current)
}

// RenewExpiring re-registers watches expiring before now+window by
// replaying each key's unchanged resource set through Watch.
func (m *Manager) RenewExpiring(ctx context.Context, window time.Duration) {
	expiring, err := m.registry.ListExpiring(ctx, time.Now().Add(window))
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list expiring watches")
		return
	}

	type key struct {
		userID     string
		provider   subscription.Provider
		positionID string
	}
	keys := make(map[key]bool)
	for _, sub := range expiring {
		keys[key{sub.UserID, sub.Provider, sub.PositionID}] = true
	}

	for k := range keys {
		current, err := m.registry.ListByKey(ctx, k.userID, k.provider, k.positionID)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to load subscriptions for renewal")
			continue
		}
		resources := make([]string, 0, len(current))
		for _, sub := range current {
			resources = append(resources, sub.ResourceID)
		}
		if err := m.Watch(ctx, k.userID, k.provider, k.positionID, resources, ""); err != nil {
			m.log.Error().Err(err).Str("user", k.userID).
				Str("provider", string(k.provider)).Str("position", k.positionID).
				Msg("watch renewal failed")
			continue
		}
		metrics.IncWatchOp(string(k.provider), "renew")
	}
}

// RunRenewalSweep renews expiring watches on a ticker until ctx is done.
func (m *Manager) RunRenewalSweep(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RenewExpiring(ctx, window)
		}
	}
}

func (m *Manager) teardown(ctx context.Context, registrar Registrar, userID string, provider subscription.Provider, positionID string, current []*subscription.Subscription) error {
	if len(current) > 0 {
		if err := registrar.CancelAll(ctx, userID, current); err != nil {
			return fmt.Errorf("cancel watch: %w", err)
		}
	}
	if err := m.registry.DeleteByKey(ctx, userID, provider, positionID); err != nil {
		return err
	}
	metrics.IncWatchOp(string(provider), "teardown")
	m.log.Info().Str("user", userID).Str("provider", string(provider)).
		Str("position", positionID).Int("resources", len(current)).
		Msg("watch torn down")
	return nil
}

// resolveRound picks the round for newly created rows: an explicit
// override wins, an existing row's round is reused, and a fresh round is
// created once for a brand-new watch.
func (m *Manager) resolveRound(ctx context.Context, positionID string, existing []*subscription.Subscription, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if len(existing) > 0 {
		return existing[0].RoundID, nil
	}
	round, err := m.rounds.CreateRound(ctx, positionID, "Mailbox intake")
	if err != nil {
		return "", fmt.Errorf("create round: %w", err)
	}
	return round.ID, nil
}
