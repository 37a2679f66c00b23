package gmail

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gmailv1 "google.golang.org/api/gmail/v1"

	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/subscription"
	"github.com/hireloop/mailwatch/internal/watch"
)

// Registrar manages the account-global Gmail watch. Gmail has exactly
// one watch per mailbox, so every call covers the full desired label
// set and teardown is a single stop call.
type Registrar struct {
	broker *credential.Broker
	topic  string
	log    zerolog.Logger
	engine *Engine
}

// NewRegistrar creates the Gmail watch registrar pushing to topic.
func NewRegistrar(broker *credential.Broker, topic string, engine *Engine, log zerolog.Logger) *Registrar {
	return &Registrar{
		broker: broker,
		topic:  topic,
		engine: engine,
		log:    log.With().Str("component", "gmail-registrar").Logger(),
	}
}

var _ watch.Registrar = (*Registrar)(nil)

// Register issues one watch call listing every desired label. The
// response's history id becomes the starting cursor for new rows.
func (r *Registrar) Register(ctx context.Context, userID string, desired, added []string, existing []*subscription.Subscription) (*watch.Registration, error) {
	svc, err := r.serviceFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch("me", &gmailv1.WatchRequest{
		TopicName: r.topic,
		LabelIds:  desired,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to watch mailbox: %w", err)
	}

	// Push notifications carry only the mailbox address; a row without
	// one can never be matched.
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mailbox address: %w", err)
	}

	handles := make(map[string]string, len(desired))
	for _, label := range desired {
		handles[label] = r.topic
	}

	return &watch.Registration{
		Cursor:  fmt.Sprintf("%d", resp.HistoryId),
		Expiry:  time.UnixMilli(resp.Expiration),
		Email:   profile.EmailAddress,
		Handles: handles,
	}, nil
}

// CancelResources is a no-op: Gmail has no per-label registration, and
// the watch call that follows a partial removal already replaces the
// label set.
func (r *Registrar) CancelResources(ctx context.Context, userID string, subs []*subscription.Subscription) error {
	return nil
}

// CancelAll stops the account-global watch.
func (r *Registrar) CancelAll(ctx context.Context, userID string, subs []*subscription.Subscription) error {
	svc, err := r.serviceFor(ctx, userID)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop mailbox watch: %w", err)
	}
	return nil
}

func (r *Registrar) serviceFor(ctx context.Context, userID string) (*gmailv1.Service, error) {
	tok, err := r.broker.Valid(ctx, userID, subscription.ProviderGmail)
	if err != nil {
		return nil, err
	}
	return r.engine.service(ctx, tok)
}
