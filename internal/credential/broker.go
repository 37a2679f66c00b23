// Package credential manages provider OAuth tokens: lookup in the token
// store, refresh-token exchange when expired, and write-back of refreshed
// access tokens. Every provider API call in the sync path obtains its
// token through the Broker.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hireloop/mailwatch/internal/subscription"
)

// Token store key names for the per-(user, provider) credential triple.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyExpiry       = "expiry"
)

var (
	// ErrCredentialMissing means no refresh token is stored at all; the
	// user never connected this provider or disconnected it.
	ErrCredentialMissing = errors.New("no stored credential for provider")

	// ErrAuthExpired means the refresh-token exchange was rejected.
	// Requires out-of-band re-authentication; callers must not retry.
	ErrAuthExpired = errors.New("provider authorization expired")
)

// TokenStore is the external token persistence collaborator.
type TokenStore interface {
	Get(ctx context.Context, userID string, provider subscription.Provider, name string) (string, error)
	Set(ctx context.Context, userID string, provider subscription.Provider, name, value string) error
	Remove(ctx context.Context, userID string, provider subscription.Provider, name string) error
}

// Token is a usable provider credential.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Broker hands out valid credentials, refreshing through the provider's
// token endpoint when the stored access token is expired or unknown.
type Broker struct {
	store     TokenStore
	google    *oauth2.Config
	microsoft *oauth2.Config
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewBroker creates a broker over the given token store and OAuth
// configs. Refresh calls are rate limited so a burst of jobs for one
// revoked account cannot hammer the token endpoint.
func NewBroker(store TokenStore, google, microsoft *oauth2.Config, log zerolog.Logger) *Broker {
	return &Broker{
		store:     store,
		google:    google,
		microsoft: microsoft,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		log:       log.With().Str("component", "credential").Logger(),
	}
}

// Valid returns a credential whose access token is good for at least the
// immediate provider call. A refresh is performed and persisted when the
// stored token is expired or has unknown expiry.
func (b *Broker) Valid(ctx context.Context, userID string, provider subscription.Provider) (*Token, error) {
	refresh, err := b.store.Get(ctx, userID, provider, KeyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("read refresh token: %w", err)
	}
	if refresh == "" {
		return nil, fmt.Errorf("%w: user=%s provider=%s", ErrCredentialMissing, userID, provider)
	}

	access, err := b.store.Get(ctx, userID, provider, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	expiry := b.readExpiry(ctx, userID, provider)

	if access != "" && !expiry.IsZero() && time.Now().Before(expiry) {
		return &Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}, nil
	}

	return b.refresh(ctx, userID, provider, refresh)
}

func (b *Broker) refresh(ctx context.Context, userID string, provider subscription.Provider, refreshToken string) (*Token, error) {
	cfg, err := b.configFor(provider)
	if err != nil {
		return nil, err
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	fresh, err := src.Token()
	if err != nil {
		b.log.Warn().Err(err).Str("user", userID).Str("provider", string(provider)).
			Msg("refresh token exchange rejected")
		return nil, fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	if err := b.persist(ctx, userID, provider, fresh); err != nil {
		return nil, err
	}

	tok := &Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       fresh.Expiry,
	}
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
	return tok, nil
}

// persist writes the refreshed access token and expiry back to the store,
// plus the refresh token when the provider rotated it.
func (b *Broker) persist(ctx context.Context, userID string, provider subscription.Provider, fresh *oauth2.Token) error {
	if err := b.store.Set(ctx, userID, provider, KeyAccessToken, fresh.AccessToken); err != nil {
		return fmt.Errorf("persist access token: %w", err)
	}
	if err := b.store.Set(ctx, userID, provider, KeyExpiry, strconv.FormatInt(fresh.Expiry.Unix(), 10)); err != nil {
		return fmt.Errorf("persist expiry: %w", err)
	}
	if fresh.RefreshToken != "" {
		if err := b.store.Set(ctx, userID, provider, KeyRefreshToken, fresh.RefreshToken); err != nil {
			return fmt.Errorf("persist refresh token: %w", err)
		}
	}
	return nil
}

func (b *Broker) readExpiry(ctx context.Context, userID string, provider subscription.Provider) time.Time {
	raw, err := b.store.Get(ctx, userID, provider, KeyExpiry)
	if err != nil || raw == "" {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (b *Broker) configFor(provider subscription.Provider) (*oauth2.Config, error) {
	switch provider {
	case subscription.ProviderGmail:
		if b.google == nil {
			return nil, fmt.Errorf("google oauth not configured")
		}
		return b.google, nil
	case subscription.ProviderOutlook:
		if b.microsoft == nil {
			return nil, fmt.Errorf("microsoft oauth not configured")
		}
		return b.microsoft, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}
