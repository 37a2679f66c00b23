package outlook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog"

	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/subscription"
	"github.com/hireloop/mailwatch/internal/watch"
)

// Graph caps mail-message subscriptions at roughly three days, so
// registrations are renewed well before this runs out.
const subscriptionTTL = 4230 * time.Minute

// Registrar manages Graph change-notification subscriptions: one
// subscription object per watched folder, created individually for
// newly added folders and deleted individually on removal.
type Registrar struct {
	broker          *credential.Broker
	notificationURL string
	log             zerolog.Logger
}

// NewRegistrar creates the Outlook watch registrar delivering
// notifications to notificationURL.
func NewRegistrar(broker *credential.Broker, notificationURL string, log zerolog.Logger) *Registrar {
	return &Registrar{
		broker:          broker,
		notificationURL: notificationURL,
		log:             log.With().Str("component", "outlook-registrar").Logger(),
	}
}

var _ watch.Registrar = (*Registrar)(nil)

// Register creates one Graph subscription per newly added folder and
// extends the expiry of the ones already registered. Outlook has no
// sync cursor, so Registration.Cursor stays empty.
func (r *Registrar) Register(ctx context.Context, userID string, desired, added []string, existing []*subscription.Subscription) (*watch.Registration, error) {
	tok, err := r.broker.Valid(ctx, userID, subscription.ProviderOutlook)
	if err != nil {
		return nil, err
	}
	client, err := newGraphClient(tok)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(subscriptionTTL).UTC()
	handles := make(map[string]string, len(desired))

	for _, sub := range existing {
		patch := models.NewSubscription()
		patch.SetExpirationDateTime(&expiry)
		if _, err := client.Subscriptions().BySubscriptionId(sub.RemoteWatchHandle).Patch(ctx, patch, nil); err != nil {
			return nil, fmt.Errorf("failed to renew subscription for folder %s: %w", sub.ResourceID, err)
		}
		handles[sub.ResourceID] = sub.RemoteWatchHandle
	}

	for _, folder := range added {
		graphSub := models.NewSubscription()
		changeType := "created"
		resource := fmt.Sprintf("me/mailFolders('%s')/messages", folder)
		clientState := uuid.NewString()
		graphSub.SetChangeType(&changeType)
		graphSub.SetNotificationUrl(&r.notificationURL)
		graphSub.SetResource(&resource)
		graphSub.SetClientState(&clientState)
		graphSub.SetExpirationDateTime(&expiry)

		created, err := client.Subscriptions().Post(ctx, graphSub, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to folder %s: %w", folder, err)
		}
		if id := created.GetId(); id != nil {
			handles[folder] = *id
		}
	}

	email := ""
	if me, err := client.Me().Get(ctx, nil); err == nil {
		if mail := me.GetMail(); mail != nil {
			email = *mail
		} else if upn := me.GetUserPrincipalName(); upn != nil {
			email = *upn
		}
	} else {
		r.log.Warn().Err(err).Str("user", userID).Msg("profile lookup failed, email not recorded")
	}

	return &watch.Registration{
		Cursor:  "",
		Expiry:  expiry,
		Email:   email,
		Handles: handles,
	}, nil
}

// CancelResources deletes the Graph subscriptions of the removed
// folders only.
func (r *Registrar) CancelResources(ctx context.Context, userID string, subs []*subscription.Subscription) error {
	return r.deleteSubscriptions(ctx, userID, subs)
}

// CancelAll deletes every Graph subscription object individually; Graph
// has no account-global stop call.
func (r *Registrar) CancelAll(ctx context.Context, userID string, subs []*subscription.Subscription) error {
	return r.deleteSubscriptions(ctx, userID, subs)
}

func (r *Registrar) deleteSubscriptions(ctx context.Context, userID string, subs []*subscription.Subscription) error {
	tok, err := r.broker.Valid(ctx, userID, subscription.ProviderOutlook)
	if err != nil {
		return err
	}
	client, err := newGraphClient(tok)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.RemoteWatchHandle == "" {
			continue
		}
		if err := client.Subscriptions().BySubscriptionId(sub.RemoteWatchHandle).Delete(ctx, nil); err != nil {
			return fmt.Errorf("failed to delete subscription for folder %s: %w", sub.ResourceID, err)
		}
	}
	return nil
}
