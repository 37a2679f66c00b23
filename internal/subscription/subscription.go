package subscription

import (
	"time"
)

// Provider identifies the mailbox provider backing a subscription.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Subscription is the durable record of one watched mailbox resource
// (a Gmail label or an Outlook folder) for one user and position.
type Subscription struct {
	ID         string
	UserID     string
	Provider   Provider
	ResourceID string
	PositionID string
	RoundID    string

	// SyncCursor is the Gmail history id the next delta sync starts
	// after. Always empty for Outlook, whose notifications name the
	// message directly.
	SyncCursor string

	WatchExpiry time.Time
	LastUpdated time.Time

	// Email is the mailbox address at subscribe time. Gmail push
	// notifications carry only the address, so this is the lookup key
	// on that path.
	Email string

	// RemoteWatchHandle is the provider-side registration name used to
	// cancel the watch. For Outlook this is the Graph subscription id;
	// for Gmail, where the watch is account-global, the Pub/Sub topic.
	RemoteWatchHandle string

	// ProcessedCount counts documents successfully handed to the
	// ingestion sink over the life of the subscription.
	ProcessedCount int64
}
