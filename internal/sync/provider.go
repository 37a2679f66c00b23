// Package sync runs the ingestion consumer: the single background loop
// that drains the work queue and dispatches each job to the provider's
// sync engine.
package sync

import (
	"context"

	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
)

// Engine is the per-provider delta sync capability. Exactly two
// implementers exist: the Gmail engine (history-log delta retrieval)
// and the Outlook engine (direct notification, no delta log).
type Engine interface {
	// SyncSubscription processes one job against its subscription and
	// returns the number of documents successfully ingested.
	SyncSubscription(ctx context.Context, sub *subscription.Subscription, job queue.Job) (int, error)
}

// Directory resolves internal position and round ids to the public
// identifiers the ingestion sink routes by.
type Directory interface {
	PositionPublicID(ctx context.Context, id string) (string, error)
	RoundPublicID(ctx context.Context, id string) (string, error)
}
