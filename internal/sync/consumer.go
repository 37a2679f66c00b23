package sync

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hireloop/mailwatch/internal/credential"
	"github.com/hireloop/mailwatch/internal/metrics"
	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
)

// Consumer is the sole reader of the work queue. Jobs run strictly
// sequentially, so no two sync cycles ever race on a cursor. A failure
// in one job is logged with its context and the loop moves on; there is
// no retry, backoff or dead-letter path.
type Consumer struct {
	queue    *queue.Queue
	registry *subscription.Store
	engines  map[subscription.Provider]Engine
	log      zerolog.Logger
}

// NewConsumer wires the consumer over the shared queue and the two
// provider engines.
func NewConsumer(q *queue.Queue, registry *subscription.Store, engines map[subscription.Provider]Engine, log zerolog.Logger) *Consumer {
	return &Consumer{
		queue:    q,
		registry: registry,
		engines:  engines,
		log:      log.With().Str("component", "consumer").Logger(),
	}
}

// Run drains the queue until ctx is cancelled. A job in flight when
// cancellation fires is abandoned without a cursor advance; the next
// notification reprocesses the same window.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Msg("ingestion consumer started")
	for {
		job, ok := c.queue.Dequeue(ctx)
		if !ok {
			c.log.Info().Msg("ingestion consumer stopped")
			return
		}
		metrics.SetQueueDepth(c.queue.Len())
		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job queue.Job) {
	log := c.log.With().
		Str("provider", string(job.Provider)).
		Str("subscription", job.SubscriptionID).
		Str("resource", job.ResourceID).
		Logger()

	sub, err := c.registry.GetByID(ctx, job.SubscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn().Msg("job references unknown subscription, dropping")
			metrics.IncJob(string(job.Provider), "orphaned")
			return
		}
		log.Error().Err(err).Msg("subscription lookup failed")
		metrics.IncJob(string(job.Provider), "error")
		return
	}

	engine, ok := c.engines[job.Provider]
	if !ok {
		log.Error().Msg("no sync engine for provider")
		metrics.IncJob(string(job.Provider), "error")
		return
	}

	count, err := engine.SyncSubscription(ctx, sub, job)
	switch {
	case err == nil:
		metrics.IncJob(string(job.Provider), "ok")
		metrics.AddDocuments(string(job.Provider), count)
		if count > 0 {
			log.Info().Int("documents", count).Msg("job processed")
		}
	case errors.Is(err, credential.ErrCredentialMissing), errors.Is(err, credential.ErrAuthExpired):
		// Needs user re-authentication; never auto-retried.
		log.Warn().Err(err).Msg("job abandoned, credential unusable")
		metrics.IncJob(string(job.Provider), "auth_error")
	default:
		log.Error().Err(err).Msg("job failed")
		metrics.IncJob(string(job.Provider), "error")
	}
}
