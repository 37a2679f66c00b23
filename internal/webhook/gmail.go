// Package webhook holds the inbound push notification handlers. Both
// endpoints only parse, resolve and enqueue: acknowledgment never waits
// on downstream processing and no network I/O happens on this path.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hireloop/mailwatch/internal/metrics"
	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
)

// Handler serves the provider push endpoints.
type Handler struct {
	queue    *queue.Queue
	registry *subscription.Store
	log      zerolog.Logger
}

// NewHandler creates the webhook handler over the shared queue.
func NewHandler(q *queue.Queue, registry *subscription.Store, log zerolog.Logger) *Handler {
	return &Handler{
		queue:    q,
		registry: registry,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

type gmailEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type gmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Gmail handles Pub/Sub push deliveries for Gmail watches. The payload
// names only the mailbox address, so every gmail subscription for that
// address gets a job. Malformed or unmatched notifications are
// acknowledged and dropped; a non-2xx would only make Pub/Sub redeliver
// something we can never process.
func (h *Handler) Gmail(c *gin.Context) {
	var envelope gmailEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.log.Warn().Err(err).Msg("malformed gmail push envelope")
		metrics.IncWebhook("gmail", "malformed")
		c.Status(http.StatusOK)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("gmail push data is not base64")
		metrics.IncWebhook("gmail", "malformed")
		c.Status(http.StatusOK)
		return
	}

	var notification gmailNotification
	if err := json.Unmarshal(decoded, &notification); err != nil || notification.EmailAddress == "" {
		h.log.Warn().Err(err).Msg("gmail push data is not a notification")
		metrics.IncWebhook("gmail", "malformed")
		c.Status(http.StatusOK)
		return
	}

	subs, err := h.registry.ListByEmail(c.Request.Context(), subscription.ProviderGmail, notification.EmailAddress)
	if err != nil {
		h.log.Error().Err(err).Msg("subscription lookup failed")
		metrics.IncWebhook("gmail", "error")
		c.Status(http.StatusOK)
		return
	}
	if len(subs) == 0 {
		h.log.Info().Str("email", notification.EmailAddress).
			Msg("gmail notification matches no subscription, dropping")
		metrics.IncWebhook("gmail", "unmatched")
		c.Status(http.StatusOK)
		return
	}

	for _, sub := range subs {
		h.queue.Enqueue(queue.Job{
			Provider:       subscription.ProviderGmail,
			SubscriptionID: sub.ID,
			ResourceID:     sub.ResourceID,
		})
	}
	metrics.IncWebhook("gmail", "ok")
	metrics.SetQueueDepth(h.queue.Len())
	c.Status(http.StatusOK)
}
