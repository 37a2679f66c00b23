package webhook

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hireloop/mailwatch/internal/metrics"
	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
)

type outlookEnvelope struct {
	Value []outlookNotification `json:"value"`
}

type outlookNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
	ClientState string `json:"clientState"`
}

// Outlook handles Graph change notifications. Graph first validates the
// endpoint by sending a validationToken query parameter that must be
// echoed back verbatim; real notification batches are acknowledged with
// 202 before any processing happens.
func (h *Handler) Outlook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, token)
		return
	}

	var envelope outlookEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.log.Warn().Err(err).Msg("malformed outlook notification body")
		metrics.IncWebhook("outlook", "malformed")
		c.Status(http.StatusAccepted)
		return
	}

	ctx := c.Request.Context()
	for _, notification := range envelope.Value {
		sub, err := h.registry.GetByRemoteHandle(ctx, subscription.ProviderOutlook, notification.SubscriptionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				h.log.Info().Str("graph_subscription", notification.SubscriptionID).
					Msg("outlook notification matches no subscription, dropping")
				metrics.IncWebhook("outlook", "unmatched")
			} else {
				h.log.Error().Err(err).Msg("subscription lookup failed")
				metrics.IncWebhook("outlook", "error")
			}
			continue
		}

		h.queue.Enqueue(queue.Job{
			Provider:       subscription.ProviderOutlook,
			SubscriptionID: sub.ID,
			ResourceID:     sub.ResourceID,
			MessageID:      notification.ResourceData.ID,
		})
		metrics.IncWebhook("outlook", "ok")
	}

	metrics.SetQueueDepth(h.queue.Len())
	c.Status(http.StatusAccepted)
}
