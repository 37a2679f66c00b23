package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/mailwatch/internal/queue"
	"github.com/hireloop/mailwatch/internal/subscription"
)

func testRouter(t *testing.T) (*gin.Engine, *queue.Queue, *subscription.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry, err := subscription.Open(filepath.Join(t.TempDir(), "subs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	q := queue.New()
	handler := NewHandler(q, registry, zerolog.Nop())

	r := gin.New()
	r.POST("/push/gmail", handler.Gmail)
	r.GET("/push/outlook", handler.Outlook)
	r.POST("/push/outlook", handler.Outlook)
	return r, q, registry
}

func seedSub(t *testing.T, registry *subscription.Store, provider subscription.Provider, resourceID, email, handle string) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		ID:                uuid.New().String(),
		UserID:            "user-1",
		Provider:          provider,
		ResourceID:        resourceID,
		PositionID:        "pos-1",
		RoundID:           "round-1",
		SyncCursor:        "100",
		Email:             email,
		RemoteWatchHandle: handle,
	}
	require.NoError(t, registry.Upsert(context.Background(), sub))
	return sub
}

func gmailPushBody(t *testing.T, email string, historyID uint64) []byte {
	t.Helper()
	notification, err := json.Marshal(map[string]any{
		"emailAddress": email,
		"historyId":    historyID,
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(notification),
			"messageId": "pubsub-1",
		},
	})
	require.NoError(t, err)
	return body
}

func TestGmailPushEnqueuesMatchingSubscriptions(t *testing.T) {
	r, q, registry := testRouter(t)
	a := seedSub(t, registry, subscription.ProviderGmail, "Label_A", "recruiter@example.com", "topic")
	b := seedSub(t, registry, subscription.ProviderGmail, "Label_B", "recruiter@example.com", "topic")
	seedSub(t, registry, subscription.ProviderGmail, "Label_C", "other@example.com", "topic")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/gmail",
		bytes.NewReader(gmailPushBody(t, "recruiter@example.com", 555)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	assert.Equal(t, a.ID, first.SubscriptionID)
	assert.Equal(t, subscription.ProviderGmail, first.Provider)
	assert.Empty(t, first.MessageID)
	assert.Equal(t, b.ID, second.SubscriptionID)
}

func TestGmailPushMalformedBodyAcked(t *testing.T) {
	r, q, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/gmail", bytes.NewReader([]byte("not json")))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, q.Len())
}

func TestGmailPushBadBase64Acked(t *testing.T) {
	r, q, _ := testRouter(t)

	body, _ := json.Marshal(map[string]any{
		"message": map[string]any{"data": "!!! not base64 !!!"},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/gmail", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, q.Len())
}

func TestGmailPushUnmatchedMailboxDropped(t *testing.T) {
	r, q, registry := testRouter(t)
	seedSub(t, registry, subscription.ProviderGmail, "Label_A", "recruiter@example.com", "topic")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/gmail",
		bytes.NewReader(gmailPushBody(t, "stranger@example.com", 555)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, q.Len())
}
