package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/mailwatch/internal/subscription"
)

func outlookPushBody(t *testing.T, notifications ...map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{"value": notifications})
	require.NoError(t, err)
	return body
}

func TestOutlookValidationHandshake(t *testing.T) {
	r, q, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/outlook?validationToken=token-123%20with%20spaces", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "token-123 with spaces", w.Body.String())
	assert.Zero(t, q.Len())
}

func TestOutlookValidationHandshakeOnGET(t *testing.T) {
	r, _, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/push/outlook?validationToken=abc", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Body.String())
}

func TestOutlookNotificationEnqueuesJob(t *testing.T) {
	r, q, registry := testRouter(t)
	sub := seedSub(t, registry, subscription.ProviderOutlook, "folder-1", "recruiter@example.com", "graph-sub-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/outlook", bytes.NewReader(outlookPushBody(t,
		map[string]any{
			"subscriptionId": "graph-sub-1",
			"resource":       "me/mailFolders('folder-1')/messages",
			"resourceData":   map[string]any{"id": "AAMkAG-message-1"},
		},
	)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 1, q.Len())

	job, _ := q.Dequeue(context.Background())
	assert.Equal(t, subscription.ProviderOutlook, job.Provider)
	assert.Equal(t, sub.ID, job.SubscriptionID)
	assert.Equal(t, "folder-1", job.ResourceID)
	assert.Equal(t, "AAMkAG-message-1", job.MessageID)
}

func TestOutlookBatchMixedNotifications(t *testing.T) {
	r, q, registry := testRouter(t)
	seedSub(t, registry, subscription.ProviderOutlook, "folder-1", "recruiter@example.com", "graph-sub-1")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/outlook", bytes.NewReader(outlookPushBody(t,
		map[string]any{
			"subscriptionId": "graph-sub-1",
			"resourceData":   map[string]any{"id": "msg-1"},
		},
		map[string]any{
			// Stale registration from a torn-down watch.
			"subscriptionId": "graph-sub-gone",
			"resourceData":   map[string]any{"id": "msg-2"},
		},
		map[string]any{
			"subscriptionId": "graph-sub-1",
			"resourceData":   map[string]any{"id": "msg-3"},
		},
	)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 2, q.Len())

	ctx := context.Background()
	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	assert.Equal(t, "msg-1", first.MessageID)
	assert.Equal(t, "msg-3", second.MessageID)
}

func TestOutlookMalformedBodyAcked(t *testing.T) {
	r, q, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/push/outlook", bytes.NewReader([]byte("{broken")))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, q.Len())
}
