package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Its-donkey/kappopher/helix"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamwizard/streamwizard-backend/internal/domain"
	"github.com/streamwizard/streamwizard-backend/internal/eventsub"
	"github.com/streamwizard/streamwizard-backend/internal/platform/correlation"
)

func TestMain(m *testing.M) {
	handler := correlation.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(slog.New(handler))
	os.Exit(m.Run())
}

const testWebhookSecret = "test-webhook-secret-1234567890"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu       sync.Mutex
	keys     []string
	messages []domain.NotificationMessage
	revoked  []domain.SubscriptionMetadata
	ctxIDs   []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, eventType string, msg domain.NotificationMessage) eventsub.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, _ := correlation.ID(ctx)
	d.keys = append(d.keys, eventType)
	d.messages = append(d.messages, msg)
	d.ctxIDs = append(d.ctxIDs, id)
	return eventsub.OutcomeHandled
}

func (d *recordingDispatcher) Revoked(_ context.Context, sub domain.SubscriptionMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, sub)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *memoryDeduper) FirstSeen(_ context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[messageID] {
		return false, nil
	}
	d.seen[messageID] = true
	return true, nil
}

type outcomeRecorder struct {
	outcomes []string
}

func (o *outcomeRecorder) WebhookRequest(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

const followBody = `{
	"subscription": {"id": "sub-1", "type": "channel.follow", "version": "2", "status": "enabled", "condition": {"broadcaster_user_id": "42"}, "transport": {"method": "webhook", "callback": "https://example.com/webhooks/eventsub"}},
	"event": {"user_id": "7", "user_login": "viewer", "broadcaster_user_id": "42"}
}`

type webhookRequest struct {
	messageID   string
	timestamp   string
	messageType string
	body        string
	signature   string
}

func newWebhookRequest(r webhookRequest) *http.Request {
	if r.messageID == "" {
		r.messageID = "msg-1"
	}
	if r.timestamp == "" {
		r.timestamp = testNow.Format(time.RFC3339Nano)
	}
	if r.messageType == "" {
		r.messageType = string(domain.MessageTypeNotification)
	}
	if r.signature == "" {
		r.signature = signWebhookRequest(testWebhookSecret, r.messageID, r.timestamp, r.body)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/eventsub", strings.NewReader(r.body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(helix.EventSubHeaderMessageID, r.messageID)
	req.Header.Set(helix.EventSubHeaderMessageTimestamp, r.timestamp)
	req.Header.Set(helix.EventSubHeaderMessageSignature, r.signature)
	req.Header.Set(helix.EventSubHeaderMessageType, r.messageType)
	req.Header.Set(helix.EventSubHeaderSubscriptionType, "channel.follow")
	req.Header.Set(helix.EventSubHeaderSubscriptionVersion, "2")
	return req
}

func newTestWebhookHandler(opts ...WebhookOption) (*WebhookHandler, *recordingDispatcher) {
	d := &recordingDispatcher{}
	opts = append([]WebhookOption{WithWebhookClock(clockwork.NewFakeClockAt(testNow))}, opts...)
	return NewWebhookHandler(testWebhookSecret, d, opts...), d
}

func TestWebhook_VerificationChallenge(t *testing.T) {
	h, d := newTestWebhookHandler()
	body := `{"challenge":"abc123","subscription":{"id":"sub-1","type":"channel.follow","version":"2","status":"webhook_callback_verification_pending"}}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{
		messageType: string(domain.MessageTypeVerification),
		body:        body,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Empty(t, d.keys)
}

func TestWebhook_NotificationIsDispatched(t *testing.T) {
	observer := &outcomeRecorder{}
	h, d := newTestWebhookHandler(WithWebhookObserver(observer))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{body: followBody}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, d.messages, 1)
	assert.Equal(t, []string{"channel.follow"}, d.keys)
	assert.Equal(t, []string{"msg-1"}, d.ctxIDs)

	msg := d.messages[0]
	assert.Equal(t, "msg-1", msg.Metadata.MessageID)
	assert.Equal(t, "2", msg.Metadata.SubscriptionVersion)
	assert.True(t, testNow.Equal(msg.Metadata.MessageTimestamp))
	assert.Equal(t, "sub-1", msg.Payload.Subscription.ID)
	assert.JSONEq(t, `{"user_id": "7", "user_login": "viewer", "broadcaster_user_id": "42"}`, string(msg.Payload.Event))
	assert.Equal(t, []string{WebhookNotification}, observer.outcomes)
}

func TestWebhook_Rejections(t *testing.T) {
	valid := newWebhookRequest(webhookRequest{body: followBody}).Header.Get(helix.EventSubHeaderMessageSignature)
	flipped := []byte(valid)
	if flipped[10] == '0' {
		flipped[10] = '1'
	} else {
		flipped[10] = '0'
	}

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantType   string
	}{
		{
			name: "missing signature header",
			req: func() *http.Request {
				r := newWebhookRequest(webhookRequest{body: followBody})
				r.Header.Del(helix.EventSubHeaderMessageSignature)
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "validation",
		},
		{
			name: "missing message id header",
			req: func() *http.Request {
				r := newWebhookRequest(webhookRequest{body: followBody})
				r.Header.Del(helix.EventSubHeaderMessageID)
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "validation",
		},
		{
			name: "single flipped signature character",
			req: func() *http.Request {
				return newWebhookRequest(webhookRequest{body: followBody, signature: string(flipped)})
			},
			wantStatus: http.StatusForbidden,
			wantType:   "forbidden",
		},
		{
			name: "signed with another secret",
			req: func() *http.Request {
				sig := signWebhookRequest("another-secret-value", "msg-1", testNow.Format(time.RFC3339Nano), followBody)
				return newWebhookRequest(webhookRequest{body: followBody, signature: sig})
			},
			wantStatus: http.StatusForbidden,
			wantType:   "forbidden",
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				return newWebhookRequest(webhookRequest{body: followBody, timestamp: testNow.Add(-11 * time.Minute).Format(time.RFC3339Nano)})
			},
			wantStatus: http.StatusForbidden,
			wantType:   "forbidden",
		},
		{
			name: "malformed timestamp",
			req: func() *http.Request {
				return newWebhookRequest(webhookRequest{body: followBody, timestamp: "yesterday"})
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "validation",
		},
		{
			name: "malformed body",
			req: func() *http.Request {
				return newWebhookRequest(webhookRequest{body: `{"subscription":`})
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "validation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, d := newTestWebhookHandler(WithMaxMessageAge(10 * time.Minute))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp["type"])
			assert.Empty(t, d.keys)
		})
	}
}

func TestWebhook_RecentTimestampAccepted(t *testing.T) {
	h, d := newTestWebhookHandler(WithMaxMessageAge(10 * time.Minute))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{body: followBody, timestamp: testNow.Add(-9 * time.Minute).Format(time.RFC3339Nano)}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, d.keys, 1)
}

func TestWebhook_DuplicateDeliveryIsNotDispatched(t *testing.T) {
	observer := &outcomeRecorder{}
	h, d := newTestWebhookHandler(WithDeduper(&memoryDeduper{}), WithWebhookObserver(observer))

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newWebhookRequest(webhookRequest{body: followBody}))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	assert.Len(t, d.keys, 1)
	assert.Equal(t, []string{WebhookNotification, WebhookDuplicate}, observer.outcomes)
}

func TestWebhook_DedupeFailureStillDispatches(t *testing.T) {
	h, d := newTestWebhookHandler(WithDeduper(&memoryDeduper{err: errors.New("redis down")}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{body: followBody}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, d.keys, 1)
}

func TestWebhook_Revocation(t *testing.T) {
	h, d := newTestWebhookHandler()
	body := `{"subscription":{"id":"sub-1","type":"channel.follow","version":"2","status":"authorization_revoked","condition":{"broadcaster_user_id":"42"}}}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{messageType: string(domain.MessageTypeRevocation), body: body}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, d.revoked, 1)
	assert.Equal(t, domain.RevocationAuthorizationRevoked, domain.RevocationReason(d.revoked[0]))
	assert.Empty(t, d.keys)
}

func TestWebhook_UnknownMessageType(t *testing.T) {
	h, d := newTestWebhookHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newWebhookRequest(webhookRequest{messageType: "something_new", body: followBody}))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, d.keys)
	assert.Empty(t, d.revoked)
}
