package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converselabs/widgetd/internal/store"
	"github.com/converselabs/widgetd/pkg/eventlog"
	"github.com/converselabs/widgetd/pkg/limits"
	"github.com/converselabs/widgetd/pkg/session"
	"github.com/converselabs/widgetd/pkg/takeover"
)

type testEnv struct {
	db     *store.SQLiteStore
	events *eventlog.Log
	mux    *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	events := eventlog.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", 0, 0)
	t.Cleanup(func() { _ = events.Close() })

	sessions := session.NewStore(db, db, nil, session.DefaultStoreConfig())
	orch := takeover.New(db, events, db, nil, nil)
	limiter := limits.New(db, limits.Config{
		BillingEnabled: true,
		Caps: map[limits.Tier]map[string]limits.ActionCaps{
			limits.TierAnonymous: {"message": {Lifetime: 2}},
		},
	})

	h := NewHandler(sessions, events, orch, limiter, db, Policy{
		MaxMessages:  5,
		MaxPerMinute: 0,
		MaxFiles:     2,
	}, nil)

	mux := http.NewServeMux()
	h.Register(mux)

	return &testEnv{db: db, events: events, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestGetOrCreateSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sess := decode[session.WidgetSession](t, rec)
	assert.Equal(t, "w1", sess.WidgetID)
	assert.Equal(t, "s1", sess.SessionID)
	assert.Equal(t, session.ModeAI, sess.Mode)
}

func TestGetOrCreateSession_TestModeNeedsVerification(t *testing.T) {
	env := newTestEnv(t)

	// Unverified request: the testMode flag is ignored.
	rec := env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/abc?testMode=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[session.WidgetSession](t, rec)
	assert.Equal(t, "abc", sess.SessionID)

	// Verified request: the prefix is applied server-side.
	req := httptest.NewRequest(http.MethodGet, "/v1/widgets/w1/sessions/abc?testMode=true", nil)
	req.Header.Set("X-Owner-Verified", "true")
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	sess = decode[session.WidgetSession](t, rr)
	assert.Equal(t, "test_abc", sess.SessionID)
}

func TestCheckSessionLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1/limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[session.LimitResult](t, rec)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestTakeOverFlow(t *testing.T) {
	env := newTestEnv(t)

	// Create the session first.
	rec := env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := map[string]any{"operator": map[string]any{"id": "op-1", "displayName": "Dana"}}
	rec = env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/takeover", body)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[session.WidgetSession](t, rec)
	assert.Equal(t, session.ModeHuman, sess.Mode)

	// The event arrived on the session channel.
	rec = env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1/events?since=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[map[string][]eventlog.Event](t, rec)
	require.Len(t, payload["events"], 1)
	assert.Equal(t, eventlog.EventTakeover, payload["events"][0].Type)

	// Hand back.
	rec = env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/handback", body)
	require.Equal(t, http.StatusOK, rec.Code)
	sess = decode[session.WidgetSession](t, rec)
	assert.Equal(t, session.ModeAI, sess.Mode)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/widgets/w1/sessions/s1/events?since=%d", payload["events"][0].ID), nil)
	payload = decode[map[string][]eventlog.Event](t, rec)
	require.Len(t, payload["events"], 1)
	assert.Equal(t, eventlog.EventHandback, payload["events"][0].Type)
}

func TestHandBack_InvalidFromAI(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1", nil)

	body := map[string]any{"operator": map[string]any{"id": "op-1"}}
	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/handback", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendHumanMessage_WrongModeConflict(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1", nil)

	body := map[string]any{"text": "hi", "operator": map[string]any{"id": "op-1"}}
	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/messages", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendHumanMessage_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/messages",
		map[string]any{"operator": map[string]any{"id": "op-1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitingFlow(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1", nil)

	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/waiting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[session.WidgetSession](t, rec)
	assert.Equal(t, session.ModeWaiting, sess.Mode)

	// The owner notification channel carries the alert.
	rec = env.do(t, http.MethodGet, "/v1/widgets/w1/notifications?since=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decode[map[string][]eventlog.Event](t, rec)
	require.Len(t, payload["events"], 1)
	assert.Equal(t, "s1", payload["events"][0].Payload["sessionId"])
}

func TestTypingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/typing",
		map[string]any{"operatorId": "op-1"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1/typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["typing"])

	rec = env.do(t, http.MethodDelete, "/v1/widgets/w1/sessions/s1/typing", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/widgets/w1/sessions/s1/typing", nil)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, false, body["typing"])
}

func TestCounterEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/counters/messages",
		map[string]any{"delta": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[session.WidgetSession](t, rec)
	assert.Equal(t, 1, sess.MessageCount)

	rec = env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/counters/messages",
		map[string]any{"delta": -1})
	require.Equal(t, http.StatusOK, rec.Code)
	sess = decode[session.WidgetSession](t, rec)
	assert.Equal(t, 0, sess.MessageCount)

	rec = env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/counters/messages",
		map[string]any{"delta": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/widgets/w1/sessions/s1/counters/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sess = decode[session.WidgetSession](t, rec)
	assert.Equal(t, 1, sess.FileCount)
}

func TestAccountLimitEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/accounts/u1/limits/message", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[limits.Result](t, rec)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Limit)

	// Burn the lifetime cap.
	for i := 0; i < 2; i++ {
		rec = env.do(t, http.MethodPost, "/v1/accounts/u1/usage/message",
			map[string]any{"units": 1})
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/accounts/u1/limits/message", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[limits.Result](t, rec)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(2), res.Used)
	assert.Nil(t, res.ResetAt)
}
