package httpserver

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailtriage/internal/handler"
	"mailtriage/internal/ingest"
	"mailtriage/internal/model"
	"mailtriage/pkg/auth"
	"mailtriage/pkg/config"
	"mailtriage/pkg/outbox"
	"mailtriage/pkg/trace"
)

const testSecret = "test-secret"

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeBroker struct{ up bool }

func (b fakeBroker) IsConnected() bool { return b.up }

type fakeStore struct {
	items []*model.WorkItem
	stuck []*model.WorkItem
}

func (s *fakeStore) Stats(context.Context) (model.Stats, error) {
	return model.Stats{Pending: 2, Completed: 1, AvgLatency: 1.25}, nil
}

func (s *fakeStore) ListRecent(_ context.Context, page, limit int) (model.Page, error) {
	return model.Page{Items: s.items, Total: int64(len(s.items)), Page: page, Limit: limit, Pages: 1}, nil
}

func (s *fakeStore) ExportAll(_ context.Context, fn func(*model.WorkItem) error) error {
	for _, it := range s.items {
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) ListStuck(context.Context, time.Duration, int) ([]*model.WorkItem, error) {
	return s.stuck, nil
}

type fakeGateway struct {
	seen map[string]bool
	msgs []ingest.Message
}

func (g *fakeGateway) Ingest(_ context.Context, msg ingest.Message) (bool, error) {
	if g.seen[msg.ExternalID] && msg.ExternalID != "" {
		return false, nil
	}
	g.seen[msg.ExternalID] = true
	g.msgs = append(g.msgs, msg)
	return true, nil
}

func (g *fakeGateway) IngestBatch(_ context.Context, msgs []ingest.Message) (int, error) {
	g.msgs = append(g.msgs, msgs...)
	return len(msgs), nil
}

type fakeReplayer struct {
	replayed []int64
	err      error
}

func (r *fakeReplayer) ListFailed(context.Context, int) ([]*outbox.Event, error) {
	return []*outbox.Event{{ID: 7, RoutingKey: "workitem.failed", Status: "failed"}}, nil
}

func (r *fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	if r.err != nil {
		return r.err
	}
	r.replayed = append(r.replayed, id)
	return nil
}

func (r *fakeReplayer) ReplayFailedEvents(context.Context, int) (int, error) {
	return 3, r.err
}

type testEnv struct {
	router  *Router
	store   *fakeStore
	gateway *fakeGateway
	replay  *fakeReplayer
}

func newTestEnv(t *testing.T, db handler.Pinger, broker handler.BrokerStatus) *testEnv {
	t.Helper()
	hash, err := auth.HashPassword("letmein")
	require.NoError(t, err)

	env := &testEnv{
		store:   &fakeStore{},
		gateway: &fakeGateway{seen: map[string]bool{}},
		replay:  &fakeReplayer{},
	}
	adminCfg := config.AdminConfig{Username: "admin", PasswordHash: hash, JWTSecret: testSecret, TokenTTL: time.Hour}
	logger := zap.NewNop()

	env.router = NewRouter(
		handler.NewHealthHandler(db, broker, "mailtriage", "1.0.0"),
		handler.NewWorkItemHandler(env.store, env.gateway, logger),
		handler.NewAdminHandler(env.replay, env.store, adminCfg, logger),
		testSecret,
		logger,
	)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.Engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	w := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "mailtriage", body["app"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.NotEmpty(t, w.Header().Get(trace.HeaderName()))
}

func TestTraceHeaderIsEchoed(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(trace.HeaderName(), "trace-123")

	w := env.do(req)
	assert.Equal(t, "trace-123", w.Header().Get(trace.HeaderName()))
}

func TestReadyz(t *testing.T) {
	cases := []struct {
		name   string
		db     handler.Pinger
		broker handler.BrokerStatus
		code   int
	}{
		{"ready without broker", fakePinger{}, nil, http.StatusOK},
		{"ready with broker", fakePinger{}, fakeBroker{up: true}, http.StatusOK},
		{"db down", fakePinger{err: errors.New("refused")}, nil, http.StatusServiceUnavailable},
		{"broker down", fakePinger{}, fakeBroker{up: false}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.db, tc.broker)
			w := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_request_duration_seconds")
}

func TestIngest(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	payload := `{"external_id":"m-1","sender":"a@x.io","subject":"Hi","body":"hello"}`

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(payload)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "success", "message": "Email ingested"}, decode(t, w))

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(payload)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(`{"sender":"a"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Len(t, env.gateway.msgs, 1)
	assert.Equal(t, "hello", env.gateway.msgs[0].Body)
}

func multipartUpload(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/bulk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestIngestBulk(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)

	w := env.do(multipartUpload(t, "batch.txt", "one\ntwo\n"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ingested 2 emails", decode(t, w)["message"])

	w = env.do(multipartUpload(t, "batch.xml", "<x/>"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(multipartUpload(t, "batch.json", `{"not":"a list"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/ingest/bulk", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEmailsAndStats(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	env.store.items = []*model.WorkItem{{ID: 1, Sender: "a", Status: model.StatusPending}}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/emails?page=2&limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["page"])
	assert.EqualValues(t, 5, body["limit"])
	assert.Len(t, body["items"], 1)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.EqualValues(t, 2, stats["pending"])
	assert.EqualValues(t, 1.25, stats["avg_latency"])
}

func TestExport(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	summary, reply, redacted := "Customer asks", model.NoReply, "hi [REDACTED]"
	env.store.items = []*model.WorkItem{
		{
			ID: 2, Sender: "b", Subject: "s2", Status: model.StatusCompleted,
			ReceivedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			Analysis:       &model.Analysis{
				Intent: "REQUEST", Sentiment: "NEUTRAL", Confidence: "High",
				Priority: model.TierMedium, PriorityReason: "Intent: REQUEST, Keyword: status",
			},
			Summary:        &summary,
			GeneratedReply: &reply,
			BodyRedacted:   &redacted,
		},
		{ID: 1, Sender: "a", Subject: "s1", Status: model.StatusPending},
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))

	records, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"Priority", "Priority Reason"}, records[0][8:10])
	assert.Equal(t, "Generated Reply", records[0][11])
	assert.Equal(t, []string{
		"2", "b", "s2", "2026-03-01T10:00:00Z", "COMPLETED", "REQUEST", "High", "NEUTRAL",
		"MEDIUM", "Intent: REQUEST, Keyword: status",
		"Customer asks", "NO_REPLY", "hi [REDACTED]",
	}, records[1])
	assert.Equal(t, []string{"", ""}, records[2][8:10])
	assert.Equal(t, "N/A", records[2][6])
}

func login(t *testing.T, env *testEnv, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username":"admin","password":"` + password + `"}`
	return env.do(httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(body)))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/admin/stuck", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stuck", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = login(t, env, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminFlow(t *testing.T) {
	env := newTestEnv(t, fakePinger{}, nil)
	env.store.stuck = []*model.WorkItem{{ID: 9, Status: model.StatusProcessing}}

	w := login(t, env, "letmein")
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	authed := func(method, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(req)
	}

	w = authed(http.MethodGet, "/admin/stuck?older_than=30m")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "30m0s", body["older_than"])

	w = authed(http.MethodGet, "/admin/stuck?older_than=soon")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = authed(http.MethodGet, "/admin/outbox/failed")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = authed(http.MethodPost, "/admin/outbox/replay?id=42")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{42}, env.replay.replayed)

	w = authed(http.MethodPost, "/admin/outbox/replay")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = authed(http.MethodPost, "/admin/outbox/replay-failed?limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decode(t, w)["success_count"])

	env.replay.err = errors.New("broker down")
	w = authed(http.MethodPost, "/admin/outbox/replay?id=1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestOpsRouter(t *testing.T) {
	r := NewOpsRouter(handler.NewHealthHandler(fakePinger{}, nil, "mailtriage-worker", "1.0.0"), zap.NewNop())

	w := httptest.NewRecorder()
	r.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
