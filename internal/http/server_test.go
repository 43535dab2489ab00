package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmehdipour/outboxflow/internal/config"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/jmehdipour/outboxflow/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "test-key"

func newTestServer(t *testing.T) (*Server, *repository.OutboxRepositoryImpl) {
	t.Helper()
	return newTestServerWith(t, func(o *repository.OutboxRepositoryImpl) EventStore { return o })
}

func newTestServerWith(t *testing.T, events func(*repository.OutboxRepositoryImpl) EventStore) (*Server, *repository.OutboxRepositoryImpl) {
	t.Helper()
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	specs, err := model.ParseSpecs([]byte(`
name: notify
triggers: [{model: post, actions: [create]}]
steps: [{op: log, message: hi}]
`))
	require.NoError(t, err)
	reg, err := registry.NewMemory(specs...)
	require.NoError(t, err)

	srv := NewServer(config.HTTPConfig{APIKeys: []string{apiKey}}, Deps{Events: events(outbox), Registry: reg})
	return srv, outbox
}

func do(t *testing.T, srv *Server, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CreateAndGetEvent(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv, http.MethodPost, "/v1/events",
		`{"model":"post","action":"create","after":{"id":1,"title":"x"},"actor":{"id":"u1","roles":["member"]}}`, apiKey)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		Enqueued bool   `json:"enqueued"`
		ID       string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Enqueued)
	require.True(t, util.ValidID(created.ID))

	rec = do(t, srv, http.MethodGet, "/v1/events/"+created.ID, "", apiKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var ev model.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, "post", ev.Model)
	assert.Equal(t, model.StatusPending, ev.Status)
	assert.Equal(t, "http", ev.Origin)

	rec = do(t, srv, http.MethodGet, "/v1/events/"+util.NewID(), "", apiKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodGet, "/v1/events/nope", "", apiKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_IdempotentByEnvelopeID(t *testing.T) {
	srv, _ := newTestServer(t)
	id := util.NewID()
	body := `{"id":"` + id + `","model":"post","action":"delete","before":{"id":3}}`

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/v1/events", body, apiKey).Code)
	rec := do(t, srv, http.MethodPost, "/v1/events", body, apiKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enqueued":false`)
}

// staleLookup misses every event, as a lookup racing a concurrent insert would.
type staleLookup struct {
	*repository.OutboxRepositoryImpl
}

func (staleLookup) Get(context.Context, string) (*model.Event, error) { return nil, nil }

func TestServer_ConcurrentDuplicateIsNotAnError(t *testing.T) {
	srv, _ := newTestServerWith(t, func(o *repository.OutboxRepositoryImpl) EventStore { return staleLookup{o} })
	id := util.NewID()
	body := `{"id":"` + id + `","model":"post","action":"create","after":{"id":3}}`

	assert.Equal(t, http.StatusAccepted, do(t, srv, http.MethodPost, "/v1/events", body, apiKey).Code)
	rec := do(t, srv, http.MethodPost, "/v1/events", body, apiKey)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"enqueued":false`)
}

func TestServer_RejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{
		`{`,
		`{"model":"post","action":"datetime"}`,
		`{"model":"post","action":"create","origin":"scheduler"}`,
		`{"model":"post","action":"create","actor":{"claims":{"system":true}}}`,
	} {
		rec := do(t, srv, http.MethodPost, "/v1/events", body, apiKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServer_APIKey(t *testing.T) {
	srv, _ := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/specs", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/v1/specs", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", "").Code)

	rec := do(t, srv, http.MethodGet, "/v1/specs", "", apiKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Specs []specSummary `json:"specs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Specs, 1)
	assert.Equal(t, specSummary{Name: "notify", ActorMode: "inherit", Triggers: 1, Steps: 1}, out.Specs[0])
}
