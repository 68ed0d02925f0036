package migrationhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portage/internal/gateway/exchange"
	"portage/internal/gateway/paper"
	"portage/internal/migration"
	migrationhttp "portage/internal/transport/http"
)

type memStore struct {
	mu          sync.Mutex
	transitions map[string]*migration.Transition
}

func newMemStore() *memStore {
	return &memStore{transitions: make(map[string]*migration.Transition)}
}

func (s *memStore) Create(_ context.Context, tr *migration.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transitions {
		if !existing.Status.Terminal() {
			return migration.ErrConflict
		}
	}
	tr.TakeAppended()
	s.transitions[tr.ID] = tr
	return nil
}

func (s *memStore) Active(_ context.Context) (*migration.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tr := range s.transitions {
		if !tr.Status.Terminal() {
			return tr, nil
		}
	}
	return nil, migration.ErrNotFound
}

func (s *memStore) Get(_ context.Context, id string) (*migration.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transitions[id]
	if !ok {
		return nil, migration.ErrNotFound
	}
	return tr, nil
}

func (s *memStore) Update(_ context.Context, tr *migration.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transitions[tr.ID]; !ok {
		return migration.ErrNotFound
	}
	tr.TakeAppended()
	s.transitions[tr.ID] = tr
	return nil
}

func (s *memStore) LogTail(_ context.Context, id string, limit int) ([]migration.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transitions[id]
	if !ok {
		return nil, migration.ErrNotFound
	}
	log := tr.Log
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	return log, nil
}

func newTestEngine(t *testing.T, pnls []float64) (*gin.Engine, *migration.Service) {
	t.Helper()
	src := paper.New("paper-src")
	for i, pnl := range pnls {
		src.Seed(exchange.Position{
			Symbol:             "SYM" + string(rune('A'+i)) + "USDT",
			Side:               "long",
			Quantity:           1,
			EntryPrice:         100,
			Stake:              1000,
			UnrealizedPnL:      pnl,
			UnrealizedPnLRatio: pnl / 1000,
		})
	}
	store := newMemStore()
	svc := migration.NewService(store, map[string]exchange.VenueClient{
		"paper-src": src,
		"paper-dst": paper.New("paper-dst"),
	}, migration.Policy{EmergencyLossPct: 0.25, TightenStopPct: 0.5}, migration.ExecSettings{}, nil, nil)

	server, err := migrationhttp.NewServer(migrationhttp.ServerConfig{
		Addr:   ":0",
		Router: migrationhttp.NewRouter(svc, store, nil),
	})
	require.NoError(t, err)
	return server.Engine(), svc
}

func doJSON(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	rec := doJSON(t, engine, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndFetch(t *testing.T) {
	engine, _ := newTestEngine(t, []float64{50, -20})

	rec := doJSON(t, engine, http.MethodPost, "/api/migration", migrationhttp.CreateRequest{
		FromVenue: "paper-src", ToVenue: "paper-dst", Strategy: "MANUAL",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view migrationhttp.TransitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view.Status)
	assert.Equal(t, 2, view.TotalPositions)
	assert.True(t, view.ManualOverrideRequired)

	rec = doJSON(t, engine, http.MethodGet, "/api/migration/active", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/api/migration/"+view.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/api/migration/"+view.ID+"/log", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, engine, http.MethodGet, "/api/migration/"+view.ID+"/positions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec := doJSON(t, engine, http.MethodPost, "/api/migration", map[string]string{"from_venue": "paper-src"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/api/migration", migrationhttp.CreateRequest{
		FromVenue: "paper-src", ToVenue: "paper-dst", Strategy: "YOLO",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictMapsTo409(t *testing.T) {
	engine, _ := newTestEngine(t, []float64{10})

	body := migrationhttp.CreateRequest{FromVenue: "paper-src", ToVenue: "paper-dst", Strategy: "IMMEDIATE"}
	rec := doJSON(t, engine, http.MethodPost, "/api/migration", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/api/migration", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNotFoundMapsTo404(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rec := doJSON(t, engine, http.MethodGet, "/api/migration/active", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/api/migration/unknown/approve", migrationhttp.ApproveRequest{By: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveCancelFlow(t *testing.T) {
	engine, _ := newTestEngine(t, []float64{50, -20})

	rec := doJSON(t, engine, http.MethodPost, "/api/migration", migrationhttp.CreateRequest{
		FromVenue: "paper-src", ToVenue: "paper-dst", Strategy: "MANUAL",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var view migrationhttp.TransitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

	rec = doJSON(t, engine, http.MethodPost, "/api/migration/"+view.ID+"/approve", migrationhttp.ApproveRequest{By: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var approved migrationhttp.TransitionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.True(t, approved.ManualOverrideApproved)
	assert.Equal(t, "alice", approved.ManualOverrideBy)

	// cancel still succeeds after approve
	rec = doJSON(t, engine, http.MethodPost, "/api/migration/"+view.ID+"/cancel", migrationhttp.CancelRequest{Reason: "abort"})
	require.Equal(t, http.StatusOK, rec.Code)

	// approve after cancel maps to 422
	rec = doJSON(t, engine, http.MethodPost, "/api/migration/"+view.ID+"/approve", migrationhttp.ApproveRequest{By: "bob"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestManualTick(t *testing.T) {
	engine, _ := newTestEngine(t, []float64{50})

	// no active transition: idle
	rec := doJSON(t, engine, http.MethodPost, "/api/migration/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "idle")

	rec = doJSON(t, engine, http.MethodPost, "/api/migration", migrationhttp.CreateRequest{
		FromVenue: "paper-src", ToVenue: "paper-dst", Strategy: "IMMEDIATE",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, engine, http.MethodPost, "/api/migration/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res migration.TickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Closed)
	assert.True(t, res.Completed)
}
