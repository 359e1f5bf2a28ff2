package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/playgrid/spotdiff/internal/game"
	"github.com/playgrid/spotdiff/internal/models"
	"github.com/playgrid/spotdiff/internal/session"
	"github.com/playgrid/spotdiff/internal/timer"
)

type failingOracle struct{}

func (failingOracle) FindRegion(ctx context.Context, imageID string, pt models.Point) (*models.Region, error) {
	return nil, errors.New("unknown image")
}

func (failingOracle) DifferenceCount(ctx context.Context, imageID string) (int, error) {
	return 0, errors.New("unknown image")
}

type fakeLister struct {
	records []models.GameHistoryRecord
	err     error
}

func (f *fakeLister) ListRecent(ctx context.Context, limit int) ([]models.GameHistoryRecord, error) {
	return f.records, f.err
}

func newHandlerMux(t *testing.T, oracle game.Oracle, lister HistoryLister) (*http.ServeMux, *session.Store) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := session.NewStore(clock)
	engine := timer.NewEngine(clock, time.Second)
	cm := NewConnectionManager(DefaultConnectionConfig())
	coord := game.NewCoordinator(store, engine, oracle, cm, nil, nil, clock, game.DefaultConfig())

	mux := http.NewServeMux()
	NewSessionHandler(coord, store, lister).RegisterRoutes(mux)
	return mux, store
}

func defaultOracle() *stubOracle {
	return &stubOracle{
		total: 2,
		regions: map[models.Point]*models.Region{
			{X: 10, Y: 10}: {ID: "r1", Pixels: []models.Point{{X: 10, Y: 10}}},
		},
	}
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	mux, store := newHandlerMux(t, defaultOracle(), nil)

	w := postJSON(t, mux, "/api/sessions", `{"image_id":"img-1","mode":"classic","participant_id":"alice"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ImageID != "img-1" || resp.Status != models.StatusActive {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.TotalDifferences != 2 {
		t.Fatalf("expected 2 differences from oracle, got %d", resp.TotalDifferences)
	}
	if len(resp.Participants) != 1 || resp.Participants[0] != "alice" {
		t.Fatalf("unexpected participants: %v", resp.Participants)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", store.Len())
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	// Mode and participant id are optional.
	w := postJSON(t, mux, "/api/sessions", `{"image_id":"img-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp sessionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Mode != models.ModeClassic {
		t.Fatalf("expected classic default, got %q", resp.Mode)
	}
	if len(resp.Participants) != 1 || resp.Participants[0] == "" {
		t.Fatalf("expected generated participant id, got %v", resp.Participants)
	}
}

func TestCreateSessionUnknownImage(t *testing.T) {
	mux, _ := newHandlerMux(t, failingOracle{}, nil)

	w := postJSON(t, mux, "/api/sessions", `{"image_id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateSessionMalformedBody(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	w := postJSON(t, mux, "/api/sessions", `{"image_id":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSessionsMethodNotAllowed(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	w := get(t, mux, "/api/sessions")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	mux, store := newHandlerMux(t, defaultOracle(), nil)

	created := store.Create(session.CreateSpec{
		ImageID:          "img-1",
		Mode:             models.ModeClassic,
		RequiredPlayers:  1,
		TotalDifferences: 2,
	}, "alice")

	w := get(t, mux, "/api/sessions/"+created.ID.String())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp sessionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SessionID != created.ID.String() || resp.FoundCount != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	if w := get(t, mux, "/api/sessions/"+uuid.New().String()); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := get(t, mux, "/api/sessions/not-a-uuid"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
}

func TestClickEndpoint(t *testing.T) {
	oracle := defaultOracle()
	mux, store := newHandlerMux(t, oracle, nil)

	created := store.Create(session.CreateSpec{
		ImageID:          "img-1",
		Mode:             models.ModeClassic,
		RequiredPlayers:  1,
		TotalDifferences: 2,
	}, "alice")

	w := postJSON(t, mux, "/api/sessions/"+created.ID.String()+"/click",
		`{"participant_id":"alice","x":10,"y":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var outcome game.ClickOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Result != game.ResultHit || outcome.FoundCount != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	w = postJSON(t, mux, "/api/sessions/"+created.ID.String()+"/click",
		`{"participant_id":"alice","x":999,"y":999}`)
	var miss game.ClickOutcome
	json.Unmarshal(w.Body.Bytes(), &miss)
	if miss.Result != game.ResultMiss {
		t.Fatalf("expected miss, got %+v", miss)
	}
}

func TestClickEndpointNotFound(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	w := postJSON(t, mux, "/api/sessions/"+uuid.New().String()+"/click",
		`{"participant_id":"alice","x":1,"y":1}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	lister := &fakeLister{records: []models.GameHistoryRecord{
		{SessionID: uuid.New(), ImageID: "img-1", Mode: models.ModeClassic, PlayerOne: "alice", FoundCount: 2},
	}}
	mux, _ := newHandlerMux(t, defaultOracle(), lister)

	w := get(t, mux, "/api/history?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var records []models.GameHistoryRecord
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(records) != 1 || records[0].PlayerOne != "alice" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestHistoryEndpointEmpty(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), &fakeLister{})

	w := get(t, mux, "/api/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", w.Body.String())
	}
}

func TestHistoryEndpointUnconfigured(t *testing.T) {
	mux, _ := newHandlerMux(t, defaultOracle(), nil)

	if w := get(t, mux, "/api/history"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
