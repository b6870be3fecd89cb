package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FurnitureDate/internal/dialogue"
	"github.com/BTreeMap/FurnitureDate/internal/models"
	"github.com/BTreeMap/FurnitureDate/internal/session"
	"github.com/BTreeMap/FurnitureDate/internal/speech"
	"github.com/BTreeMap/FurnitureDate/internal/store"
)

type fakeDialogue struct {
	ask func(ctx context.Context, req dialogue.Request) (string, error)
}

func (f *fakeDialogue) Ask(ctx context.Context, req dialogue.Request) (string, error) {
	if f.ask == nil {
		return "I was carved in " + req.ItemID, nil
	}
	return f.ask(ctx, req)
}

type fakeCatalog struct {
	mu        sync.Mutex
	items     []models.CatalogItem
	err       error
	refreshes int
	refreshed time.Time
}

func (f *fakeCatalog) FetchItems(ctx context.Context) ([]models.CatalogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.CatalogItem(nil), f.items...), nil
}

func (f *fakeCatalog) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.refreshed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return nil
}

func (f *fakeCatalog) RefreshedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshed
}

type staticPrompts []string

func (p staticPrompts) FetchPrompts(ctx context.Context) []string {
	return p
}

type fakeSynth struct {
	audio []byte
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	return f.audio, f.err
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func testItems() []models.CatalogItem {
	return []models.CatalogItem{
		{Title: "Bauhaus Chair", Period: "Modernism", Description: "Tubular steel."},
		{Title: "Rococo Mirror", Period: "Baroque", History: "Hung in Versailles."},
		{Title: "Shaker Table", Period: "Folk"},
	}
}

func newTestServer(t *testing.T, d session.Dialogue, opts ...Option) (*Server, *fakeCatalog, store.Store) {
	t.Helper()
	cat := &fakeCatalog{items: testItems()}
	st := store.NewInMemoryStore()
	opts = append([]Option{WithPromptSource(staticPrompts{"Where are you from?", "What is your style?", "Any regrets?"})}, opts...)
	return NewServer(d, cat, st, opts...), cat, st
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	var env envelope
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, env
}

func decodeResult(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Result, v); err != nil {
		t.Fatalf("failed to decode result %s: %v", env.Result, err)
	}
}

func TestCatalogHandler(t *testing.T) {
	s, cat, _ := newTestServer(t, &fakeDialogue{})

	rr, env := do(t, s, http.MethodGet, "/catalog", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var items []models.CatalogItem
	decodeResult(t, env, &items)
	if len(items) != 3 {
		t.Errorf("expected 3 items, got %d", len(items))
	}

	cat.err = errors.New("offline")
	if rr, _ := do(t, s, http.MethodGet, "/catalog", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when catalog fails, got %d", rr.Code)
	}

	rr, _ = do(t, s, http.MethodPost, "/catalog", "")
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("expected 405 with Allow GET, got %d %q", rr.Code, rr.Header().Get("Allow"))
	}
}

func TestQuestionsHandler(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDialogue{})
	rr, env := do(t, s, http.MethodGet, "/questions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var prompts []string
	decodeResult(t, env, &prompts)
	if len(prompts) != 3 {
		t.Errorf("expected 3 prompts, got %v", prompts)
	}
}

func TestAskHandler(t *testing.T) {
	var got dialogue.Request
	d := &fakeDialogue{ask: func(ctx context.Context, req dialogue.Request) (string, error) {
		got = req
		return "Dessau, darling.", nil
	}}
	s, _, _ := newTestServer(t, d)

	rr, env := do(t, s, http.MethodPost, "/ask", `{"furniture":" bauhaus chair ","question":"Where are you from?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result map[string]string
	decodeResult(t, env, &result)
	if result["answer"] != "Dessau, darling." {
		t.Errorf("unexpected answer %q", result["answer"])
	}
	if got.ItemID != "Bauhaus Chair" || !strings.Contains(got.Context, "Tubular steel.") {
		t.Errorf("dialogue request not bound to item: %+v", got)
	}
}

func TestAskHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing question", `{"furniture":"Bauhaus Chair"}`, nil, http.StatusBadRequest},
		{"unknown speaker in history", `{"furniture":"Bauhaus Chair","question":"Hi?","history":[{"speaker":"robot","text":"beep"}]}`, nil, http.StatusBadRequest},
		{"empty turn in history", `{"furniture":"Bauhaus Chair","question":"Hi?","history":[{"speaker":"user","text":" "}]}`, nil, http.StatusBadRequest},
		{"unknown furniture", `{"furniture":"Sofa","question":"Hi?"}`, nil, http.StatusNotFound},
		{"refusal", `{"furniture":"Bauhaus Chair","question":"Hi?"}`, &dialogue.RefusalError{Message: "I'd rather not."}, http.StatusOK},
		{"unavailable", `{"furniture":"Bauhaus Chair","question":"Hi?"}`, dialogue.ErrServiceUnavailable, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialogue{ask: func(ctx context.Context, req dialogue.Request) (string, error) {
				return "", tt.err
			}}
			s, _, _ := newTestServer(t, d)
			rr, env := do(t, s, http.MethodPost, "/ask", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			switch tt.name {
			case "refusal":
				var result map[string]interface{}
				decodeResult(t, env, &result)
				if result["answer"] != "I'd rather not." || result["refused"] != true {
					t.Errorf("unexpected refusal result %v", result)
				}
			case "unavailable":
				var result map[string]string
				decodeResult(t, env, &result)
				if result["answer"] != session.ConnectionFailureMessage {
					t.Errorf("expected connection failure message, got %q", result["answer"])
				}
			}
		})
	}
}

func TestSpeakHandler(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDialogue{})
	if rr, _ := do(t, s, http.MethodPost, "/speak", `{"text":"Bonjour"}`); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when speech is disabled, got %d", rr.Code)
	}

	s, _, _ = newTestServer(t, &fakeDialogue{}, WithSpeaker(speech.NewSpeaker(&fakeSynth{audio: []byte("ID3")})))
	rr, env := do(t, s, http.MethodPost, "/speak", `{"text":"Bonjour","accent":"french_female"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result map[string]string
	decodeResult(t, env, &result)
	audio, err := base64.StdEncoding.DecodeString(result["audio"])
	if err != nil || string(audio) != "ID3" || result["format"] != "mp3" {
		t.Errorf("unexpected audio result %v (%v)", result, err)
	}
	if rr, _ := do(t, s, http.MethodPost, "/speak", `{"text":"  "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", rr.Code)
	}

	s, _, _ = newTestServer(t, &fakeDialogue{}, WithSpeaker(speech.NewSpeaker(&fakeSynth{err: speech.ErrSynthesisFailed})))
	if rr, _ := do(t, s, http.MethodPost, "/speak", `{"text":"Bonjour"}`); rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on synthesis failure, got %d", rr.Code)
	}
}

func TestPreferencesHandler(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDialogue{})

	rr, env := do(t, s, http.MethodGet, "/preferences/visitor-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got struct {
		Preferences models.Preferences `json:"preferences"`
		Found       bool               `json:"found"`
	}
	decodeResult(t, env, &got)
	if got.Found {
		t.Error("expected no stored preferences")
	}

	if rr, _ := do(t, s, http.MethodPut, "/preferences/visitor-1", `{"rounds":2,"period":"baroque"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on save, got %d", rr.Code)
	}
	_, env = do(t, s, http.MethodGet, "/preferences/visitor-1", "")
	decodeResult(t, env, &got)
	if !got.Found || got.Preferences.Rounds != 2 || got.Preferences.Period != "baroque" {
		t.Errorf("unexpected stored preferences %+v", got)
	}

	if rr, _ := do(t, s, http.MethodPut, "/preferences/visitor-1", `{"rounds":99}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for too many rounds, got %d", rr.Code)
	}
	rr, _ = do(t, s, http.MethodDelete, "/preferences/visitor-1", "")
	if rr.Code != http.StatusMethodNotAllowed || rr.Header().Get("Allow") != "GET, PUT" {
		t.Errorf("expected 405 with Allow GET, PUT, got %d %q", rr.Code, rr.Header().Get("Allow"))
	}
}

func startSession(t *testing.T, s *Server, body string) session.Round {
	t.Helper()
	rr, env := do(t, s, http.MethodPost, "/sessions", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var round session.Round
	decodeResult(t, env, &round)
	return round
}

func TestSessionLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDialogue{})

	round := startSession(t, s, `{"preferences":{"rounds":1}}`)
	if round.State != session.StateRoundActive || round.Index != 1 || round.Total != 1 || round.Item == nil {
		t.Fatalf("unexpected first round %+v", round)
	}
	if len(round.Prompts) != session.DefaultBatchSize {
		t.Errorf("expected %d prompts, got %v", session.DefaultBatchSize, round.Prompts)
	}

	path := "/sessions/" + round.SessionID
	rr, env := do(t, s, http.MethodPost, path+"/prompts", `{"text":"Where are you from?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var submitted struct {
		Exchange session.Exchange `json:"exchange"`
		Round    session.Round    `json:"round"`
	}
	decodeResult(t, env, &submitted)
	if submitted.Exchange.Answer == "" || len(submitted.Round.Turns) != 2 {
		t.Errorf("unexpected exchange %+v", submitted)
	}

	rr, env = do(t, s, http.MethodPost, path+"/advance", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	decodeResult(t, env, &round)
	if round.State != session.StateSessionComplete {
		t.Errorf("expected session complete, got %s", round.State)
	}

	rr, _ = do(t, s, http.MethodPost, path+"/prompts", `{"text":"Still there?"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 after completion, got %d", rr.Code)
	}

	rr, env = do(t, s, http.MethodGet, "/logs?session="+round.SessionID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var logs []models.SessionLog
	decodeResult(t, env, &logs)
	if len(logs) != 1 || len(logs[0].Turns) != 2 {
		t.Errorf("expected one logged round with two turns, got %+v", logs)
	}

	if rr, _ := do(t, s, http.MethodDelete, path, ""); rr.Code != http.StatusOK {
		t.Errorf("expected 200 on delete, got %d", rr.Code)
	}
	if rr, _ := do(t, s, http.MethodGet, path, ""); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestCreateSession_UsesStoredPreferences(t *testing.T) {
	s, _, st := newTestServer(t, &fakeDialogue{})
	if err := st.SavePreferences("visitor-1", models.Preferences{ItemIDs: []string{"shaker table"}}); err != nil {
		t.Fatalf("SavePreferences: %v", err)
	}
	round := startSession(t, s, `{"visitor_id":"visitor-1"}`)
	if round.Total != 1 || round.Item == nil || round.Item.Title != "Shaker Table" {
		t.Errorf("expected the stored item selection, got %+v", round)
	}

	round = startSession(t, s, `{"visitor_id":"visitor-1","preferences":{"rounds":2}}`)
	if round.Total != 2 {
		t.Errorf("expected request preferences to win, got %d rounds", round.Total)
	}

	round = startSession(t, s, `{"visitor_id":"visitor-1","preferences":{}}`)
	if round.Total != 1 || round.Item == nil || round.Item.Title != "Shaker Table" {
		t.Errorf("empty request preferences should fall back to stored ones, got %+v", round)
	}
}

func TestCreateSession_CatalogFailures(t *testing.T) {
	s, cat, _ := newTestServer(t, &fakeDialogue{})

	cat.items = nil
	if rr, _ := do(t, s, http.MethodPost, "/sessions", ""); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for empty catalog, got %d", rr.Code)
	}
	cat.err = errors.New("offline")
	if rr, _ := do(t, s, http.MethodPost, "/sessions", "{}"); rr.Code != http.StatusBadGateway {
		t.Errorf("expected 502 when catalog fails, got %d", rr.Code)
	}
	if s.sessions.Len() != 0 {
		t.Errorf("failed sessions must not be registered, got %d", s.sessions.Len())
	}
}

func TestSubmitPrompt_Errors(t *testing.T) {
	d := &fakeDialogue{ask: func(ctx context.Context, req dialogue.Request) (string, error) {
		return "", dialogue.ErrServiceUnavailable
	}}
	s, _, _ := newTestServer(t, d)
	round := startSession(t, s, "{}")
	path := "/sessions/" + round.SessionID + "/prompts"

	if rr, _ := do(t, s, http.MethodPost, path, `{"text":"   "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty prompt, got %d", rr.Code)
	}
	long := strings.Repeat("a", models.MaxPromptLength+1)
	if rr, _ := do(t, s, http.MethodPost, path, `{"text":"`+long+`"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for long prompt, got %d", rr.Code)
	}

	rr, env := do(t, s, http.MethodPost, path, `{"text":"Hello?"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if env.Message != session.ConnectionFailureMessage {
		t.Errorf("expected connection failure message, got %q", env.Message)
	}
	rr, env = do(t, s, http.MethodGet, "/sessions/"+round.SessionID, "")
	var snap session.Round
	decodeResult(t, env, &snap)
	if rr.Code != http.StatusOK || len(snap.Turns) != 0 {
		t.Errorf("failed exchange must leave no turns, got %+v", snap.Turns)
	}

	if rr, _ := do(t, s, http.MethodPost, "/sessions/missing/prompts", `{"text":"Hi"}`); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rr.Code)
	}
}

func TestHousekeep(t *testing.T) {
	s, cat, st := newTestServer(t, &fakeDialogue{}, WithLogRetention(time.Hour))
	old := models.SessionLog{ID: "old", SessionID: "s0", ItemID: "Shaker Table", Round: 1, CreatedAt: time.Now().Add(-2 * time.Hour)}
	if err := st.AppendLog(old); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	live := startSession(t, s, "{}")
	done := startSession(t, s, `{"preferences":{"rounds":1}}`)
	if rr, _ := do(t, s, http.MethodPost, "/sessions/"+done.SessionID+"/advance", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	s.Housekeep(context.Background())

	if _, ok := s.sessions.Get(done.SessionID); ok {
		t.Error("completed session should be pruned")
	}
	if _, ok := s.sessions.Get(live.SessionID); !ok {
		t.Error("active session should survive housekeeping")
	}
	if cat.refreshes != 1 {
		t.Errorf("expected one catalog refresh, got %d", cat.refreshes)
	}
	logs, _ := st.GetLogs("s0")
	if len(logs) != 0 {
		t.Errorf("expected expired log to be pruned, got %d", len(logs))
	}
}

func TestHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t, &fakeDialogue{})
	startSession(t, s, "{}")
	rr, env := do(t, s, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result map[string]interface{}
	decodeResult(t, env, &result)
	if result["sessions"] != float64(1) || result["speech"] != false {
		t.Errorf("unexpected health result %v", result)
	}
	if _, ok := result["catalog_refreshed_at"]; ok {
		t.Errorf("catalog was never refreshed, got %v", result["catalog_refreshed_at"])
	}

	s.Housekeep(context.Background())
	_, env = do(t, s, http.MethodGet, "/healthz", "")
	decodeResult(t, env, &result)
	if result["catalog_refreshed_at"] != "2024-05-01T12:00:00Z" {
		t.Errorf("expected refresh time in health result, got %v", result["catalog_refreshed_at"])
	}
}
