package comparison

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/snapshot"
	"github.com/qnb/shoppilot/internal/storage"
)

// fakeAPI is an in-memory shopping API that records what it receives.
type fakeAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	sessions    map[string][]product.Snapshot
	catalog     map[string]product.Snapshot
	nextID      int
	creates     []remote.CreateSessionRequest
	patches     []remote.PatchRequest
	enrichCalls [][]string
	failCreate  bool
	failPatch   bool
	enrichGate  chan struct{}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		sessions: make(map[string][]product.Snapshot),
		catalog:  make(map[string]product.Snapshot),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/compare/sessions", f.handleCreate)
	mux.HandleFunc("GET /api/compare/sessions/{id}/products", f.handleProducts)
	mux.HandleFunc("PATCH /api/compare/sessions/{id}/products", f.handlePatch)
	mux.HandleFunc("POST /api/compare/sessions/enrich_session_products", f.handleEnrich)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) client() *remote.Client {
	return remote.New(f.server.URL, 5*time.Second, remote.WithHTTPClient(f.server.Client()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.failCreate {
		http.Error(w, `{"detail":"unavailable"}`, http.StatusInternalServerError)
		return
	}
	f.nextID++
	id := fmt.Sprintf("S%d", f.nextID)
	f.sessions[id] = append([]product.Snapshot(nil), req.Products...)
	writeJSON(w, remote.CreateSessionResponse{ComparisonID: id})
}

func (f *fakeAPI) handleProducts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps, ok := f.sessions[r.PathValue("id")]
	if !ok {
		http.Error(w, `{"detail":"Comparison session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"products": snaps})
}

func (f *fakeAPI) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req remote.PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, req)
	if f.failPatch {
		http.Error(w, `{"detail":"unavailable"}`, http.StatusBadGateway)
		return
	}
	id := r.PathValue("id")
	snaps, ok := f.sessions[id]
	if !ok {
		http.Error(w, `{"detail":"Comparison session not found"}`, http.StatusNotFound)
		return
	}
	var out []product.Snapshot
	for _, s := range snaps {
		if s.ProductID != req.ProductID {
			out = append(out, s)
		}
	}
	if req.Action == remote.ActionAdd {
		out = append(out, req.Snapshot)
	}
	f.sessions[id] = out
	writeJSON(w, map[string]bool{"ok": true})
}

func (f *fakeAPI) handleEnrich(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductIDs []string `json:"product_ids"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.enrichCalls = append(f.enrichCalls, req.ProductIDs)
	gate := f.enrichGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []product.Snapshot
	for _, id := range req.ProductIDs {
		if s, ok := f.catalog[id]; ok {
			out = append(out, s)
		}
	}
	writeJSON(w, map[string]any{"products": out})
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) serverIDs(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, s := range f.sessions[sessionID] {
		ids = append(ids, s.ProductID)
	}
	return ids
}

func (f *fakeAPI) recordedPatches() []remote.PatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.PatchRequest(nil), f.patches...)
}

func (f *fakeAPI) recordedCreates() []remote.CreateSessionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.CreateSessionRequest(nil), f.creates...)
}

// tokenBox is a TokenSource whose token can change during a test.
type tokenBox struct {
	mu  sync.Mutex
	tok string
}

func (b *tokenBox) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tok
}

func (b *tokenBox) set(tok string) {
	b.mu.Lock()
	b.tok = tok
	b.mu.Unlock()
}

// eventLog records published event types.
type eventLog struct {
	mu    sync.Mutex
	types []events.EventType
}

func (l *eventLog) handler(e events.Event) {
	l.mu.Lock()
	l.types = append(l.types, e.Type)
	l.mu.Unlock()
}

func (l *eventLog) count(t events.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.types {
		if got == t {
			n++
		}
	}
	return n
}

type fixture struct {
	api    *fakeAPI
	tokens *tokenBox
	db     *storage.Store
	cache  *snapshot.Cache
	events *eventLog
	store  *Store
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		api:    newFakeAPI(t),
		tokens: &tokenBox{tok: token},
		db:     db,
		events: &eventLog{},
	}
	f.cache = snapshot.New(f.api.client())
	f.store = f.newStore()
	f.store.Subscribe(f.events.handler)
	t.Cleanup(func() { f.store.Shutdown(ctx) })
	return f
}

func (f *fixture) newStore() *Store {
	return NewStore(Deps{
		TabID:     "tab-1",
		Remote:    f.api.client(),
		Persister: f.db,
		Cache:     f.cache,
		Tokens:    f.tokens,
	})
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	if err := f.store.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
