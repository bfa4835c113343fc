package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/snapshot"
)

const testToken = "test-token-12345"

// fakeRemote is an in-memory shopping API.
type fakeRemote struct {
	server *httptest.Server

	mu          sync.Mutex
	sessions    map[string][]product.Snapshot
	messages    map[string][]remote.StoredMessage
	details     map[string]json.RawMessage
	detailCalls int
	cleared     bool
	nextID      int
	lastAuth    string
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		sessions: make(map[string][]product.Snapshot),
		messages: make(map[string][]remote.StoredMessage),
		details:  make(map[string]json.RawMessage),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/compare/sessions", f.handleCreate)
	mux.HandleFunc("GET /api/compare/sessions", f.handleList)
	mux.HandleFunc("DELETE /api/compare/sessions", f.handleClear)
	mux.HandleFunc("GET /api/compare/sessions/{id}", f.handleGet)
	mux.HandleFunc("GET /api/compare/sessions/{id}/products", f.handleProducts)
	mux.HandleFunc("PATCH /api/compare/sessions/{id}/products", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /api/compare/sessions/{id}/messages", f.handleMessages)
	mux.HandleFunc("POST /api/compare/sessions/{id}/messages", f.handlePostMessage)
	mux.HandleFunc("POST /api/compare/sessions/enrich_session_products", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products":[]}`))
	})
	mux.HandleFunc("POST /api/compare", func(w http.ResponseWriter, r *http.Request) {
		var req remote.CompareRequest
		json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]string{
			"ai_analysis": fmt.Sprintf("compared %d products", len(req.Products)),
		})
	})
	mux.HandleFunc("GET /api/product/{id}", f.handleDetail)

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) client() *remote.Client {
	return remote.New(f.server.URL, 5*time.Second, remote.WithHTTPClient(f.server.Client()))
}

func (f *fakeRemote) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateSessionRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("S%d", f.nextID)
	f.sessions[id] = req.Products
	writeJSON(w, http.StatusOK, remote.CreateSessionResponse{ComparisonID: id})
}

func (f *fakeRemote) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	list := remote.SessionList{Items: []remote.SessionInfo{}}
	for id := range f.sessions {
		list.Items = append(list.Items, remote.SessionInfo{ComparisonID: id})
	}
	list.Total = len(list.Items)
	writeJSON(w, http.StatusOK, list)
}

func (f *fakeRemote) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	snaps, ok := f.sessions[id]
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "Comparison session not found")
		return
	}
	info := remote.SessionInfo{ComparisonID: id, SessionName: "Session " + id}
	for _, sn := range snaps {
		info.ProductsPreview = append(info.ProductsPreview, remote.ProductPreview{ProductID: sn.ProductID, ImageURL: sn.ImageURL})
	}
	writeJSON(w, http.StatusOK, info)
}

func (f *fakeRemote) handleClear(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.sessions = make(map[string][]product.Snapshot)
	w.Write([]byte(`{}`))
}

func (f *fakeRemote) handleProducts(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps, ok := f.sessions[r.PathValue("id")]
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "Comparison session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": snaps})
}

func (f *fakeRemote) handleMessages(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[r.PathValue("id")]
	if msgs == nil {
		msgs = []remote.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, remote.MessageList{Items: msgs, Total: len(msgs)})
}

func (f *fakeRemote) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageContent string `json:"message_content"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	writeJSON(w, http.StatusOK, map[string]string{"ai_message": "session reply to " + body.MessageContent})
}

func (f *fakeRemote) handleDetail(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	raw, ok := f.details[r.PathValue("id")]
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "no such product")
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"details": raw})
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeIdentity is a fixed token that counts Focus calls.
type fakeIdentity struct {
	mu      sync.Mutex
	token   string
	focused int
}

func (i *fakeIdentity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

func (i *fakeIdentity) Focus() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.focused++
	return false
}

type testEnv struct {
	remote   *fakeRemote
	identity *fakeIdentity
	cache    *snapshot.Cache
	store    *comparison.Store
	chat     *chat.Controller
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	env := &testEnv{
		remote:   newFakeRemote(t),
		identity: &fakeIdentity{token: token},
	}
	client := env.remote.client()
	env.cache = snapshot.New(client)
	env.store = comparison.NewStore(comparison.Deps{
		TabID:  "tab-test",
		Remote: client,
		Cache:  env.cache,
		Tokens: env.identity,
	})
	t.Cleanup(func() { env.store.Shutdown(context.Background()) })
	env.chat = chat.NewController(client, env.store, env.identity)
	detach := env.chat.Attach()
	t.Cleanup(detach)
	return env
}

func (env *testEnv) bridge() http.Handler {
	return NewBridgeHandler(BridgeDeps{
		Store:    env.store,
		Chat:     env.chat,
		Cache:    env.cache,
		Sessions: env.remote.client(),
		Identity: env.identity,
		Token:    testToken,
	})
}
