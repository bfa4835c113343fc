package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
)

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeState(t *testing.T, rr *httptest.ResponseRecorder) StateResponse {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp StateResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	h := newTestEnv(t, "").bridge()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestBridge_RequiresToken(t *testing.T) {
	h := newTestEnv(t, "").bridge()

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/compare"},
		{http.MethodPost, "/v1/compare/toggle"},
		{http.MethodGet, "/v1/sessions"},
		{http.MethodPost, "/v1/chat/messages"},
		{http.MethodGet, "/v1/products/1"},
	}
	for _, rt := range routes {
		for _, tok := range []string{"", "wrong-token"} {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(rt.method, rt.path, "", tok))
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("%s %s with token %q: status = %d, want 401", rt.method, rt.path, tok, rr.Code)
			}
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/compare", "", "wrong-token"))
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Error.Type != "authentication_error" {
		t.Errorf("error type = %q, want authentication_error", body.Error.Type)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := bearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBridge_EmptyTokenRejectsAll(t *testing.T) {
	env := newTestEnv(t, "")
	h := NewBridgeHandler(BridgeDeps{Store: env.store, Chat: env.chat, Cache: env.cache})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/compare", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestBridge_ToggleAndRemove(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.bridge()

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1","title":"Mouse","price":"19.99"}`))
	if resp.Changed == nil || !*resp.Changed {
		t.Error("toggle did not report a change")
	}
	if len(resp.State.Selection) != 1 || resp.State.Selection[0].Price.String() != "19.99" {
		t.Errorf("selection = %+v", resp.State.Selection)
	}
	if resp.SignedIn {
		t.Error("signed_in = true without a token")
	}

	resp = decodeState(t, serve(t, h, http.MethodDelete, "/v1/compare/products/1", ""))
	if len(resp.State.Selection) != 0 || !*resp.Changed {
		t.Errorf("remove response = %+v", resp)
	}

	resp = decodeState(t, serve(t, h, http.MethodDelete, "/v1/compare/products/1", ""))
	if *resp.Changed {
		t.Error("removing an unselected product reported a change")
	}
}

func TestBridge_ToggleValidation(t *testing.T) {
	h := newTestEnv(t, "").bridge()

	if rr := serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"title":"no id"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing id: status = %d, want 400", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/v1/compare/toggle", `{not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rr.Code)
	}
}

func TestBridge_StartMinimizeClose(t *testing.T) {
	env := newTestEnv(t, "tok")
	h := env.bridge()

	serve(t, h, http.MethodPut, "/v1/compare/search-results", `{"query":"mouse","results":[{"id":"1","image_url":"1.png"}]}`)
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1","title":"Mouse"}`)
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"2","title":"Pad"}`)

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/start", ""))
	if resp.State.SessionID != "S1" || resp.Warning != "" {
		t.Fatalf("start response = %+v", resp)
	}
	if resp.State.SearchQuery != "mouse" {
		t.Errorf("search query = %q", resp.State.SearchQuery)
	}

	resp = decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/minimize", ""))
	if !resp.State.Minimized {
		t.Error("minimize had no effect")
	}
	resp = decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/expand", ""))
	if resp.State.Minimized {
		t.Error("expand had no effect")
	}

	resp = decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/close", ""))
	if resp.State.SessionID != "" || len(resp.State.Selection) != 0 {
		t.Errorf("close response = %+v", resp.State)
	}
	if len(resp.State.SearchResults) != 1 {
		t.Error("close dropped the search results")
	}
}

func TestBridge_StartWithoutTokenStaysAdHoc(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.bridge()
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1"}`)

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/compare/start", ""))
	if resp.State.SessionID != "" {
		t.Errorf("session id = %q, want ad-hoc", resp.State.SessionID)
	}
}

func TestBridge_Focus(t *testing.T) {
	env := newTestEnv(t, "tok")
	resp := decodeState(t, serve(t, env.bridge(), http.MethodPost, "/v1/compare/focus", ""))
	if resp.Changed == nil || *resp.Changed {
		t.Errorf("changed = %v, want false", resp.Changed)
	}
	if env.identity.focused != 1 {
		t.Errorf("focus calls = %d, want 1", env.identity.focused)
	}
}

func TestBridge_Sessions(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.remote.set(func(f *fakeRemote) {
		f.sessions["S7"] = []product.Snapshot{{ProductID: "1", ProductName: "Mouse"}}
	})
	h := env.bridge()

	rr := serve(t, h, http.MethodGet, "/v1/sessions?limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var list remote.SessionList
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Total != 1 || list.Items[0].ComparisonID != "S7" {
		t.Errorf("list = %+v", list)
	}
	if env.remote.lastAuth != "Bearer tok" {
		t.Errorf("remote auth = %q, want the user token, not the bridge token", env.remote.lastAuth)
	}

	rr = serve(t, h, http.MethodGet, "/v1/sessions/S7", "")
	var info remote.SessionInfo
	json.NewDecoder(rr.Body).Decode(&info)
	if rr.Code != http.StatusOK || info.ComparisonID != "S7" || len(info.ProductsPreview) != 1 {
		t.Errorf("get session: status %d, info %+v", rr.Code, info)
	}
	if rr := serve(t, h, http.MethodGet, "/v1/sessions/gone", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rr.Code)
	}

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/sessions/S7/resume", ""))
	if resp.State.SessionID != "S7" || resp.State.Selection[0].Title != "Mouse" {
		t.Fatalf("resume response = %+v", resp.State)
	}

	resp = decodeState(t, serve(t, h, http.MethodDelete, "/v1/sessions", ""))
	if !env.remote.cleared {
		t.Error("sessions not cleared remotely")
	}
	if resp.State.SessionID != "" {
		t.Errorf("active session kept after clearing: %q", resp.State.SessionID)
	}
}

func TestBridge_SessionsSignedOut(t *testing.T) {
	h := newTestEnv(t, "").bridge()

	rr := serve(t, h, http.MethodGet, "/v1/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"items":[],"total":0}` {
		t.Errorf("body = %s", got)
	}

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/sessions/S1/resume", ""))
	if resp.Warning == "" || resp.State.SessionID != "" {
		t.Errorf("signed-out resume = %+v", resp)
	}

	if rr := serve(t, h, http.MethodDelete, "/v1/sessions", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("clear signed out: status = %d, want 401", rr.Code)
	}
}

func TestBridge_ResumeMissingSession(t *testing.T) {
	env := newTestEnv(t, "tok")
	h := env.bridge()
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1"}`)

	resp := decodeState(t, serve(t, h, http.MethodPost, "/v1/sessions/gone/resume", ""))
	if resp.Warning == "" {
		t.Error("missing warning for a session that cannot be opened")
	}
	if len(resp.State.Selection) != 0 || resp.State.SessionID != "" {
		t.Errorf("state not reset: %+v", resp.State)
	}
}

func TestBridge_ResumeLoadsHistory(t *testing.T) {
	env := newTestEnv(t, "tok")
	env.remote.set(func(f *fakeRemote) {
		f.sessions["S2"] = []product.Snapshot{{ProductID: "1", ProductName: "Mouse"}}
		f.messages["S2"] = []remote.StoredMessage{
			{MessageType: "user", MessageContent: "is it wireless?"},
			{MessageType: "ai", MessageContent: "yes"},
		}
	})
	h := env.bridge()
	serve(t, h, http.MethodPost, "/v1/sessions/S2/resume", "")

	rr := serve(t, h, http.MethodGet, "/v1/chat", "")
	var resp ChatResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Messages) != 2 || resp.Messages[1].Content != "yes" {
		t.Errorf("transcript = %+v", resp.Messages)
	}
	if len(resp.Suggestions) != 5 {
		t.Errorf("suggestions = %v", resp.Suggestions)
	}
}

func TestBridge_Chat(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.bridge()

	rr := serve(t, h, http.MethodPost, "/v1/chat/messages", `{"content":"which is better?"}`)
	var notice struct {
		Content string `json:"content"`
	}
	json.NewDecoder(rr.Body).Decode(&notice)
	if !strings.Contains(notice.Content, "select at least one product") {
		t.Errorf("empty-selection reply = %q", notice.Content)
	}

	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1","title":"Mouse"}`)
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"2","title":"Pad"}`)

	rr = serve(t, h, http.MethodPost, "/v1/chat/messages", `{"content":"which is better?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var reply struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	json.NewDecoder(rr.Body).Decode(&reply)
	if reply.Role != "ai" || reply.Content != "compared 2 products" {
		t.Errorf("reply = %+v", reply)
	}

	rr = serve(t, h, http.MethodGet, "/v1/chat", "")
	var chatResp struct {
		Phase    string `json:"phase"`
		Messages []any  `json:"messages"`
	}
	json.NewDecoder(rr.Body).Decode(&chatResp)
	if chatResp.Phase != "conversing" || len(chatResp.Messages) != 3 {
		t.Errorf("chat = %+v, want greeting, question and reply", chatResp)
	}

	if rr := serve(t, h, http.MethodPost, "/v1/chat/messages", `{"content":"   "}`); rr.Code != http.StatusBadRequest {
		t.Errorf("blank message: status = %d, want 400", rr.Code)
	}
}

func TestBridge_Suggestions(t *testing.T) {
	h := newTestEnv(t, "").bridge()

	rr := serve(t, h, http.MethodGet, "/v1/chat/suggestions", "")
	if got := strings.TrimSpace(rr.Body.String()); got != `{"questions":[]}` {
		t.Errorf("empty selection suggestions = %s", got)
	}

	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1"}`)
	rr = serve(t, h, http.MethodGet, "/v1/chat/suggestions", "")
	var body map[string][]string
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body["questions"]) != 5 || body["questions"][0] != "Tell me more about this product" {
		t.Errorf("suggestions = %v", body["questions"])
	}
}

func TestBridge_ProductDetail(t *testing.T) {
	env := newTestEnv(t, "")
	env.remote.set(func(f *fakeRemote) {
		f.details["42"] = json.RawMessage(`{"detail":{"images":["a.png","b.png","a.png"]}}`)
	})
	h := env.bridge()

	for i := 0; i < 2; i++ {
		rr := serve(t, h, http.MethodGet, "/v1/products/42", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
		}
		var d product.Detail
		json.NewDecoder(rr.Body).Decode(&d)
		if len(d.Images) != 2 {
			t.Errorf("images = %v, want deduplicated pair", d.Images)
		}
	}
	if env.remote.detailCalls != 1 {
		t.Errorf("detail fetches = %d, want 1", env.remote.detailCalls)
	}

	if rr := serve(t, h, http.MethodGet, "/v1/products/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing product: status = %d, want 404", rr.Code)
	}
}

func TestBridge_Status(t *testing.T) {
	env := newTestEnv(t, "tok")
	h := env.bridge()
	serve(t, h, http.MethodPost, "/v1/compare/toggle", `{"id":"1"}`)

	rr := serve(t, h, http.MethodGet, "/v1/status", "")
	var st StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if st.TabID != "tab-test" || !st.SignedIn || st.Selected != 1 {
		t.Errorf("status = %+v", st)
	}
}
