package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/qnb/shoppilot/internal/chat"
	"github.com/qnb/shoppilot/internal/comparison"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/snapshot"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Sessions lists and clears the stored sessions of the signed-in user.
// Implemented by remote.Client.
type Sessions interface {
	ListSessions(ctx context.Context, token string, limit, offset int) (remote.SessionList, error)
	GetSession(ctx context.Context, token, id string) (remote.SessionInfo, error)
	ClearSessions(ctx context.Context, token string) error
	ProductDetail(ctx context.Context, token, id string) (json.RawMessage, error)
}

// Identity exposes the signed-in state. Implemented by auth.Watcher.
type Identity interface {
	Token() string
	Focus() bool
}

type BridgeDeps struct {
	Store    *comparison.Store
	Chat     *chat.Controller
	Cache    *snapshot.Cache
	Sessions Sessions
	Identity Identity
	Token    string // bearer token guarding /v1
}

// NewBridgeHandler returns the local HTTP API used by UI shells. Everything
// under /v1 requires the bridge token.
func NewBridgeHandler(deps BridgeDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/compare", handleGetCompare(deps))
		r.Post("/compare/toggle", handleToggle(deps))
		r.Delete("/compare/products/{id}", handleRemove(deps))
		r.Post("/compare/start", handleStart(deps))
		r.Post("/compare/close", handleClose(deps))
		r.Post("/compare/minimize", handleMinimize(deps, true))
		r.Post("/compare/expand", handleMinimize(deps, false))
		r.Put("/compare/search-results", handleSearchResults(deps))
		r.Post("/compare/focus", handleFocus(deps))

		r.Get("/sessions", handleListSessions(deps))
		r.Delete("/sessions", handleClearSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Post("/sessions/{id}/resume", handleResume(deps))

		r.Get("/chat", handleGetChat(deps))
		r.Post("/chat/messages", handlePostMessage(deps))
		r.Get("/chat/suggestions", handleSuggestions(deps))

		r.Get("/products/{id}", handleProductDetail(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StateResponse is the body returned by every comparison route. Warning
// carries a failure that was degraded rather than reported as an error.
type StateResponse struct {
	State    comparison.State `json:"state"`
	SignedIn bool             `json:"signed_in"`
	Changed  *bool            `json:"changed,omitempty"`
	Warning  string           `json:"warning,omitempty"`
}

func (d BridgeDeps) signedIn() bool {
	return d.Identity != nil && d.Identity.Token() != ""
}

func (d BridgeDeps) token() string {
	if d.Identity == nil {
		return ""
	}
	return d.Identity.Token()
}

func writeState(w http.ResponseWriter, deps BridgeDeps, st comparison.State, changed *bool, warning string) {
	writeJSON(w, http.StatusOK, StateResponse{
		State:    st,
		SignedIn: deps.signedIn(),
		Changed:  changed,
		Warning:  warning,
	})
}

// StatusResponse summarizes the daemon for `shoppilot status`.
type StatusResponse struct {
	TabID     string         `json:"tab_id"`
	SignedIn  bool           `json:"signed_in"`
	SessionID string         `json:"session_id,omitempty"`
	Selected  int            `json:"selected"`
	Chat      chat.Phase     `json:"chat"`
	Cache     snapshot.Stats `json:"cache"`
}

func handleStatus(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Store.State()
		resp := StatusResponse{
			TabID:     st.TabID,
			SignedIn:  deps.signedIn(),
			SessionID: st.SessionID,
			Selected:  len(st.Selection),
		}
		if deps.Chat != nil {
			resp.Chat = deps.Chat.Transcript().Phase
		}
		if deps.Cache != nil {
			resp.Cache = deps.Cache.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetCompare(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeState(w, deps, deps.Store.State(), nil, "")
	}
}

func handleToggle(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p product.Ref
		if !decodeBody(w, r, &p) {
			return
		}
		if p.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required")
			return
		}
		st, changed := deps.Store.Toggle(p)
		writeState(w, deps, st, &changed, "")
	}
}

func handleRemove(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, changed := deps.Store.Remove(chi.URLParam(r, "id"))
		writeState(w, deps, st, &changed, "")
	}
}

func handleStart(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Store.StartComparison(r.Context())
		warning := ""
		if err != nil {
			warning = "comparison is not saved: " + err.Error()
		}
		writeState(w, deps, st, nil, warning)
	}
}

func handleClose(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeState(w, deps, deps.Store.Close(), nil, "")
	}
}

func handleMinimize(deps BridgeDeps, minimize bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st comparison.State
		if minimize {
			st = deps.Store.Minimize()
		} else {
			st = deps.Store.Expand()
		}
		writeState(w, deps, st, nil, "")
	}
}

type searchResultsRequest struct {
	Query   string        `json:"query"`
	Results []product.Ref `json:"results"`
}

func handleSearchResults(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchResultsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeState(w, deps, deps.Store.SetSearchResults(req.Query, req.Results), nil, "")
	}
}

func handleFocus(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed := false
		if deps.Identity != nil {
			changed = deps.Identity.Focus()
		}
		writeState(w, deps, deps.Store.State(), &changed, "")
	}
}

func handleListSessions(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := deps.token()
		if token == "" {
			writeJSON(w, http.StatusOK, remote.SessionList{Items: []remote.SessionInfo{}})
			return
		}
		limit := queryInt(r, "limit", 20)
		offset := queryInt(r, "offset", 0)

		list, err := deps.Sessions.ListSessions(r.Context(), token, limit, offset)
		if err != nil {
			upstreamError(w, "failed to list sessions", err)
			return
		}
		if list.Items == nil {
			list.Items = []remote.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetSession(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := deps.token()
		if token == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "sign in to open saved comparisons")
			return
		}
		info, err := deps.Sessions.GetSession(r.Context(), token, chi.URLParam(r, "id"))
		if err != nil {
			upstreamError(w, "failed to fetch session", err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleClearSessions(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := deps.token()
		if token == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "sign in to manage saved comparisons")
			return
		}
		if err := deps.Sessions.ClearSessions(r.Context(), token); err != nil {
			upstreamError(w, "failed to clear sessions", err)
			return
		}
		st := deps.Store.State()
		if st.SessionID != "" {
			st = deps.Store.Close()
		}
		writeState(w, deps, st, nil, "")
	}
}

func handleResume(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		st, err := deps.Store.Resume(r.Context(), id)
		switch {
		case errors.Is(err, remote.ErrUnauthenticated):
			writeState(w, deps, st, nil, "sign in to open saved comparisons")
			return
		case err != nil:
			writeState(w, deps, st, nil, "session could not be opened: "+err.Error())
			return
		}
		if deps.Chat != nil {
			if err := deps.Chat.LoadHistory(r.Context(), id); err != nil {
				slog.Warn("loading chat history", "session_id", id, "error", err)
			}
		}
		writeState(w, deps, st, nil, "")
	}
}

// ChatResponse is the transcript together with the starter questions.
type ChatResponse struct {
	chat.Snapshot
	Suggestions []string `json:"suggestions"`
}

func handleGetChat(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := len(deps.Store.State().Selection)
		writeJSON(w, http.StatusOK, ChatResponse{
			Snapshot:    deps.Chat.Transcript(),
			Suggestions: nonNil(chat.SuggestedQuestions(n)),
		})
	}
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func handlePostMessage(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postMessageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		reply, err := deps.Chat.Send(r.Context(), req.Content)
		if errors.Is(err, chat.ErrReplyPending) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		if reply.ID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func handleSuggestions(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := len(deps.Store.State().Selection)
		writeJSON(w, http.StatusOK, map[string][]string{
			"questions": nonNil(chat.SuggestedQuestions(n)),
		})
	}
}

func handleProductDetail(deps BridgeDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		token := deps.token()
		detail := deps.Cache.Detail(r.Context(), id, func(ctx context.Context, id string) (json.RawMessage, error) {
			return deps.Sessions.ProductDetail(ctx, token, id)
		})
		if detail == nil {
			httpError(w, http.StatusNotFound, "not_found_error", "product details not available for %s", id)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// upstreamError maps a remote API failure onto the bridge's error envelope.
func upstreamError(w http.ResponseWriter, msg string, err error) {
	switch {
	case remote.IsUnauthorized(err):
		httpError(w, http.StatusUnauthorized, "authentication_error", "%s: %v", msg, err)
	case remote.IsNotFound(err):
		httpError(w, http.StatusNotFound, "not_found_error", "%s: %v", msg, err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%s: %v", msg, err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
