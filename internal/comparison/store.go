// Package comparison holds the comparison-session state machine: the
// selected products, the server session they are synced to, and the
// reconciliation of that selection with the server.
package comparison

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qnb/shoppilot/internal/auth"
	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/storage"
)

// MaxSelection is the largest number of products that can be compared.
const MaxSelection = 4

// Remote is the subset of the shopping API the store needs.
// Implemented by remote.Client.
type Remote interface {
	CreateSession(ctx context.Context, token string, req remote.CreateSessionRequest) (string, error)
	SessionProducts(ctx context.Context, token, id string) ([]product.Snapshot, error)
	PatchProducts(ctx context.Context, token, id string, req remote.PatchRequest) error
}

// Persister mirrors tab state. Implemented by storage.Store.
type Persister interface {
	SaveTabState(st storage.TabState) error
	LoadTabState(tabID string) (storage.TabState, error)
	DeleteTabState(tabID string) error
}

// Enricher fills missing product fields. Implemented by snapshot.Cache.
type Enricher interface {
	Enrich(ctx context.Context, ids []string, token string) map[string]product.Ref
}

// TokenSource returns the current bearer token, empty when signed out.
// Implemented by auth.Watcher.
type TokenSource interface {
	Token() string
}

// State is a point-in-time copy of the store.
type State struct {
	TabID         string        `json:"tab_id"`
	Selection     []product.Ref `json:"selection"`
	SessionID     string        `json:"session_id,omitempty"`
	Minimized     bool          `json:"minimized"`
	SearchQuery   string        `json:"search_query,omitempty"`
	SearchResults []product.Ref `json:"search_results,omitempty"`
}

// Selected reports whether id is in the selection.
func (s State) Selected(id string) bool {
	return product.Contains(s.Selection, id)
}

func (s State) clone() State {
	c := s
	c.Selection = append([]product.Ref(nil), s.Selection...)
	c.SearchResults = append([]product.Ref(nil), s.SearchResults...)
	return c
}

// Deps are the collaborators of a Store. Persister and Bus may be nil.
type Deps struct {
	TabID     string
	Remote    Remote
	Persister Persister
	Cache     Enricher
	Tokens    TokenSource
	Bus       events.Bus
	Logger    *slog.Logger
}

// Store owns the comparison state of one tab. Local mutations apply
// synchronously in call order; server sync runs in the background.
type Store struct {
	tabID   string
	remote  Remote
	persist Persister
	cache   Enricher
	tokens  TokenSource
	bus     events.Bus
	logger  *slog.Logger

	ctx    context.Context // background work
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	identity string
	gen      uint64 // bumped by Resume, Close and ResetForIdentity
}

// NewStore creates a Store and rehydrates the persisted state of the tab.
// Persisted state that belongs to a different identity is discarded.
func NewStore(d Deps) *Store {
	if d.Bus == nil {
		d.Bus = events.NewMemory()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		tabID:   d.TabID,
		remote:  d.Remote,
		persist: d.Persister,
		cache:   d.Cache,
		tokens:  d.Tokens,
		bus:     d.Bus,
		logger:  d.Logger.With("tab_id", d.TabID),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.state.TabID = d.TabID
	s.identity = auth.Identity(s.token())
	s.load()
	return s
}

func (s *Store) load() {
	if s.persist == nil {
		return
	}
	st, err := s.persist.LoadTabState(s.tabID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("loading tab state", "error", err)
		return
	}
	if st.Identity != s.identity {
		s.logger.Info("discarding tab state of another identity")
		if err := s.persist.DeleteTabState(s.tabID); err != nil {
			s.logger.Warn("deleting stale tab state", "error", err)
		}
		return
	}

	sel := st.Selection
	if len(sel) > MaxSelection {
		sel = sel[:MaxSelection]
	}
	s.state = State{
		TabID:         s.tabID,
		Selection:     sel,
		SessionID:     st.SessionID,
		Minimized:     st.Minimized,
		SearchQuery:   st.SearchQuery,
		SearchResults: st.SearchResults,
	}
}

func (s *Store) token() string {
	if s.tokens == nil {
		return ""
	}
	return s.tokens.Token()
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers h for the events published by this store.
func (s *Store) Subscribe(h events.Handler) func() {
	return s.bus.Subscribe(h)
}

// mutate applies fn under the lock, then persists the state and publishes
// the event types fn returned. A nil result means nothing changed; an empty
// non-nil result persists without publishing.
func (s *Store) mutate(fn func(st *State) []events.EventType) State {
	s.mu.Lock()
	types := fn(&s.state)
	snap := s.state.clone()
	if types != nil {
		s.save(snap)
	}
	s.mu.Unlock()

	s.publish(snap, types...)
	return snap
}

// save must be called with s.mu held.
func (s *Store) save(st State) {
	if s.persist == nil {
		return
	}
	err := s.persist.SaveTabState(storage.TabState{
		TabID:         s.tabID,
		Identity:      s.identity,
		Selection:     st.Selection,
		SessionID:     st.SessionID,
		Minimized:     st.Minimized,
		SearchQuery:   st.SearchQuery,
		SearchResults: st.SearchResults,
	})
	if err != nil {
		s.logger.Warn("persisting tab state", "error", err)
	}
}

func (s *Store) publish(st State, types ...events.EventType) {
	for _, t := range types {
		e := events.Event{
			Type:       t,
			TabID:      st.TabID,
			SessionID:  st.SessionID,
			ProductIDs: product.IDs(st.Selection),
			Minimized:  st.Minimized,
		}
		if err := s.bus.Publish(s.ctx, e); err != nil {
			s.logger.Warn("publishing event", "type", t.String(), "error", err)
		}
	}
}

// Toggle removes p from the selection if it is selected, otherwise appends
// it. Adding to a full selection does nothing. With an active session the
// change is sent to the server in the background. It reports whether the
// selection changed.
func (s *Store) Toggle(p product.Ref) (State, bool) {
	if p.ID == "" {
		return s.State(), false
	}
	p = product.Normalize(p)

	var action remote.PatchAction
	var sessionID string
	st := s.mutate(func(st *State) []events.EventType {
		if i := indexOf(st.Selection, p.ID); i >= 0 {
			p = st.Selection[i]
			st.Selection = append(st.Selection[:i:i], st.Selection[i+1:]...)
			action = remote.ActionRemove
		} else if len(st.Selection) < MaxSelection {
			st.Selection = append(st.Selection, p)
			action = remote.ActionAdd
		} else {
			return nil
		}
		sessionID = st.SessionID
		return []events.EventType{events.EventSelectionChanged}
	})
	if action == "" {
		return st, false
	}
	if sessionID != "" {
		s.sync(sessionID, action, p)
	}
	return st, true
}

// Remove drops id from the selection and, with an active session, from the
// server session. Removing an unselected id does nothing.
func (s *Store) Remove(id string) (State, bool) {
	var removed product.Ref
	var sessionID string
	st := s.mutate(func(st *State) []events.EventType {
		i := indexOf(st.Selection, id)
		if i < 0 {
			return nil
		}
		removed = st.Selection[i]
		st.Selection = append(st.Selection[:i:i], st.Selection[i+1:]...)
		sessionID = st.SessionID
		return []events.EventType{events.EventSelectionChanged}
	})
	if removed.ID == "" {
		return st, false
	}
	if sessionID != "" {
		s.sync(sessionID, remote.ActionRemove, removed)
	}
	return st, true
}

// sync sends one PATCH in the background. Failures are logged and dropped;
// the next StartComparison or Resume converges the server.
func (s *Store) sync(sessionID string, action remote.PatchAction, p product.Ref) {
	token := s.token()
	if token == "" {
		return
	}
	req := remote.PatchRequest{Action: action, Snapshot: p.Snapshot()}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.remote.PatchProducts(s.ctx, token, sessionID, req); err != nil {
			s.logger.Warn("session sync failed", "session_id", sessionID,
				"product_id", p.ID, "action", string(action), "error", err)
		}
	}()
}

// StartComparison makes the selection the subject of a server session.
// Without a session a new one is created from the selection; with one, the
// server's products are brought in line with the selection using the
// minimal set of PATCHes. A session that is missing or not owned is never
// recreated: the session id and selection are cleared and the error
// returned. Signed out, or with an empty selection, nothing is
// sent and the comparison stays ad-hoc. A failure leaves the comparison
// ad-hoc and is returned for reporting only.
func (s *Store) StartComparison(ctx context.Context) (State, error) {
	token := s.token()

	s.mu.Lock()
	st := s.state.clone()
	gen := s.gen
	s.mu.Unlock()

	if token == "" || len(st.Selection) == 0 {
		return st, nil
	}

	if st.SessionID != "" {
		err := s.converge(ctx, token, st.SessionID, st.Selection)
		if err == nil || !(remote.IsNotFound(err) || remote.IsUnauthorized(err)) {
			return s.State(), err
		}
		s.logger.Warn("session not available, clearing comparison", "session_id", st.SessionID, "error", err)
		cleared := s.mutate(func(cur *State) []events.EventType {
			if s.gen != gen || cur.SessionID != st.SessionID {
				return nil
			}
			s.gen++
			cur.SessionID = ""
			cur.Selection = nil
			return []events.EventType{events.EventSessionChanged, events.EventSelectionChanged}
		})
		return cleared, fmt.Errorf("syncing session %s: %w", st.SessionID, err)
	}

	id, err := s.remote.CreateSession(ctx, token, remote.CreateSessionRequest{
		ProductIDs:          product.IDs(st.Selection),
		OriginalSearchQuery: st.SearchQuery,
		Products:            product.Snapshots(st.Selection),
	})
	if err != nil {
		s.logger.Warn("creating session failed, comparison stays ad-hoc", "error", err)
		s.mutate(func(cur *State) []events.EventType {
			if s.gen != gen || cur.SessionID != st.SessionID || cur.SessionID == "" {
				return nil
			}
			cur.SessionID = ""
			return []events.EventType{events.EventSessionChanged}
		})
		return s.State(), err
	}

	final := s.mutate(func(cur *State) []events.EventType {
		if s.gen != gen {
			return nil
		}
		cur.SessionID = id
		return []events.EventType{events.EventSessionChanged}
	})
	return final, nil
}

// converge fetches the server's product ids and applies the diff to the
// local selection. Individual PATCH failures are logged and do not fail the
// call; a failure to read the session does.
func (s *Store) converge(ctx context.Context, token, sessionID string, selection []product.Ref) error {
	snaps, err := s.remote.SessionProducts(ctx, token, sessionID)
	if err != nil {
		return err
	}
	server := make([]string, 0, len(snaps))
	for _, sn := range snaps {
		server = append(server, sn.ProductID)
	}

	diff := DiffSelection(server, selection)
	if diff.IsEmpty() {
		return nil
	}

	patch := func(g *errgroup.Group, gCtx context.Context, req remote.PatchRequest) {
		g.Go(func() error {
			if err := s.remote.PatchProducts(gCtx, token, sessionID, req); err != nil {
				s.logger.Warn("session sync failed", "session_id", sessionID,
					"product_id", req.ProductID, "action", string(req.Action), "error", err)
			}
			return nil
		})
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(MaxSelection)
	for _, id := range diff.ToRemove {
		patch(g, gCtx, remote.PatchRequest{Action: remote.ActionRemove, Snapshot: product.Snapshot{ProductID: id}})
	}
	g.Wait()

	g, gCtx = errgroup.WithContext(ctx)
	g.SetLimit(MaxSelection)
	for _, p := range diff.ToAdd {
		patch(g, gCtx, remote.PatchRequest{Action: remote.ActionAdd, Snapshot: p.Snapshot()})
	}
	g.Wait()

	s.logger.Debug("session converged", "session_id", sessionID,
		"added", len(diff.ToAdd), "removed", len(diff.ToRemove))
	return ctx.Err()
}

// Close clears the selection, the session id and the minimized flag. The
// last search results are kept.
func (s *Store) Close() State {
	return s.mutate(func(st *State) []events.EventType {
		s.gen++
		st.Selection = nil
		st.SessionID = ""
		st.Minimized = false
		return []events.EventType{events.EventCleared}
	})
}

// Minimize collapses the comparison view.
func (s *Store) Minimize() State { return s.setMinimized(true) }

// Expand restores the comparison view.
func (s *Store) Expand() State { return s.setMinimized(false) }

func (s *Store) setMinimized(v bool) State {
	return s.mutate(func(st *State) []events.EventType {
		if st.Minimized == v {
			return nil
		}
		st.Minimized = v
		return []events.EventType{events.EventMinimizedChanged}
	})
}

// SetSearchResults records the latest search, used to fill product fields
// during reconciliation and to word the chat greeting.
func (s *Store) SetSearchResults(query string, results []product.Ref) State {
	norm := make([]product.Ref, 0, len(results))
	for _, r := range results {
		if r.ID != "" {
			norm = append(norm, product.Normalize(r))
		}
	}
	return s.mutate(func(st *State) []events.EventType {
		st.SearchQuery = query
		st.SearchResults = norm
		// persisted, but not an observable comparison change
		return []events.EventType{}
	})
}

// ResetForIdentity wipes all state, including the persisted copy, after the
// signed-in identity changed. Background work of the previous identity is
// discarded.
func (s *Store) ResetForIdentity() State {
	s.mu.Lock()
	s.gen++
	s.identity = auth.Identity(s.token())
	s.state = State{TabID: s.tabID}
	snap := s.state.clone()
	if s.persist != nil {
		if err := s.persist.DeleteTabState(s.tabID); err != nil {
			s.logger.Warn("deleting tab state", "error", err)
		}
	}
	s.mu.Unlock()

	s.publish(snap, events.EventIdentityReset)
	return snap
}

// Wait blocks until background work started so far has finished or ctx is
// done.
func (s *Store) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels background work and waits for it to stop.
func (s *Store) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func indexOf(refs []product.Ref, id string) int {
	for i, r := range refs {
		if r.ID == id {
			return i
		}
	}
	return -1
}
