package comparison

import (
	"context"
	"fmt"

	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
)

// Resume makes sessionID the active session and loads its products.
//
// Server snapshots are merged field by field with the local selection and
// then the last search results; a field known to an earlier source is never
// replaced by a later one. The merged list is published at once. Products
// still missing an image, title, price or rating are enriched in the
// background and updated in place by id when the results arrive, unless
// another Resume, Close or identity reset happened meanwhile.
//
// If the session cannot be read, the session id and selection are cleared
// and the error is returned. Signed out, Resume does nothing and returns
// remote.ErrUnauthenticated.
func (s *Store) Resume(ctx context.Context, sessionID string) (State, error) {
	if sessionID == "" {
		return s.State(), fmt.Errorf("resuming session: empty session id")
	}
	token := s.token()
	if token == "" {
		return s.State(), remote.ErrUnauthenticated
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	local := append([]product.Ref(nil), s.state.Selection...)
	results := append([]product.Ref(nil), s.state.SearchResults...)
	s.mu.Unlock()

	snaps, err := s.remote.SessionProducts(ctx, token, sessionID)
	if err != nil {
		s.logger.Warn("resuming session failed, clearing comparison", "session_id", sessionID, "error", err)
		st := s.mutate(func(st *State) []events.EventType {
			if s.gen != gen {
				return nil
			}
			st.SessionID = ""
			st.Selection = nil
			return []events.EventType{events.EventSessionChanged, events.EventSelectionChanged}
		})
		return st, fmt.Errorf("resuming session %s: %w", sessionID, err)
	}

	merged := MergeSession(snaps, local, results)

	var incomplete []string
	st := s.mutate(func(st *State) []events.EventType {
		if s.gen != gen {
			return nil
		}
		types := []events.EventType{}
		if st.SessionID != sessionID {
			st.SessionID = sessionID
			types = append(types, events.EventSessionChanged)
		}
		if len(merged) > 0 {
			st.Selection = merged
			types = append(types, events.EventSelectionChanged)
			for _, p := range merged {
				if p.Incomplete() {
					incomplete = append(incomplete, p.ID)
				}
			}
		}
		return types
	})

	if len(incomplete) > 0 && s.cache != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.enrich(gen, token, incomplete)
		}()
	}
	return st, nil
}

// enrich fills missing fields of the selection from the cache. Results are
// dropped if gen is no longer current.
func (s *Store) enrich(gen uint64, token string, ids []string) {
	found := s.cache.Enrich(s.ctx, ids, token)
	if len(found) == 0 {
		return
	}
	s.mutate(func(st *State) []events.EventType {
		if s.gen != gen {
			return nil
		}
		changed := false
		for i, p := range st.Selection {
			e, ok := found[p.ID]
			if !ok {
				continue
			}
			filled := product.Fill(p, e)
			if filled != p {
				st.Selection[i] = filled
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return []events.EventType{events.EventSelectionChanged}
	})
}

// MergeSession builds the selection of a resumed session: server snapshots
// in server order, each completed from the local selection and then from
// the search results. Duplicate ids are dropped and the result is capped at
// MaxSelection.
func MergeSession(server []product.Snapshot, local, results []product.Ref) []product.Ref {
	localByID := product.Index(local)
	resultsByID := product.Index(results)

	out := make([]product.Ref, 0, len(server))
	seen := make(map[string]bool, len(server))
	for _, sn := range server {
		if sn.ProductID == "" || seen[sn.ProductID] {
			continue
		}
		seen[sn.ProductID] = true
		ref := product.Merge(product.FromSnapshot(sn), localByID[sn.ProductID], resultsByID[sn.ProductID])
		out = append(out, ref)
		if len(out) == MaxSelection {
			break
		}
	}
	return out
}
