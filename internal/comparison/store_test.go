package comparison

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/qnb/shoppilot/internal/events"
	"github.com/qnb/shoppilot/internal/product"
	"github.com/qnb/shoppilot/internal/remote"
	"github.com/qnb/shoppilot/internal/storage"
)

var ctx = context.Background()

func ref(id string) product.Ref {
	return product.Ref{ID: id, Title: "Product " + id, Price: product.MustAmount("10")}
}

func ids(refs []product.Ref) string {
	return fmt.Sprint(product.IDs(refs))
}

func TestToggle_SelectionBound(t *testing.T) {
	f := newFixture(t, "")

	for i := 1; i <= MaxSelection; i++ {
		if _, changed := f.store.Toggle(ref(fmt.Sprint(i))); !changed {
			t.Fatalf("toggle %d did not change the selection", i)
		}
	}
	st, changed := f.store.Toggle(ref("5"))
	if changed {
		t.Error("fifth product was added")
	}
	if len(st.Selection) != MaxSelection || st.Selected("5") {
		t.Errorf("selection = %s, want first four", ids(st.Selection))
	}
	if f.events.count(events.EventSelectionChanged) != MaxSelection {
		t.Errorf("selection events = %d, want %d", f.events.count(events.EventSelectionChanged), MaxSelection)
	}
}

func TestToggle_Idempotence(t *testing.T) {
	f := newFixture(t, "")
	f.store.Toggle(ref("a"))
	f.store.Toggle(ref("b"))
	before := ids(f.store.State().Selection)

	f.store.Toggle(ref("c"))
	st, _ := f.store.Toggle(ref("c"))

	if got := ids(st.Selection); got != before {
		t.Errorf("selection = %s, want %s", got, before)
	}
}

func TestToggle_IgnoresEmptyID(t *testing.T) {
	f := newFixture(t, "")
	if _, changed := f.store.Toggle(product.Ref{}); changed {
		t.Error("product without id was added")
	}
}

func TestToggle_NormalizesRating(t *testing.T) {
	f := newFixture(t, "")
	r := ref("a")
	bad := 7.5
	r.Rating = &bad

	st, _ := f.store.Toggle(r)
	if *st.Selection[0].Rating != 5 {
		t.Errorf("rating = %v, want clamped to 5", *st.Selection[0].Rating)
	}
}

func TestToggle_AdHocSendsNothing(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	f.store.Remove("a")
	f.wait(t)

	if n := len(f.api.recordedPatches()); n != 0 {
		t.Errorf("patches = %d, want 0 without a session", n)
	}
}

func TestToggle_PatchesActiveSession(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	st, err := f.store.StartComparison(ctx)
	if err != nil {
		t.Fatalf("StartComparison: %v", err)
	}

	f.store.Toggle(ref("b"))
	f.store.Toggle(ref("a"))
	f.wait(t)

	patches := f.api.recordedPatches()
	if len(patches) != 2 {
		t.Fatalf("patches = %d, want 2", len(patches))
	}
	adds, removes := 0, 0
	for _, p := range patches {
		switch {
		case p.Action == remote.ActionAdd && p.ProductID == "b" && p.ProductName == "Product b":
			adds++
		case p.Action == remote.ActionRemove && p.ProductID == "a":
			removes++
		}
	}
	if adds != 1 || removes != 1 {
		t.Errorf("unexpected patches: %+v", patches)
	}
	if got := fmt.Sprint(f.api.serverIDs(st.SessionID)); got != "[b]" {
		t.Errorf("server products = %s, want [b]", got)
	}
}

func TestToggle_PatchFailureSwallowed(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	f.store.StartComparison(ctx)
	f.api.set(func(a *fakeAPI) { a.failPatch = true })

	st, changed := f.store.Toggle(ref("b"))
	f.wait(t)

	if !changed || ids(st.Selection) != "[a b]" {
		t.Errorf("local selection = %s, want [a b]", ids(st.Selection))
	}
	if got := ids(f.store.State().Selection); got != "[a b]" {
		t.Errorf("selection after failed patch = %s, want [a b]", got)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t, "")
	f.store.Toggle(ref("a"))
	f.store.Toggle(ref("b"))

	st, changed := f.store.Remove("a")
	if !changed || ids(st.Selection) != "[b]" {
		t.Errorf("selection = %s, want [b]", ids(st.Selection))
	}
	if _, changed := f.store.Remove("missing"); changed {
		t.Error("removing an unselected id reported a change")
	}
}

func TestStartComparison_CreatesSession(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.SetSearchResults("wireless mouse", nil)
	f.store.Toggle(ref("a"))
	f.store.Toggle(ref("b"))

	st, err := f.store.StartComparison(ctx)
	if err != nil {
		t.Fatalf("StartComparison: %v", err)
	}
	if st.SessionID != "S1" {
		t.Errorf("session id = %q, want S1", st.SessionID)
	}

	creates := f.api.recordedCreates()
	if len(creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(creates))
	}
	c := creates[0]
	if fmt.Sprint(c.ProductIDs) != "[a b]" || c.OriginalSearchQuery != "wireless mouse" {
		t.Errorf("unexpected create request: %+v", c)
	}
	if len(c.Products) != 2 || c.Products[0].ProductName != "Product a" || c.Products[0].Price.String() != "10" {
		t.Errorf("snapshots not sent: %+v", c.Products)
	}
	if f.events.count(events.EventSessionChanged) != 1 {
		t.Error("session change not published")
	}
}

func TestStartComparison_AdHocWithoutToken(t *testing.T) {
	f := newFixture(t, "")
	f.store.Toggle(ref("a"))

	st, err := f.store.StartComparison(ctx)
	if err != nil {
		t.Fatalf("StartComparison: %v", err)
	}
	if st.SessionID != "" {
		t.Errorf("session id = %q, want ad-hoc", st.SessionID)
	}
	if len(f.api.recordedCreates()) != 0 {
		t.Error("session created without a token")
	}
}

func TestStartComparison_EmptySelection(t *testing.T) {
	f := newFixture(t, "tok")
	if _, err := f.store.StartComparison(ctx); err != nil {
		t.Fatalf("StartComparison: %v", err)
	}
	if len(f.api.recordedCreates()) != 0 {
		t.Error("session created for an empty selection")
	}
}

func TestStartComparison_CreateFailureStaysAdHoc(t *testing.T) {
	f := newFixture(t, "tok")
	f.api.set(func(a *fakeAPI) { a.failCreate = true })
	f.store.Toggle(ref("a"))

	st, err := f.store.StartComparison(ctx)
	if err == nil {
		t.Error("expected the create failure to be reported")
	}
	if st.SessionID != "" || ids(st.Selection) != "[a]" {
		t.Errorf("state = %+v, want ad-hoc with selection kept", st)
	}
}

// The server never received the local changes; starting the comparison
// again must converge it without creating another session.
func TestStartComparison_ConvergesDriftedSession(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	f.store.Toggle(ref("b"))
	st, _ := f.store.StartComparison(ctx)

	f.api.set(func(a *fakeAPI) { a.failPatch = true })
	f.store.Toggle(ref("a")) // remove, lost
	f.store.Toggle(ref("c")) // add, lost
	f.wait(t)
	if got := fmt.Sprint(f.api.serverIDs(st.SessionID)); got != "[a b]" {
		t.Fatalf("server products = %s, want drifted [a b]", got)
	}

	f.api.set(func(a *fakeAPI) { a.failPatch = false })
	st, err := f.store.StartComparison(ctx)
	if err != nil {
		t.Fatalf("StartComparison: %v", err)
	}
	if st.SessionID != "S1" {
		t.Errorf("session id = %q, want S1 kept", st.SessionID)
	}
	if n := len(f.api.recordedCreates()); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
	if got := fmt.Sprint(f.api.serverIDs("S1")); got != "[b c]" {
		t.Errorf("server products = %s, want [b c]", got)
	}
}

func TestStartComparison_MissingSessionClears(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	f.store.StartComparison(ctx)
	f.api.set(func(a *fakeAPI) { delete(a.sessions, "S1") })

	st, err := f.store.StartComparison(ctx)
	if !remote.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if st.SessionID != "" || len(st.Selection) != 0 {
		t.Errorf("state = session %q selection %s, want cleared", st.SessionID, ids(st.Selection))
	}
	if n := len(f.api.recordedCreates()); n != 1 {
		t.Errorf("creates = %d, want 1 (missing session must not be recreated)", n)
	}
	if got := f.store.State(); got.SessionID != "" || len(got.Selection) != 0 {
		t.Errorf("stored state not cleared: %+v", got)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.SetSearchResults("mouse", []product.Ref{ref("r")})
	f.store.Toggle(ref("a"))
	f.store.StartComparison(ctx)
	f.store.Minimize()

	st := f.store.Close()
	if len(st.Selection) != 0 || st.SessionID != "" || st.Minimized {
		t.Errorf("state not cleared: %+v", st)
	}
	if st.SearchQuery != "mouse" || len(st.SearchResults) != 1 {
		t.Error("search results should survive Close")
	}
	if f.events.count(events.EventCleared) != 1 {
		t.Error("cleared event not published")
	}
}

func TestMinimizeExpand(t *testing.T) {
	f := newFixture(t, "")

	if !f.store.Minimize().Minimized {
		t.Error("Minimize did not set the flag")
	}
	f.store.Minimize()
	if f.store.Expand().Minimized {
		t.Error("Expand did not clear the flag")
	}
	if n := f.events.count(events.EventMinimizedChanged); n != 2 {
		t.Errorf("minimized events = %d, want 2", n)
	}
}

func TestResetForIdentity(t *testing.T) {
	f := newFixture(t, "tok-a")
	f.store.SetSearchResults("mouse", []product.Ref{ref("r")})
	f.store.Toggle(ref("a"))
	f.store.StartComparison(ctx)
	f.store.Minimize()

	f.tokens.set("tok-b")
	st := f.store.ResetForIdentity()

	if len(st.Selection) != 0 || st.SessionID != "" || st.Minimized || st.SearchQuery != "" {
		t.Errorf("state not reset: %+v", st)
	}
	if _, err := f.db.LoadTabState("tab-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("persisted state survived reset: %v", err)
	}
	if f.events.count(events.EventIdentityReset) != 1 {
		t.Error("identity reset not published")
	}
}

func TestPersistence_Rehydrates(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.Toggle(ref("a"))
	f.store.Toggle(ref("b"))
	f.store.StartComparison(ctx)
	f.store.Minimize()

	again := f.newStore()
	defer again.Shutdown(ctx)
	st := again.State()
	if ids(st.Selection) != "[a b]" || st.SessionID != "S1" || !st.Minimized {
		t.Errorf("rehydrated state = %+v", st)
	}
}

func TestPersistence_DiscardsOtherIdentity(t *testing.T) {
	f := newFixture(t, "tok-a")
	f.store.Toggle(ref("a"))

	f.tokens.set("tok-b")
	again := f.newStore()
	defer again.Shutdown(ctx)
	if st := again.State(); len(st.Selection) != 0 {
		t.Errorf("state of another identity leaked: %+v", st)
	}
	if _, err := f.db.LoadTabState("tab-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("stale state not deleted")
	}
}

func TestWait_RespectsContext(t *testing.T) {
	f := newFixture(t, "tok")
	f.store.bg.Add(1)
	defer f.store.bg.Done()

	c, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := f.store.Wait(c); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDiffSelection(t *testing.T) {
	tests := []struct {
		name    string
		server  []string
		local   []string
		add     string
		remove  string
		isEmpty bool
	}{
		{"in sync", []string{"a", "b"}, []string{"b", "a"}, "[]", "[]", true},
		{"add only", []string{"a"}, []string{"a", "b"}, "[b]", "[]", false},
		{"remove only", []string{"a", "b"}, []string{"b"}, "[]", "[a]", false},
		{"both", []string{"a", "b"}, []string{"b", "c"}, "[c]", "[a]", false},
		{"duplicate server ids", []string{"a", "a"}, nil, "[]", "[a]", false},
		{"empty server", nil, []string{"a"}, "[a]", "[]", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var local []product.Ref
			for _, id := range tt.local {
				local = append(local, product.Ref{ID: id})
			}
			d := DiffSelection(tt.server, local)
			if got := fmt.Sprint(product.IDs(d.ToAdd)); got != tt.add {
				t.Errorf("ToAdd = %s, want %s", got, tt.add)
			}
			if got := fmt.Sprint(append([]string{}, d.ToRemove...)); got != tt.remove {
				t.Errorf("ToRemove = %s, want %s", got, tt.remove)
			}
			if d.IsEmpty() != tt.isEmpty {
				t.Errorf("IsEmpty = %v, want %v", d.IsEmpty(), tt.isEmpty)
			}
		})
	}
}

func TestStartComparison_MinimalPatches(t *testing.T) {
	f := newFixture(t, "tok")
	f.api.set(func(a *fakeAPI) {
		a.nextID = 1
		a.sessions["S1"] = []product.Snapshot{{ProductID: "1"}, {ProductID: "2"}, {ProductID: "3"}}
	})
	if _, err := f.store.Resume(ctx, "S1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.wait(t)
	f.store.Remove("3")
	f.wait(t)
	f.api.set(func(a *fakeAPI) {
		// the remove never arrived
		a.sessions["S1"] = []product.Snapshot{{ProductID: "1"}, {ProductID: "2"}, {ProductID: "3"}}
		a.patches = nil
		a.failPatch = true
	})
	f.store.Toggle(ref("4"))
	f.wait(t)
	f.api.set(func(a *fakeAPI) {
		a.patches = nil
		a.failPatch = false
	})

	if _, err := f.store.StartComparison(ctx); err != nil {
		t.Fatalf("StartComparison: %v", err)
	}
	patches := f.api.recordedPatches()
	if len(patches) != 2 {
		t.Fatalf("patches = %d, want exactly one add and one remove", len(patches))
	}
	if patches[0].Action != remote.ActionRemove || patches[0].ProductID != "3" {
		t.Errorf("first patch = %s %s, want remove 3", patches[0].Action, patches[0].ProductID)
	}
	if patches[1].Action != remote.ActionAdd || patches[1].ProductID != "4" {
		t.Errorf("second patch = %s %s, want add 4", patches[1].Action, patches[1].ProductID)
	}
	if got := fmt.Sprint(f.api.serverIDs("S1")); got != "[1 2 4]" {
		t.Errorf("server products = %s, want [1 2 4]", got)
	}
}
