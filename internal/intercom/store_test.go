package intercom

import (
	"testing"
	"time"
)

func TestStore_productionSequence(t *testing.T) {
	st := NewInMemoryStore(0)
	if got := st.NextProductionID(); got != 1 {
		t.Fatalf("first id = %d, want 1", got)
	}
	if got := st.NextProductionID(); got != 2 {
		t.Fatalf("second id = %d, want 2", got)
	}
}

func TestStore_productionCRUD(t *testing.T) {
	st := NewInMemoryStore(0)
	p := &Production{ID: st.NextProductionID(), Name: "Studio A", Lines: []*Line{{ID: "l1", Name: "Control Room"}}}
	st.PutProduction(p)

	got, ok := st.GetProduction(p.ID)
	if !ok {
		t.Fatal("GetProduction: not found")
	}
	if got.Name != "Studio A" || len(got.Lines) != 1 {
		t.Errorf("got %+v", got)
	}

	// The stored copy must not alias the caller's value.
	p.Lines[0].Name = "mutated"
	got2, _ := st.GetProduction(p.ID)
	if got2.Lines[0].Name != "Control Room" {
		t.Error("store aliases caller-owned line data")
	}

	st.DeleteProduction(p.ID)
	if _, ok := st.GetProduction(p.ID); ok {
		t.Error("production still present after delete")
	}
}

func TestStore_listProductionsOrdered(t *testing.T) {
	st := NewInMemoryStore(0)
	for _, name := range []string{"c", "a", "b"} {
		st.PutProduction(&Production{ID: st.NextProductionID(), Name: name})
	}
	list := st.ListProductions()
	if len(list) != 3 {
		t.Fatalf("len = %d", len(list))
	}
	for i, p := range list {
		if p.ID != int64(i+1) {
			t.Errorf("position %d has id %d", i, p.ID)
		}
	}
}

func TestStore_findSessionsByPredicate(t *testing.T) {
	st := NewInMemoryStore(0)
	now := time.Now()
	st.PutSession(&Session{ID: "s1", ProductionID: 1, LineID: "a", State: StateActive, LastSeen: now})
	st.PutSession(&Session{ID: "s2", ProductionID: 1, LineID: "b", State: StateCreated, LastSeen: now})
	st.PutSession(&Session{ID: "s3", ProductionID: 2, LineID: "a", State: StateActive, LastSeen: now})

	prod := int64(1)
	got := st.FindSessions(SessionQuery{ProductionID: &prod})
	if len(got) != 2 {
		t.Fatalf("by production: len = %d, want 2", len(got))
	}

	line := "a"
	got = st.FindSessions(SessionQuery{ProductionID: &prod, LineID: &line})
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("by production+line: %+v", got)
	}

	state := StateActive
	got = st.FindSessions(SessionQuery{State: &state})
	if len(got) != 2 {
		t.Fatalf("by state: len = %d, want 2", len(got))
	}

	got = st.FindSessions(SessionQuery{})
	if len(got) != 3 {
		t.Fatalf("unconstrained: len = %d, want 3", len(got))
	}
}

func TestStore_sessionTTLPrunesStaleRecords(t *testing.T) {
	st := NewInMemoryStore(10 * time.Millisecond)
	st.PutSession(&Session{ID: "stale", State: StateActive, LastSeen: time.Now().Add(-time.Second)})
	st.PutSession(&Session{ID: "fresh", State: StateActive, LastSeen: time.Now()})

	if _, ok := st.GetSession("stale"); ok {
		t.Error("stale session survived the TTL")
	}
	if _, ok := st.GetSession("fresh"); !ok {
		t.Error("fresh session was pruned")
	}
}

func TestStore_deleteSession(t *testing.T) {
	st := NewInMemoryStore(0)
	st.PutSession(&Session{ID: "s1", State: StateCreated, LastSeen: time.Now()})
	st.DeleteSession("s1")
	if _, ok := st.GetSession("s1"); ok {
		t.Error("session still present after delete")
	}
}
