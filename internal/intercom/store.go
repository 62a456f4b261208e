package intercom

import (
	"sort"
	"sync"
	"time"
)

// SessionQuery is an equality predicate over session fields. Nil fields do
// not constrain the result.
type SessionQuery struct {
	ProductionID *int64
	LineID       *string
	State        *string
}

// Store is the persistence abstraction for productions and sessions. The
// core only requires upsert-by-id and equality-predicate find, so a document
// store variant can implement it without richer query semantics.
// Implementations must be safe for concurrent use.
type Store interface {
	NextProductionID() int64
	PutProduction(p *Production)
	GetProduction(id int64) (*Production, bool)
	ListProductions() []*Production
	DeleteProduction(id int64)

	PutSession(s *Session)
	GetSession(id string) (*Session, bool)
	FindSessions(q SessionQuery) []*Session
	DeleteSession(id string)
}

// InMemoryStore is an in-memory implementation of Store. Expired sessions
// are pruned after a fixed inactivity window, independent of the manager's
// heartbeat sweep, so long-dead records cannot accumulate.
type InMemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	productions map[int64]*Production
	sessions    map[string]*Session
	ttl         time.Duration
}

// DefaultSessionTTL is the storage-level inactivity window after which a
// session record is removed outright.
const DefaultSessionTTL = 7200 * time.Second

// NewInMemoryStore returns a new empty store. ttl <= 0 selects
// DefaultSessionTTL.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &InMemoryStore{
		productions: make(map[int64]*Production),
		sessions:    make(map[string]*Session),
		ttl:         ttl,
	}
}

// NextProductionID implements Store.NextProductionID.
func (st *InMemoryStore) NextProductionID() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	return st.seq
}

// PutProduction implements Store.PutProduction.
func (st *InMemoryStore) PutProduction(p *Production) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.productions[p.ID] = copyProduction(p)
}

// GetProduction implements Store.GetProduction.
func (st *InMemoryStore) GetProduction(id int64) (*Production, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.productions[id]
	if !ok {
		return nil, false
	}
	return copyProduction(p), true
}

// ListProductions implements Store.ListProductions, ordered by id.
func (st *InMemoryStore) ListProductions() []*Production {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Production, 0, len(st.productions))
	for _, p := range st.productions {
		out = append(out, copyProduction(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteProduction implements Store.DeleteProduction.
func (st *InMemoryStore) DeleteProduction(id int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.productions, id)
}

// PutSession implements Store.PutSession.
func (st *InMemoryStore) PutSession(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()
	cp := *s
	st.sessions[s.ID] = &cp
}

// GetSession implements Store.GetSession.
func (st *InMemoryStore) GetSession(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// FindSessions implements Store.FindSessions.
func (st *InMemoryStore) FindSessions(q SessionQuery) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()
	var out []*Session
	for _, s := range st.sessions {
		if q.ProductionID != nil && s.ProductionID != *q.ProductionID {
			continue
		}
		if q.LineID != nil && s.LineID != *q.LineID {
			continue
		}
		if q.State != nil && s.State != *q.State {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteSession implements Store.DeleteSession.
func (st *InMemoryStore) DeleteSession(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// pruneLocked drops sessions whose last heartbeat is older than the TTL.
// Caller must hold st.mu in write mode.
func (st *InMemoryStore) pruneLocked() {
	cutoff := time.Now().Add(-st.ttl)
	for id, s := range st.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(st.sessions, id)
		}
	}
}

func copyProduction(p *Production) *Production {
	cp := *p
	cp.Lines = make([]*Line, len(p.Lines))
	for i, l := range p.Lines {
		lc := *l
		cp.Lines[i] = &lc
	}
	return &cp
}
