// Package intercom is the session orchestration core: the production, line
// and session model, the manager that drives the session lifecycle and the
// reconciliation sweep, the facade composing bridge calls into the offer and
// answer verbs, and the HTTP handler exposing them.
package intercom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"intercom-orchestrator/internal/bridge"
	"intercom-orchestrator/internal/platform/metrics"
)

const (
	// DefaultSweepInterval is how often the reconciliation sweep runs.
	DefaultSweepInterval = 2 * time.Second
	// DefaultHeartbeatTimeout expires a session whose client stopped
	// heartbeating. This is the authoritative expiry; the store TTL only
	// garbage-collects records long after.
	DefaultHeartbeatTimeout = 60 * time.Second
)

// Manager owns the production/line/session model and the reconciliation
// sweep. All mutations of that model go through its methods.
type Manager struct {
	store   Store
	client  *bridge.Client
	pool    *bridge.Pool
	log     *slog.Logger
	metrics *metrics.Metrics

	changes          *broadcaster
	prevActive       map[string]bool
	sweepInterval    time.Duration
	heartbeatTimeout time.Duration
}

// ManagerOption adjusts a Manager at construction.
type ManagerOption func(*Manager)

// WithSweepInterval overrides the reconciliation sweep interval.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithHeartbeatTimeout overrides the heartbeat expiry window.
func WithHeartbeatTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.heartbeatTimeout = d }
}

// NewManager returns a Manager. Metrics may be nil to disable metric
// recording (e.g. in tests).
func NewManager(store Store, client *bridge.Client, pool *bridge.Pool, log *slog.Logger, met *metrics.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:            store,
		client:           client,
		pool:             pool,
		log:              log,
		metrics:          met,
		changes:          newBroadcaster(),
		prevActive:       make(map[string]bool),
		sweepInterval:    DefaultSweepInterval,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateProduction creates a production with the given name and lines.
// Line ids are assigned where the caller left them empty.
func (m *Manager) CreateProduction(name string, lines []*Line) (*Production, error) {
	p := &Production{ID: m.store.NextProductionID(), Name: name}
	for _, l := range lines {
		if l.ID == "" {
			l.ID = uuid.NewString()
		}
		for _, existing := range p.Lines {
			if existing.Name == l.Name {
				return nil, ErrDuplicateLineName
			}
		}
		p.Lines = append(p.Lines, l)
	}
	m.store.PutProduction(p)
	return p, nil
}

// ListProductions returns all productions ordered by id.
func (m *Manager) ListProductions() []*Production {
	return m.store.ListProductions()
}

// GetProduction returns one production.
func (m *Manager) GetProduction(id int64) (*Production, error) {
	p, ok := m.store.GetProduction(id)
	if !ok {
		return nil, ErrProductionNotFound
	}
	return p, nil
}

// UpdateProduction renames a production.
func (m *Manager) UpdateProduction(id int64, name string) (*Production, error) {
	p, ok := m.store.GetProduction(id)
	if !ok {
		return nil, ErrProductionNotFound
	}
	p.Name = name
	m.store.PutProduction(p)
	return p, nil
}

// DeleteProduction removes a production. Lines with active participants
// block the delete.
func (m *Manager) DeleteProduction(id int64) error {
	p, ok := m.store.GetProduction(id)
	if !ok {
		return ErrProductionNotFound
	}
	for _, l := range p.Lines {
		if len(m.ActiveParticipants(id, l.ID)) > 0 {
			return ErrLineHasParticipants
		}
	}
	m.store.DeleteProduction(id)
	return nil
}

// AddLine adds a line to a production. An empty line id is assigned; a
// duplicate name is a conflict.
func (m *Manager) AddLine(productionID int64, line *Line) (*Line, error) {
	p, ok := m.store.GetProduction(productionID)
	if !ok {
		return nil, ErrProductionNotFound
	}
	for _, l := range p.Lines {
		if l.Name == line.Name {
			return nil, ErrDuplicateLineName
		}
	}
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	p.Lines = append(p.Lines, line)
	m.store.PutProduction(p)
	return line, nil
}

// GetLine returns one line of a production.
func (m *Manager) GetLine(productionID int64, lineID string) (*Line, error) {
	p, ok := m.store.GetProduction(productionID)
	if !ok {
		return nil, ErrProductionNotFound
	}
	for _, l := range p.Lines {
		if l.ID == lineID {
			return l, nil
		}
	}
	return nil, ErrLineNotFound
}

// UpdateLine renames a line or flips its program-output flag.
func (m *Manager) UpdateLine(productionID int64, lineID string, name *string, programOutput *bool) (*Line, error) {
	p, ok := m.store.GetProduction(productionID)
	if !ok {
		return nil, ErrProductionNotFound
	}
	for _, l := range p.Lines {
		if l.ID != lineID {
			continue
		}
		if name != nil {
			for _, other := range p.Lines {
				if other.ID != lineID && other.Name == *name {
					return nil, ErrDuplicateLineName
				}
			}
			l.Name = *name
		}
		if programOutput != nil {
			l.ProgramOutputLine = *programOutput
		}
		m.store.PutProduction(p)
		return l, nil
	}
	return nil, ErrLineNotFound
}

// DeleteLine removes a line. Refused while the line has participants whose
// sessions have not expired.
func (m *Manager) DeleteLine(productionID int64, lineID string) error {
	p, ok := m.store.GetProduction(productionID)
	if !ok {
		return ErrProductionNotFound
	}
	idx := -1
	for i, l := range p.Lines {
		if l.ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrLineNotFound
	}
	if len(m.ActiveParticipants(productionID, lineID)) > 0 {
		return ErrLineHasParticipants
	}
	p.Lines = append(p.Lines[:idx], p.Lines[idx+1:]...)
	m.store.PutProduction(p)
	return nil
}

// SetLineConference records the bridge conference id for a line, once. If a
// conference id is already present it wins and the stored line is returned;
// this is what makes conference creation idempotent under the serialization
// queue.
func (m *Manager) SetLineConference(productionID int64, lineID, conferenceID, bridgeName string) (*Line, error) {
	p, ok := m.store.GetProduction(productionID)
	if !ok {
		return nil, ErrProductionNotFound
	}
	for _, l := range p.Lines {
		if l.ID != lineID {
			continue
		}
		if l.ConferenceID != "" {
			return l, nil
		}
		l.ConferenceID = conferenceID
		l.Bridge = bridgeName
		m.store.PutProduction(p)
		return l, nil
	}
	return nil, ErrLineNotFound
}

// CreateSession persists a new session record in the created state.
func (m *Manager) CreateSession(s *Session) *Session {
	s.State = StateCreated
	s.LastSeen = time.Now()
	m.store.PutSession(s)
	if m.metrics != nil {
		m.metrics.IncSessionsCreated()
	}
	return s
}

// GetSession returns a session by id, expired or not.
func (m *Manager) GetSession(id string) (*Session, error) {
	s, ok := m.store.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ActivateSession moves a session from created to active after its answer
// was applied to the bridge.
func (m *Manager) ActivateSession(id string) error {
	s, ok := m.store.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}
	next, err := transition(s, "activate")
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	s.State = next
	s.IsActive = true
	s.LastSeen = time.Now()
	m.store.PutSession(s)
	return nil
}

// ExpireSession terminates a session and releases its bridge endpoint. The
// endpoint delete is best effort: an unreachable bridge does not keep the
// session alive.
func (m *Manager) ExpireSession(ctx context.Context, id string) error {
	s, ok := m.store.GetSession(id)
	if !ok {
		return ErrSessionNotFound
	}
	if s.Expired() {
		return nil
	}
	next, err := transition(s, "expire")
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	s.State = next
	s.IsActive = false
	m.store.PutSession(s)
	if m.metrics != nil {
		m.metrics.IncSessionsExpired()
	}

	if in, ok := m.pool.ByName(s.Bridge); ok && s.ConferenceID != "" {
		if err := m.client.DeleteEndpoint(ctx, in.URL, in.APIKey, s.ConferenceID, s.EndpointID); err != nil {
			m.log.Warn("failed to release bridge endpoint",
				slog.String("session_id", id),
				slog.String("endpoint_id", s.EndpointID),
				slog.String("error", err.Error()))
			m.pool.ReportFailure(s.Bridge)
		}
	}
	return nil
}

// UpdateUserLastSeen refreshes a session's heartbeat. It returns false for
// an unknown or expired session; callers map that to a gone outcome. On a
// live session LastSeen strictly increases.
func (m *Manager) UpdateUserLastSeen(id string) bool {
	s, ok := m.store.GetSession(id)
	if !ok || s.Expired() {
		return false
	}
	now := time.Now()
	if !now.After(s.LastSeen) {
		now = s.LastSeen.Add(time.Nanosecond)
	}
	s.LastSeen = now
	m.store.PutSession(s)
	return true
}

// ActiveParticipants lists the non-expired sessions on a line.
func (m *Manager) ActiveParticipants(productionID int64, lineID string) []Participant {
	sessions := m.store.FindSessions(SessionQuery{ProductionID: &productionID, LineID: &lineID})
	out := make([]Participant, 0, len(sessions))
	for _, s := range sessions {
		if s.Expired() {
			continue
		}
		out = append(out, Participant{
			SessionID:   s.ID,
			DisplayName: s.DisplayName,
			IsActive:    s.IsActive,
		})
	}
	return out
}

// ActiveSessionCount returns the number of non-expired sessions. Used for
// the active_sessions gauge.
func (m *Manager) ActiveSessionCount() int {
	n := 0
	for _, s := range m.store.FindSessions(SessionQuery{}) {
		if !s.Expired() {
			n++
		}
	}
	return n
}

// SubscribeChanges registers a long-poll waiter for participant changes.
func (m *Manager) SubscribeChanges() (<-chan struct{}, func()) {
	return m.changes.Subscribe()
}

// Run executes the reconciliation sweep until ctx is cancelled. No single
// sweep failure stops the loop.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep reconciles stored session state against bridge-reported endpoint
// state and expires sessions whose heartbeats stopped. One coalesced change
// notification is emitted per sweep if the active set moved.
func (m *Manager) sweep(ctx context.Context) {
	sessions := m.store.FindSessions(SessionQuery{})

	type confKey struct {
		bridge     string
		conference string
	}
	byConf := make(map[confKey][]*Session)
	cutoff := time.Now().Add(-m.heartbeatTimeout)

	for _, s := range sessions {
		if s.Expired() {
			continue
		}
		if s.LastSeen.Before(cutoff) {
			if err := m.ExpireSession(ctx, s.ID); err != nil {
				m.log.Warn("sweep: expire failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if s.ConferenceID == "" {
			continue
		}
		k := confKey{bridge: s.Bridge, conference: s.ConferenceID}
		byConf[k] = append(byConf[k], s)
	}

	for k, group := range byConf {
		in, ok := m.pool.ByName(k.bridge)
		if !ok {
			continue
		}
		states, err := m.client.GetConference(ctx, in.URL, in.APIKey, k.conference)
		if err != nil {
			// One unreachable conference must not abort the rest of the tick.
			m.log.Warn("sweep: conference query failed",
				slog.String("bridge", k.bridge),
				slog.String("conference_id", k.conference),
				slog.String("error", err.Error()))
			m.pool.ReportFailure(k.bridge)
			continue
		}
		m.pool.ReportSuccess(k.bridge)

		connected := make(map[string]bool, len(states))
		for _, st := range states {
			connected[st.ID] = st.Connected()
		}
		for _, s := range group {
			active := connected[s.EndpointID]
			if s.IsActive == active {
				continue
			}
			s.IsActive = active
			m.store.PutSession(s)
		}
	}

	m.notifyIfChanged()
}

func (m *Manager) notifyIfChanged() {
	current := make(map[string]bool)
	for _, s := range m.store.FindSessions(SessionQuery{}) {
		if !s.Expired() && s.IsActive {
			current[s.ID] = true
		}
	}
	changed := len(current) != len(m.prevActive)
	if !changed {
		for id := range current {
			if !m.prevActive[id] {
				changed = true
				break
			}
		}
	}
	m.prevActive = current
	if changed {
		m.changes.Notify()
	}
}
