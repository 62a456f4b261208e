package intercom

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"intercom-orchestrator/internal/bridge"
)

// Session lifecycle states. A session only ever moves forward:
// created -> active -> expired. Expired is terminal.
const (
	StateCreated = "created"
	StateActive  = "active"
	StateExpired = "expired"
)

// Production is a show: a named, ordered collection of lines.
type Production struct {
	ID    int64   `json:"productionId"`
	Name  string  `json:"name"`
	Lines []*Line `json:"lines"`
}

// Line is one conference channel within a production. ConferenceID is
// assigned by the bridge at most once; concurrent session requests for the
// same line must observe a single conference id.
type Line struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ConferenceID      string `json:"conferenceId,omitempty"`
	Bridge            string `json:"bridge,omitempty"`
	ProgramOutputLine bool   `json:"programOutputLine"`
}

// Session is one participant's leg on a line: the bridge endpoint serving it
// plus the liveness bookkeeping the heartbeat sweep maintains.
type Session struct {
	ID           string                      `json:"sessionId"`
	ProductionID int64                       `json:"productionId"`
	LineID       string                      `json:"lineId"`
	ConferenceID string                      `json:"conferenceId"`
	EndpointID   string                      `json:"endpointId"`
	Bridge       string                      `json:"bridge"`
	Endpoint     *bridge.EndpointDescription `json:"endpoint,omitempty"`
	DisplayName  string                      `json:"displayName"`
	State        string                      `json:"state"`
	IsActive     bool                        `json:"isActive"`
	IsWhip       bool                        `json:"isWhip"`
	LastSeen     time.Time                   `json:"lastSeen"`
}

// Expired reports whether the session has reached its terminal state.
func (s *Session) Expired() bool {
	return s.State == StateExpired
}

// Participant is one entry in a line's active participant list.
type Participant struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"name"`
	IsActive    bool   `json:"isActive"`
}

// lifecycle wraps the session state machine. Transitions that would move a
// session backward are rejected by the machine itself.
func lifecycle(state string) *fsm.FSM {
	return fsm.NewFSM(
		state,
		fsm.Events{
			{Name: "activate", Src: []string{StateCreated}, Dst: StateActive},
			{Name: "expire", Src: []string{StateCreated, StateActive}, Dst: StateExpired},
		},
		fsm.Callbacks{},
	)
}

// transition runs one lifecycle event against a session's stored state and
// returns the new state, or an error if the move is illegal.
func transition(s *Session, event string) (string, error) {
	m := lifecycle(s.State)
	if err := m.Event(context.Background(), event); err != nil {
		return s.State, err
	}
	return m.Current(), nil
}
