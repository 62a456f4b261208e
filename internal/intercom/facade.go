package intercom

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"intercom-orchestrator/internal/bridge"
	"intercom-orchestrator/internal/keymutex"
)

const (
	// sessionReadRetries bounds the poll-and-retry used to tolerate
	// storage write-propagation lag when an answer arrives for a session
	// that was persisted a moment ago.
	sessionReadRetries    = 10
	sessionReadRetryDelay = 100 * time.Millisecond

	defaultRelayType       = "ssrc-rewrite"
	defaultIdleTimeoutSecs = 90
)

// SessionOffer is the result of establishing a session: the new session id
// and the SDP offer the client must answer.
type SessionOffer struct {
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
}

// Facade composes the manager, bridge client, bridge pool and serialization
// queue into the externally visible verbs: establish a session and finalize
// a session.
type Facade struct {
	manager *Manager
	client  *bridge.Client
	pool    *bridge.Pool
	keys    *keymutex.KeyMutex
	log     *slog.Logger
}

// NewFacade wires the core functions together.
func NewFacade(manager *Manager, client *bridge.Client, pool *bridge.Pool, log *slog.Logger) *Facade {
	return &Facade{
		manager: manager,
		client:  client,
		pool:    pool,
		keys:    keymutex.New(),
		log:     log,
	}
}

func lineKey(productionID int64, lineID string) string {
	return fmt.Sprintf("line:%d:%s", productionID, lineID)
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// NewSession establishes a session on a line: it reuses or creates the
// line's conference, allocates an endpoint on the same bridge instance, and
// returns a session id plus the SDP offer. The whole flow runs under the
// line's serialization key, so concurrent requests for one line observe a
// single conference id.
func (f *Facade) NewSession(ctx context.Context, productionID int64, lineID, username string, whip bool) (*SessionOffer, error) {
	if _, err := f.manager.GetLine(productionID, lineID); err != nil {
		return nil, err
	}

	var offer *SessionOffer
	err := f.keys.Do(ctx, lineKey(productionID, lineID), func() error {
		line, err := f.manager.GetLine(productionID, lineID)
		if err != nil {
			return err
		}

		var inst *bridge.Instance
		if line.ConferenceID != "" {
			// The conference already lives somewhere; follow it even if
			// that instance is currently unhealthy.
			in, ok := f.pool.ByName(line.Bridge)
			if !ok {
				return fmt.Errorf("line %s: bridge %q is no longer configured", lineID, line.Bridge)
			}
			inst = in
		} else {
			in, err := f.pool.Get(lineKey(productionID, lineID), false)
			if err != nil {
				return err
			}
			conferenceID, err := f.client.CreateConference(ctx, in.URL, in.APIKey)
			if err != nil {
				f.pool.ReportFailure(in.Name)
				return err
			}
			f.pool.ReportSuccess(in.Name)
			line, err = f.manager.SetLineConference(productionID, lineID, conferenceID, in.Name)
			if err != nil {
				return err
			}
			inst = in
			f.log.Info("conference created",
				slog.Int64("production_id", productionID),
				slog.String("line_id", lineID),
				slog.String("conference_id", line.ConferenceID),
				slog.String("bridge", in.Name))
		}

		endpointID := uuid.NewString()
		desc, err := f.client.CreateEndpoint(ctx, inst.URL, inst.APIKey, line.ConferenceID, endpointID, bridge.EndpointSettings{
			Audio:          true,
			Data:           !whip,
			ICEControlling: true,
			RelayType:      defaultRelayType,
			IdleTimeout:    defaultIdleTimeoutSecs,
		})
		if err != nil {
			f.pool.ReportFailure(inst.Name)
			return err
		}
		f.pool.ReportSuccess(inst.Name)

		sdp, err := bridge.OfferFromEndpoint(endpointID, desc)
		if err != nil {
			return err
		}

		session := f.manager.CreateSession(&Session{
			ID:           uuid.NewString(),
			ProductionID: productionID,
			LineID:       lineID,
			ConferenceID: line.ConferenceID,
			EndpointID:   endpointID,
			Bridge:       inst.Name,
			Endpoint:     desc,
			DisplayName:  username,
			IsWhip:       whip,
		})

		f.log.Info("session established",
			slog.String("session_id", session.ID),
			slog.Int64("production_id", productionID),
			slog.String("line_id", lineID),
			slog.String("endpoint_id", endpointID))

		offer = &SessionOffer{SessionID: session.ID, SDP: sdp}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// CompleteSession applies the client's SDP answer to the session's bridge
// endpoint and activates the session. Runs under the session's key so a
// duplicate answer is serialized, not raced.
func (f *Facade) CompleteSession(ctx context.Context, sessionID, answer string) error {
	return f.keys.Do(ctx, sessionKey(sessionID), func() error {
		session, err := f.getSessionWithRetry(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Expired() {
			return ErrSessionNotFound
		}

		remote, err := bridge.ParseAnswer(answer)
		if err != nil {
			return err
		}

		in, ok := f.pool.ByName(session.Bridge)
		if !ok {
			return fmt.Errorf("session %s: bridge %q is no longer configured", sessionID, session.Bridge)
		}
		if err := f.client.ConfigureEndpoint(ctx, in.URL, in.APIKey, session.ConferenceID, session.EndpointID, remote); err != nil {
			f.pool.ReportFailure(in.Name)
			return err
		}
		f.pool.ReportSuccess(in.Name)

		return f.manager.ActivateSession(sessionID)
	})
}

// RemoveSession expires a session and releases its endpoint.
func (f *Facade) RemoveSession(ctx context.Context, sessionID string) error {
	return f.keys.Do(ctx, sessionKey(sessionID), func() error {
		return f.manager.ExpireSession(ctx, sessionID)
	})
}

// Heartbeat refreshes a session's liveness; false means the session is gone.
func (f *Facade) Heartbeat(sessionID string) bool {
	return f.manager.UpdateUserLastSeen(sessionID)
}

// Participants returns the current participant snapshot for a line.
func (f *Facade) Participants(productionID int64, lineID string) ([]Participant, error) {
	if _, err := f.manager.GetLine(productionID, lineID); err != nil {
		return nil, err
	}
	return f.manager.ActiveParticipants(productionID, lineID), nil
}

// AwaitParticipants blocks until the participant set changes or the timeout
// elapses, then returns the current snapshot. It always resolves within the
// timeout; a timed-out poll still returns correct current data.
func (f *Facade) AwaitParticipants(ctx context.Context, productionID int64, lineID string, timeout time.Duration) ([]Participant, error) {
	if _, err := f.manager.GetLine(productionID, lineID); err != nil {
		return nil, err
	}

	ch, cancel := f.manager.SubscribeChanges()
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return f.manager.ActiveParticipants(productionID, lineID), nil
}

// getSessionWithRetry reads a session with a short bounded retry to ride
// out write-propagation lag in the storage collaborator.
func (f *Facade) getSessionWithRetry(ctx context.Context, sessionID string) (*Session, error) {
	var lastErr error
	for i := 0; i < sessionReadRetries; i++ {
		s, err := f.manager.GetSession(sessionID)
		if err == nil {
			return s, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sessionReadRetryDelay):
		}
	}
	return nil, lastErr
}
