package intercom

import "errors"

// Sentinel errors mapped to HTTP status codes in the handler.
var (
	// ErrProductionNotFound: unknown production id.
	ErrProductionNotFound = errors.New("production not found")

	// ErrLineNotFound: unknown line id within a production.
	ErrLineNotFound = errors.New("line not found")

	// ErrSessionNotFound: unknown or already expired session id. Surfaced
	// as 410: the id may have existed, it will never come back.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateLineName: a line with the same name already exists in the
	// production.
	ErrDuplicateLineName = errors.New("a line with that name already exists")

	// ErrLineHasParticipants blocks deleting a line while sessions are live.
	ErrLineHasParticipants = errors.New("cannot remove a line with active participants")

	// ErrNoOffer: session establishment could not produce an SDP offer.
	ErrNoOffer = errors.New("could not produce an sdp offer")
)
