package signaling

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrTransportClosed reports that the signaling channel went away while a
// call was still being negotiated or active.
var ErrTransportClosed = errors.New("signaling transport closed")

// OfferRequest carries a local SDP offer plus the call identity the backend
// needs to route it to the right workflow run.
type OfferRequest struct {
	Desc             webrtc.SessionDescription
	PeerConnectionID string
	WorkflowID       string
	WorkflowRunID    string
	RestartPC        bool
	CallContext      map[string]string
}

// Event is one inbound signaling item. Exactly one field is set, except the
// end-of-candidates sentinel which sets none.
type Event struct {
	Answer    *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
	Err       error
}

// Transport carries SDP and ICE candidates between the client and the
// backend media server. Two interchangeable strategies exist: a single HTTP
// round trip carrying a fully gathered offer, and a persistent websocket
// that trickles candidates as they are discovered.
type Transport interface {
	// SendOffer submits the local offer. For the HTTP strategy the answer
	// arrives on Events after the round trip completes; for the websocket
	// strategy the answer arrives asynchronously.
	SendOffer(ctx context.Context, req OfferRequest) error

	// SendCandidate pushes a local ICE candidate to the far side. nil is the
	// end-of-candidates sentinel. Non-trickle transports ignore candidates.
	SendCandidate(ctx context.Context, init *webrtc.ICECandidateInit) error

	// Trickle reports whether the transport accepts candidates incrementally.
	// When false, callers must finish ICE gathering before SendOffer.
	Trickle() bool

	// Events delivers inbound answers, candidates and errors in arrival
	// order. The channel is closed when the transport shuts down.
	Events() <-chan Event

	Close() error
}
