package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/signaling"
)

var ErrAlreadyStarted = errors.New("peer connection already started")

// Controller owns a single peer connection for the lifetime of one session.
// It mediates offer/answer/ICE exchange over a signaling.Transport and
// tracks connection-state transitions. A controller is single-use: the
// runner builds a fresh one per call attempt.
type Controller struct {
	transport  signaling.Transport
	log        zerolog.Logger
	iceURLs    []string
	flushDelay time.Duration

	mu               sync.Mutex
	started          bool
	torn             bool
	pc               *webrtc.PeerConnection
	session          Session
	status           Status
	completed        bool
	errMsg           string
	stopTrack        func() error
	localDesc        *webrtc.SessionDescription
	remoteDesc       *webrtc.SessionDescription
	localCandidates  []webrtc.ICECandidateInit
	remoteCandidates []webrtc.ICECandidateInit
	pendingRemote    []webrtc.ICECandidateInit
	onStatus         func(Status)

	ctx context.Context
}

func NewController(transport signaling.Transport, iceURLs []string, flushDelay time.Duration, log zerolog.Logger) *Controller {
	return &Controller{
		transport:  transport,
		log:        log,
		iceURLs:    iceURLs,
		flushDelay: flushDelay,
		status:     StatusIdle,
		ctx:        context.Background(),
	}
}

// OnStatusChange registers a status observer. Must be called before Start.
func (c *Controller) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Start creates the peer connection, attaches the microphone track and runs
// negotiation. The non-trickle strategy waits for ICE gathering to finish
// before the offer leaves; the trickle strategy sends it immediately and
// streams candidates as they appear.
func (c *Controller) Start(ctx context.Context, session Session, track webrtc.TrackLocal, stopTrack func() error) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.session = session
	c.stopTrack = stopTrack
	c.status = StatusConnecting
	c.ctx = ctx
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(StatusConnecting)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(c.iceURLs),
	})
	if err != nil {
		c.fail(fmt.Sprintf("create peer connection: %v", err))
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		c.fail(fmt.Sprintf("attach microphone track: %v", err))
		return fmt.Errorf("attach microphone track: %w", err)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", remote.Kind().String()).
			Str("pc_id", session.PeerConnectionID).
			Msg("inbound media track")
		go drainTrack(remote)
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.handleLocalCandidate(cand)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.handleICEState(state)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.fail(fmt.Sprintf("create offer: %v", err))
		return fmt.Errorf("create offer: %w", err)
	}

	// The gathering promise must exist before the local description is set,
	// otherwise candidates gathered in between are missed.
	var gatherComplete <-chan struct{}
	if !c.transport.Trickle() {
		gatherComplete = webrtc.GatheringCompletePromise(pc)
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		c.fail(fmt.Sprintf("set local description: %v", err))
		return fmt.Errorf("set local description: %w", err)
	}

	sendDesc := offer
	if gatherComplete != nil {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			c.fail("negotiation cancelled")
			return ctx.Err()
		}
		// Complete SDP with all gathered candidates inlined.
		sendDesc = *pc.LocalDescription()
	}

	c.mu.Lock()
	c.localDesc = &sendDesc
	c.mu.Unlock()

	if err := c.transport.SendOffer(ctx, signaling.OfferRequest{
		Desc:             sendDesc,
		PeerConnectionID: session.PeerConnectionID,
		WorkflowID:       session.WorkflowID,
		WorkflowRunID:    session.WorkflowRunID,
		CallContext:      session.CallContext,
	}); err != nil {
		c.fail(fmt.Sprintf("send offer: %v", err))
		return fmt.Errorf("send offer: %w", err)
	}

	go c.pumpEvents()
	return nil
}

// Stop forces the session back to idle and marks the call completed. Sender
// tracks stop before the connection closes so no further media leaves; the
// peer connection itself is released after a short flush delay so in-flight
// close frames can drain.
func (c *Controller) Stop() {
	c.teardown("local stop")
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

func (c *Controller) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		PeerConnectionID: c.session.PeerConnectionID,
		WorkflowID:       c.session.WorkflowID,
		WorkflowRunID:    c.session.WorkflowRunID,
		Status:           c.status,
		Completed:        c.completed,
		LocalCandidates:  len(c.localCandidates),
		RemoteCandidates: len(c.remoteCandidates),
		Error:            c.errMsg,
	}
}

func (c *Controller) handleLocalCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		// End of candidates; forward the sentinel on trickle transports.
		if c.transport.Trickle() {
			if err := c.transport.SendCandidate(c.ctx, nil); err != nil {
				c.log.Warn().Err(err).Msg("sending end-of-candidates failed")
			}
		}
		return
	}

	init := cand.ToJSON()
	c.mu.Lock()
	c.localCandidates = append(c.localCandidates, init)
	c.mu.Unlock()

	if c.transport.Trickle() {
		if err := c.transport.SendCandidate(c.ctx, &init); err != nil {
			c.log.Warn().Err(err).Msg("sending ICE candidate failed")
		}
	}
}

// handleICEState applies the connection-state policy: connected/completed
// mean the call is up, failed is fatal, and disconnected is the far end
// hanging up, which tears the session down gracefully rather than failing.
func (c *Controller) handleICEState(state webrtc.ICEConnectionState) {
	c.log.Debug().Str("state", state.String()).Msg("ICE connection state")

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		c.markConnected()
	case webrtc.ICEConnectionStateFailed:
		c.fail("ice connection failed")
	case webrtc.ICEConnectionStateDisconnected:
		c.teardown("server disconnect")
	}
}

func (c *Controller) pumpEvents() {
	for ev := range c.transport.Events() {
		switch {
		case ev.Answer != nil:
			c.applyAnswer(*ev.Answer)
		case ev.Candidate != nil:
			c.applyRemoteCandidate(*ev.Candidate)
		case ev.Err != nil:
			c.mu.Lock()
			done := c.completed || c.torn
			c.mu.Unlock()
			if !done {
				c.fail(fmt.Sprintf("signaling transport: %v", ev.Err))
			}
		}
	}
}

func (c *Controller) applyAnswer(desc webrtc.SessionDescription) {
	c.mu.Lock()
	pc := c.pc
	dead := c.torn || c.status == StatusFailed
	c.mu.Unlock()
	if dead || pc == nil {
		return
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		c.fail(fmt.Sprintf("set remote description: %v", err))
		return
	}
	c.mu.Lock()
	c.remoteDesc = &desc
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()
	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			c.log.Warn().Err(err).Msg("adding remote ICE candidate failed")
		}
	}
	c.markConnected()
}

func (c *Controller) applyRemoteCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	pc := c.pc
	dead := c.torn
	c.remoteCandidates = append(c.remoteCandidates, init)
	// pion rejects candidates arriving before the remote description; hold
	// them and flush once the answer is applied.
	if !dead && c.remoteDesc == nil {
		c.pendingRemote = append(c.pendingRemote, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if dead || pc == nil {
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		c.log.Warn().Err(err).Msg("adding remote ICE candidate failed")
	}
}

func (c *Controller) markConnected() {
	c.mu.Lock()
	if c.torn || c.completed || c.status == StatusFailed || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	onStatus := c.onStatus
	c.mu.Unlock()

	c.log.Info().Msg("call connected")
	if onStatus != nil {
		onStatus(StatusConnected)
	}
}

// fail marks the session failed without marking it completed: a failed call
// is a broken one, not a finished one. Failure is terminal; it sets torn so
// a later Stop cannot re-settle the session as completed.
func (c *Controller) fail(msg string) {
	c.mu.Lock()
	if c.torn || c.completed || c.status == StatusFailed {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.status = StatusFailed
	c.errMsg = msg
	pc := c.pc
	stopTrack := c.stopTrack
	onStatus := c.onStatus
	c.mu.Unlock()

	c.log.Error().Str("reason", msg).Msg("call failed")
	if stopTrack != nil {
		_ = stopTrack()
	}
	_ = c.transport.Close()
	c.releaseAfterFlush(pc)
	if onStatus != nil {
		onStatus(StatusFailed)
	}
}

// teardown is the graceful completion path, shared by local stop and
// server-initiated disconnect.
func (c *Controller) teardown(reason string) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.torn = true
	c.completed = true
	c.status = StatusIdle
	pc := c.pc
	stopTrack := c.stopTrack
	onStatus := c.onStatus
	c.mu.Unlock()

	c.log.Info().Str("reason", reason).Msg("tearing down call")

	if pc != nil {
		for _, tr := range pc.GetTransceivers() {
			_ = tr.Stop()
		}
	}
	if stopTrack != nil {
		_ = stopTrack()
	}
	_ = c.transport.Close()
	c.releaseAfterFlush(pc)

	if onStatus != nil {
		onStatus(StatusIdle)
	}
}

func (c *Controller) releaseAfterFlush(pc *webrtc.PeerConnection) {
	if pc == nil {
		return
	}
	time.AfterFunc(c.flushDelay, func() {
		_ = pc.Close()
	})
}

func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}
