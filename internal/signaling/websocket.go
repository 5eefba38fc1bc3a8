package signaling

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/observability"
	"github.com/voxlinkhq/voxlink/internal/platform"
	"github.com/voxlinkhq/voxlink/internal/redact"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport trickles ICE over a persistent websocket. The offer goes out
// as soon as the local description is set; candidates follow as they are
// discovered, and the answer arrives asynchronously on Events.
type WSTransport struct {
	conn    *websocket.Conn
	metrics *observability.Metrics
	log     zerolog.Logger

	// writeMu serializes frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu           sync.Mutex
	userClosed   bool
	eventsClosed bool
	events       chan Event
}

// DialWebSocket opens the signaling socket for one workflow run. The token
// travels as a query parameter because browsers cannot set headers on
// websocket upgrades and the backend keeps one auth path for both clients.
func DialWebSocket(ctx context.Context, baseURL, workflowID, workflowRunID string, tokens platform.TokenSource, metrics *observability.Metrics, log zerolog.Logger) (*WSTransport, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/" + url.PathEscape(workflowID) + "/" + url.PathEscape(workflowRunID)
	if token := tokens.AccessToken(); token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling socket: %w", err)
	}
	log.Debug().Str("endpoint", redact.URL(endpoint)).Msg("signaling socket connected")

	t := &WSTransport{
		conn:    conn,
		metrics: metrics,
		log:     log,
		events:  make(chan Event, 32),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) SendOffer(ctx context.Context, req OfferRequest) error {
	frame, err := MarshalOffer(req.Desc)
	if err != nil {
		return err
	}
	t.metrics.SignalingFrames.WithLabelValues("outbound", string(TypeOffer)).Inc()
	return t.write(ctx, frame)
}

func (t *WSTransport) SendCandidate(ctx context.Context, init *webrtc.ICECandidateInit) error {
	frame, err := MarshalCandidate(init)
	if err != nil {
		return err
	}
	t.metrics.SignalingFrames.WithLabelValues("outbound", string(TypeICECandidate)).Inc()
	return t.write(ctx, frame)
}

func (t *WSTransport) Trickle() bool { return true }

func (t *WSTransport) Events() <-chan Event { return t.events }

// Close sends a close frame and tears the socket down. Inbound events stop
// once the read loop observes the closed connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.userClosed {
		t.mu.Unlock()
		return nil
	}
	t.userClosed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()

	return t.conn.Close()
}

func (t *WSTransport) write(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	if t.userClosed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("signaling write: %w", err)
	}
	return nil
}

func (t *WSTransport) readLoop() {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			return
		}

		msg, err := ParseServerMessage(raw)
		if err != nil {
			t.log.Warn().Err(err).Msg("discarding unparseable signaling frame")
			continue
		}

		switch m := msg.(type) {
		case Answer:
			t.metrics.SignalingFrames.WithLabelValues("inbound", string(TypeAnswer)).Inc()
			desc := m.Desc
			t.publish(Event{Answer: &desc})
		case Candidate:
			t.metrics.SignalingFrames.WithLabelValues("inbound", string(TypeICECandidate)).Inc()
			init := m.Init
			if init == nil {
				// End-of-candidates from the far side.
				init = &webrtc.ICECandidateInit{}
			}
			t.publish(Event{Candidate: init})
		case ServerError:
			t.metrics.SignalingFrames.WithLabelValues("inbound", string(TypeError)).Inc()
			t.publish(Event{Err: m})
		}
	}
}

// publish delivers an event in arrival order. The send blocks when the
// buffer is full so the read loop applies backpressure instead of losing
// answers or candidates. Only the read loop publishes and closes the
// channel, so the unlocked send cannot race the close.
func (t *WSTransport) publish(ev Event) {
	t.mu.Lock()
	closed := t.eventsClosed
	t.mu.Unlock()
	if closed {
		return
	}
	t.events <- ev
}

// shutdown closes the event channel exactly once. A read failure while the
// user has not called Close is surfaced as ErrTransportClosed so the
// controller can fail an in-flight call.
func (t *WSTransport) shutdown(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.eventsClosed {
		return
	}
	if !t.userClosed && cause != nil {
		select {
		case t.events <- Event{Err: ErrTransportClosed}:
		default:
		}
	}
	t.eventsClosed = true
	close(t.events)
}
