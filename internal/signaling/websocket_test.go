package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/platform"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func dialTestTransport(t *testing.T, handler func(*websocket.Conn)) *WSTransport {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := DialWebSocket(context.Background(), wsURL, "wf-1", "run-1", platform.StaticToken("tok"), testMetrics(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestWSTransportOfferAndTrickle(t *testing.T) {
	frames := make(chan Envelope, 8)
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			frames <- env
			if env.Type == TypeOffer {
				answer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0...answer..."})
				_ = conn.WriteJSON(Envelope{Type: TypeAnswer, Payload: answer})
			}
		}
	})

	if !tr.Trickle() {
		t.Fatalf("Trickle() = false, want true")
	}

	ctx := context.Background()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0...offer..."}
	if err := tr.SendOffer(ctx, OfferRequest{Desc: offer}); err != nil {
		t.Fatalf("SendOffer() error = %v", err)
	}
	if err := tr.SendCandidate(ctx, &webrtc.ICECandidateInit{Candidate: "candidate:1"}); err != nil {
		t.Fatalf("SendCandidate() error = %v", err)
	}
	if err := tr.SendCandidate(ctx, nil); err != nil {
		t.Fatalf("SendCandidate(nil) error = %v", err)
	}

	want := []MessageType{TypeOffer, TypeICECandidate, TypeICECandidate}
	for i, wt := range want {
		select {
		case env := <-frames:
			if env.Type != wt {
				t.Fatalf("frame %d type = %q, want %q", i, env.Type, wt)
			}
			if i == 2 && string(env.Payload) != "null" {
				t.Fatalf("sentinel payload = %s, want null", env.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}

	select {
	case ev := <-tr.Events():
		if ev.Answer == nil || ev.Answer.SDP != "v=0...answer..." {
			t.Fatalf("event = %+v, want answer", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for answer event")
	}
}

func TestWSTransportInboundCandidates(t *testing.T) {
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		defer conn.Close()
		cand, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:remote"})
		_ = conn.WriteJSON(Envelope{Type: TypeICECandidate, Payload: cand})
		_ = conn.WriteJSON(Envelope{Type: TypeICECandidate, Payload: json.RawMessage("null")})
		// Hold the socket open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ev := <-tr.Events()
	if ev.Candidate == nil || ev.Candidate.Candidate != "candidate:remote" {
		t.Fatalf("first event = %+v, want remote candidate", ev)
	}
	ev = <-tr.Events()
	if ev.Candidate == nil || ev.Candidate.Candidate != "" {
		t.Fatalf("second event = %+v, want end-of-candidates", ev)
	}
}

func TestWSTransportServerErrorEvent(t *testing.T) {
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		defer conn.Close()
		payload, _ := json.Marshal(ServerError{Code: "unauthorized", Message: "bad token"})
		_ = conn.WriteJSON(Envelope{Type: TypeError, Payload: payload})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ev := <-tr.Events()
	if ev.Err == nil {
		t.Fatalf("event = %+v, want error", ev)
	}
	var se ServerError
	if !asServerError(ev.Err, &se) || se.Code != "unauthorized" {
		t.Fatalf("err = %v, want unauthorized ServerError", ev.Err)
	}
}

func TestWSTransportUnexpectedCloseIsFailure(t *testing.T) {
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		// Drop the socket with no close handshake.
		_ = conn.Close()
	})

	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatalf("events closed without a failure event")
		}
		if ev.Err == nil {
			t.Fatalf("event = %+v, want transport error", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for failure event")
	}

	// Channel closes after the failure event.
	if _, ok := <-tr.Events(); ok {
		t.Fatalf("expected events channel to be closed")
	}
}

func TestWSTransportUserCloseIsQuiet(t *testing.T) {
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case ev, ok := <-tr.Events():
		if ok && ev.Err != nil {
			t.Fatalf("unexpected failure event after user close: %v", ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for events channel to close")
	}
}

func TestWSTransportSlowConsumerLosesNothing(t *testing.T) {
	const burst = 40 // larger than the event buffer
	tr := dialTestTransport(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for i := 0; i < burst; i++ {
			cand, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d", i)})
			if err := conn.WriteJSON(Envelope{Type: TypeICECandidate, Payload: cand}); err != nil {
				return
			}
		}
		answer, _ := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0...answer..."})
		_ = conn.WriteJSON(Envelope{Type: TypeAnswer, Payload: answer})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	// Let the read loop fill the buffer and block before anyone consumes.
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < burst; i++ {
		select {
		case ev := <-tr.Events():
			want := fmt.Sprintf("candidate:%d", i)
			if ev.Candidate == nil || ev.Candidate.Candidate != want {
				t.Fatalf("event %d = %+v, want candidate %q", i, ev, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for candidate %d", i)
		}
	}

	select {
	case ev := <-tr.Events():
		if ev.Answer == nil || ev.Answer.SDP != "v=0...answer..." {
			t.Fatalf("final event = %+v, want answer", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for answer after burst")
	}
}

func asServerError(err error, out *ServerError) bool {
	se, ok := err.(ServerError)
	if ok {
		*out = se
	}
	return ok
}
