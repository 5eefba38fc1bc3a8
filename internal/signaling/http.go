package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/observability"
	"github.com/voxlinkhq/voxlink/internal/platform"
)

const offerPath = "/api/v1/pipecat/rtc/offer"

// HTTPTransport negotiates with a single offer/answer round trip. The offer
// must carry the complete candidate set, so callers wait for ICE gathering
// to finish before SendOffer. There is deliberately no client-side timeout;
// cancellation comes from the request context.
type HTTPTransport struct {
	baseURL string
	tokens  platform.TokenSource
	client  *http.Client
	metrics *observability.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

func NewHTTPTransport(baseURL string, tokens platform.TokenSource, metrics *observability.Metrics, log zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:  tokens,
		client:  &http.Client{},
		metrics: metrics,
		log:     log,
		events:  make(chan Event, 4),
	}
}

type offerBody struct {
	SDP              string            `json:"sdp"`
	Type             string            `json:"type"`
	PeerConnectionID string            `json:"pc_id"`
	RestartPC        bool              `json:"restart_pc"`
	WorkflowID       string            `json:"workflow_id"`
	WorkflowRunID    string            `json:"workflow_run_id"`
	CallContextVars  map[string]string `json:"call_context_vars"`
}

type answerBody struct {
	SDP string `json:"sdp"`
}

func (t *HTTPTransport) SendOffer(ctx context.Context, req OfferRequest) error {
	body := offerBody{
		SDP:              req.Desc.SDP,
		Type:             "offer",
		PeerConnectionID: req.PeerConnectionID,
		RestartPC:        req.RestartPC,
		WorkflowID:       req.WorkflowID,
		WorkflowRunID:    req.WorkflowRunID,
		CallContextVars:  req.CallContext,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+offerPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create offer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := t.tokens.AccessToken(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	t.metrics.SignalingFrames.WithLabelValues("outbound", string(TypeOffer)).Inc()
	res, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("offer rejected: status %d: %s", res.StatusCode, string(msg))
	}

	var answer answerBody
	if err := json.NewDecoder(res.Body).Decode(&answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if answer.SDP == "" {
		return fmt.Errorf("decode answer: empty sdp")
	}

	t.log.Debug().Str("pc_id", req.PeerConnectionID).Msg("offer answered")
	t.metrics.SignalingFrames.WithLabelValues("inbound", string(TypeAnswer)).Inc()
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if !t.publish(Event{Answer: &desc}) {
		return ErrTransportClosed
	}
	return nil
}

func (t *HTTPTransport) publish(ev Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.events <- ev
	return true
}

// SendCandidate is a no-op: the HTTP strategy ships all candidates inside
// the offer SDP.
func (t *HTTPTransport) SendCandidate(_ context.Context, _ *webrtc.ICECandidateInit) error {
	return nil
}

func (t *HTTPTransport) Trickle() bool { return false }

func (t *HTTPTransport) Events() <-chan Event { return t.events }

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}
