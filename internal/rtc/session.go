package rtc

import (
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Status is the connection state of one realtime session. Transitions only
// move forward except the reset to idle on stop or graceful disconnect.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
)

// Session identifies one attempt to establish a realtime audio session for
// a (workflow, workflow run) pair. It lives exactly as long as the call.
type Session struct {
	PeerConnectionID string
	WorkflowID       string
	WorkflowRunID    string

	// CallContext holds template variables supplied at call start. It is
	// copied on creation and never mutated once negotiation begins.
	CallContext map[string]string
}

func NewSession(workflowID, workflowRunID string, callContext map[string]string) Session {
	ctxCopy := make(map[string]string, len(callContext))
	for k, v := range callContext {
		ctxCopy[k] = v
	}
	return Session{
		PeerConnectionID: uuid.NewString(),
		WorkflowID:       workflowID,
		WorkflowRunID:    workflowRunID,
		CallContext:      ctxCopy,
	}
}

// Snapshot is a point-in-time view of the controller for status surfaces.
type Snapshot struct {
	PeerConnectionID string `json:"pc_id,omitempty"`
	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowRunID    string `json:"workflow_run_id,omitempty"`
	Status           Status `json:"status"`
	Completed        bool   `json:"completed"`
	LocalCandidates  int    `json:"local_candidates"`
	RemoteCandidates int    `json:"remote_candidates"`
	Error            string `json:"error,omitempty"`
}

func iceServers(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}
