package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/journal"
	"github.com/voxlinkhq/voxlink/internal/observability"
	"github.com/voxlinkhq/voxlink/internal/platform"
	"github.com/voxlinkhq/voxlink/internal/redact"
	"github.com/voxlinkhq/voxlink/internal/rtc"
	"github.com/voxlinkhq/voxlink/internal/signaling"
)

var (
	ErrStartInFlight = errors.New("call start already in flight")
	ErrCallActive    = errors.New("a call is already active")
	ErrNoAccessToken = errors.New("no access token available")
	ErrNoWorkflow    = errors.New("workflow id is required")
)

// Backend is the slice of the platform API the runner needs.
type Backend interface {
	ValidateUserConfig(ctx context.Context) error
	ValidateWorkflow(ctx context.Context, workflowID string) error
	CreateWorkflowRun(ctx context.Context, workflowID string) (string, error)
}

// MicSource acquires a microphone track for the call.
type MicSource interface {
	Acquire() (webrtc.TrackLocal, func() error, error)
}

// TransportFactory builds the signaling transport for one workflow run.
type TransportFactory func(ctx context.Context, workflowID, workflowRunID string) (signaling.Transport, error)

// StartRequest describes one call attempt. WorkflowRunID may be empty, in
// which case a fresh run is created on the backend.
type StartRequest struct {
	WorkflowID    string            `json:"workflow_id"`
	WorkflowRunID string            `json:"workflow_run_id,omitempty"`
	CallContext   map[string]string `json:"call_context,omitempty"`
}

// StatusReport is the runner's external view, consumed by the control API.
type StatusReport struct {
	Status           rtc.Status                 `json:"status"`
	IsStarting       bool                       `json:"is_starting"`
	Completed        bool                       `json:"completed"`
	Error            string                     `json:"error,omitempty"`
	ValidationIssues []platform.ValidationIssue `json:"validation_issues,omitempty"`
	Session          *rtc.Snapshot              `json:"session,omitempty"`
}

// Runner sequences one call at a time: backend validation, microphone
// acquisition, transport setup and peer-connection negotiation. Every
// failure is converted to status plus message; nothing escapes to callers
// beyond the typed guard errors.
type Runner struct {
	backend       Backend
	mic           MicSource
	tokens        platform.TokenSource
	newTransport  TransportFactory
	transportName string
	store         journal.Store
	metrics       *observability.Metrics
	log           zerolog.Logger
	iceURLs       []string
	flushDelay    time.Duration

	mu               sync.Mutex
	isStarting       bool
	status           rtc.Status
	lastError        string
	validationIssues []platform.ValidationIssue
	controller       *rtc.Controller
	startedAt        time.Time
	entryID          string
}

func NewRunner(backend Backend, mic MicSource, tokens platform.TokenSource, newTransport TransportFactory, transportName string, store journal.Store, metrics *observability.Metrics, iceURLs []string, flushDelay time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		backend:       backend,
		mic:           mic,
		tokens:        tokens,
		newTransport:  newTransport,
		transportName: transportName,
		store:         store,
		metrics:       metrics,
		log:           log,
		iceURLs:       iceURLs,
		flushDelay:    flushDelay,
		status:        rtc.StatusIdle,
	}
}

// Start runs the call-start sequence. It is a guarded no-op while a prior
// start is still in flight, while a call is active, or without a token.
func (r *Runner) Start(ctx context.Context, req StartRequest) error {
	if req.WorkflowID == "" {
		return ErrNoWorkflow
	}
	if r.tokens.AccessToken() == "" {
		return ErrNoAccessToken
	}

	r.mu.Lock()
	if r.isStarting {
		r.mu.Unlock()
		return ErrStartInFlight
	}
	if r.controller != nil {
		switch r.controller.Status() {
		case rtc.StatusConnecting, rtc.StatusConnected:
			r.mu.Unlock()
			return ErrCallActive
		}
	}
	r.isStarting = true
	r.status = rtc.StatusConnecting
	r.lastError = ""
	r.validationIssues = nil
	r.startedAt = time.Now()
	r.mu.Unlock()

	err := r.start(ctx, req)
	r.mu.Lock()
	r.isStarting = false
	r.mu.Unlock()
	return err
}

func (r *Runner) start(ctx context.Context, req StartRequest) error {
	stageStart := time.Now()
	if err := r.backend.ValidateUserConfig(ctx); err != nil {
		r.failValidation(req.WorkflowID, "configuration", err)
		return err
	}
	r.metrics.ObserveSetupStage("validate_config", time.Since(stageStart))

	stageStart = time.Now()
	if err := r.backend.ValidateWorkflow(ctx, req.WorkflowID); err != nil {
		r.failValidation(req.WorkflowID, "workflow", err)
		return err
	}
	r.metrics.ObserveSetupStage("validate_workflow", time.Since(stageStart))

	runID := req.WorkflowRunID
	if runID == "" {
		stageStart = time.Now()
		var err error
		runID, err = r.backend.CreateWorkflowRun(ctx, req.WorkflowID)
		if err != nil {
			r.fail(req.WorkflowID, fmt.Sprintf("create workflow run: %v", err))
			return err
		}
		r.metrics.ObserveSetupStage("create_run", time.Since(stageStart))
	}

	stageStart = time.Now()
	track, stopTrack, err := r.mic.Acquire()
	if err != nil {
		r.metrics.ObserveSetupIndicator("mic_denied")
		r.fail(req.WorkflowID, fmt.Sprintf("microphone permission: %v", err))
		return err
	}
	r.metrics.ObserveSetupStage("mic_acquire", time.Since(stageStart))

	transport, err := r.newTransport(ctx, req.WorkflowID, runID)
	if err != nil {
		_ = stopTrack()
		r.fail(req.WorkflowID, fmt.Sprintf("signaling setup: %v", err))
		return err
	}

	controller := rtc.NewController(transport, r.iceURLs, r.flushDelay, r.log)
	controller.OnStatusChange(r.observeStatus)

	session := rtc.NewSession(req.WorkflowID, runID, req.CallContext)
	entryID := uuid.NewString()
	r.mu.Lock()
	r.controller = controller
	r.entryID = entryID
	r.mu.Unlock()
	if err := r.store.Record(ctx, journal.Entry{
		ID:               entryID,
		WorkflowID:       req.WorkflowID,
		WorkflowRunID:    runID,
		PeerConnectionID: session.PeerConnectionID,
		Transport:        r.transportName,
		StartedAt:        time.Now().UTC(),
	}); err != nil {
		r.log.Warn().Err(err).Msg("recording call journal entry failed")
	}

	stageStart = time.Now()
	if err := controller.Start(ctx, session, track, stopTrack); err != nil {
		// The controller already recorded the failure and its metrics.
		r.mu.Lock()
		r.status = rtc.StatusFailed
		r.lastError = fmt.Sprintf("negotiation: %v", err)
		r.mu.Unlock()
		return err
	}
	r.metrics.ObserveSetupStage("negotiation", time.Since(stageStart))

	r.log.Info().
		Str("workflow_id", req.WorkflowID).
		Str("workflow_run_id", runID).
		Str("pc_id", session.PeerConnectionID).
		Str("call_context", redact.Context(req.CallContext)).
		Msg("call starting")
	r.metrics.CallEvents.WithLabelValues("started").Inc()
	return nil
}

// Stop tears down the active call, if any, and resets to idle. In-flight
// validation requests are not aborted; media and transport stop now. Stops
// with no live call are no-ops and stay out of the counters.
func (r *Runner) Stop() {
	r.mu.Lock()
	controller := r.controller
	r.status = rtc.StatusIdle
	r.mu.Unlock()

	if controller == nil {
		return
	}
	status := controller.Status()
	active := status == rtc.StatusConnecting || status == rtc.StatusConnected
	controller.Stop()
	if active {
		r.metrics.CallEvents.WithLabelValues("stopped").Inc()
	}
}

func (r *Runner) Status() StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := StatusReport{
		Status:           r.status,
		IsStarting:       r.isStarting,
		Error:            r.lastError,
		ValidationIssues: r.validationIssues,
	}
	if r.controller != nil {
		snap := r.controller.Snapshot()
		report.Session = &snap
		report.Status = snap.Status
		report.Completed = snap.Completed
		if report.Error == "" {
			report.Error = snap.Error
		}
	}
	if r.isStarting && report.Status == rtc.StatusIdle {
		report.Status = rtc.StatusConnecting
	}
	return report
}

// observeStatus mirrors controller transitions into metrics and the
// runner-level status.
func (r *Runner) observeStatus(status rtc.Status) {
	r.mu.Lock()
	r.status = status
	startedAt := r.startedAt
	r.mu.Unlock()

	switch status {
	case rtc.StatusConnecting:
		r.metrics.ActiveCalls.Inc()
	case rtc.StatusConnected:
		r.metrics.CallEvents.WithLabelValues("connected").Inc()
		if !startedAt.IsZero() {
			r.metrics.ObserveConnectLatency(time.Since(startedAt))
		}
	case rtc.StatusFailed:
		r.metrics.CallEvents.WithLabelValues("failed").Inc()
		r.metrics.ActiveCalls.Dec()
		r.finishEntry(journal.OutcomeFailed)
	case rtc.StatusIdle:
		r.metrics.CallEvents.WithLabelValues("completed").Inc()
		r.metrics.ActiveCalls.Dec()
		r.finishEntry(journal.OutcomeCompleted)
	}
}

func (r *Runner) finishEntry(outcome journal.Outcome) {
	r.mu.Lock()
	entryID := r.entryID
	r.entryID = ""
	errMsg := r.lastError
	controller := r.controller
	r.mu.Unlock()
	if entryID == "" {
		return
	}
	if errMsg == "" && controller != nil {
		errMsg = controller.ErrorMessage()
	}
	if outcome == journal.OutcomeCompleted {
		errMsg = ""
	}
	if err := r.store.Finish(context.Background(), entryID, outcome, errMsg, time.Now().UTC()); err != nil {
		r.log.Warn().Err(err).Msg("finishing call journal entry failed")
	}
}

func (r *Runner) failValidation(workflowID, scope string, err error) {
	var verr *platform.ValidationError
	if errors.As(err, &verr) {
		r.mu.Lock()
		r.status = rtc.StatusFailed
		r.lastError = verr.Error()
		r.validationIssues = verr.Issues
		r.mu.Unlock()
		r.metrics.ValidationErrors.WithLabelValues(scope).Inc()
		r.metrics.ObserveSetupIndicator("validation_rejected")
		r.log.Warn().Str("scope", scope).Str("errors", verr.Error()).Msg("validation rejected")
		r.recordAbortedAttempt(workflowID, verr.Error())
		return
	}
	r.fail(workflowID, fmt.Sprintf("%s validation: %v", scope, err))
}

func (r *Runner) fail(workflowID, msg string) {
	r.mu.Lock()
	r.status = rtc.StatusFailed
	r.lastError = msg
	r.mu.Unlock()
	r.metrics.CallEvents.WithLabelValues("failed").Inc()
	r.log.Error().Str("reason", msg).Msg("call start failed")
	r.recordAbortedAttempt(workflowID, msg)
}

// recordAbortedAttempt journals attempts that failed before negotiation ever
// produced a session.
func (r *Runner) recordAbortedAttempt(workflowID, msg string) {
	now := time.Now().UTC()
	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()
	if startedAt.IsZero() {
		startedAt = now
	}
	if err := r.store.Record(context.Background(), journal.Entry{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Transport:  r.transportName,
		Outcome:    journal.OutcomeFailed,
		Error:      msg,
		StartedAt:  startedAt.UTC(),
		EndedAt:    now,
	}); err != nil {
		r.log.Warn().Err(err).Msg("recording aborted call attempt failed")
	}
}
