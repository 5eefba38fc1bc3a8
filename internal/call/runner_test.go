package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/voxlinkhq/voxlink/internal/journal"
	"github.com/voxlinkhq/voxlink/internal/observability"
	"github.com/voxlinkhq/voxlink/internal/platform"
	"github.com/voxlinkhq/voxlink/internal/rtc"
	"github.com/voxlinkhq/voxlink/internal/signaling"
)

type fakeBackend struct {
	mu               sync.Mutex
	userConfigErr    error
	workflowErr      error
	runID            string
	userConfigCalls  int
	workflowCalls    int
	createRunCalls   int
	blockUserConfig  chan struct{}
	userConfigNotify chan struct{}
}

func (b *fakeBackend) ValidateUserConfig(_ context.Context) error {
	b.mu.Lock()
	b.userConfigCalls++
	block := b.blockUserConfig
	notify := b.userConfigNotify
	err := b.userConfigErr
	b.mu.Unlock()
	if notify != nil {
		close(notify)
		b.mu.Lock()
		b.userConfigNotify = nil
		b.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	return err
}

func (b *fakeBackend) ValidateWorkflow(_ context.Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workflowCalls++
	return b.workflowErr
}

func (b *fakeBackend) CreateWorkflowRun(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createRunCalls++
	if b.runID == "" {
		return "run-1", nil
	}
	return b.runID, nil
}

type fakeMic struct {
	mu       sync.Mutex
	err      error
	acquired int
	stopped  int
}

func (m *fakeMic) Acquire() (webrtc.TrackLocal, func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, nil, m.err
	}
	m.acquired++
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "fake-mic",
	)
	if err != nil {
		return nil, nil, err
	}
	return track, func() error {
		m.mu.Lock()
		m.stopped++
		m.mu.Unlock()
		return nil
	}, nil
}

func (m *fakeMic) acquireCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired
}

// stubTransport answers every offer with a real SDP from an in-process peer
// connection, simulating the backend media server. With fail set it reports
// a transport breakdown instead of answering.
type stubTransport struct {
	t    *testing.T
	fail bool

	mu     sync.Mutex
	closed bool
	events chan signaling.Event
}

func newStubTransport(t *testing.T) *stubTransport {
	return &stubTransport{t: t, events: make(chan signaling.Event, 16)}
}

func (s *stubTransport) SendOffer(_ context.Context, req signaling.OfferRequest) error {
	if s.fail {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed {
			s.events <- signaling.Event{Err: signaling.ErrTransportClosed}
		}
		return nil
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	s.t.Cleanup(func() { _ = pc.Close() })
	if err := pc.SetRemoteDescription(req.Desc); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	<-gathered
	desc := *pc.LocalDescription()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- signaling.Event{Answer: &desc}
	}
	return nil
}

func (s *stubTransport) SendCandidate(_ context.Context, _ *webrtc.ICECandidateInit) error {
	return nil
}

func (s *stubTransport) Trickle() bool { return true }

func (s *stubTransport) Events() <-chan signaling.Event { return s.events }

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type runnerFixture struct {
	runner     *Runner
	backend    *fakeBackend
	mic        *fakeMic
	store      *journal.InMemoryStore
	metrics    *observability.Metrics
	transports *int
	signalFail bool
}

func newRunnerFixture(t *testing.T, backend *fakeBackend, mic *fakeMic, token string) *runnerFixture {
	t.Helper()
	store := journal.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("voxlink_test_%d", time.Now().UnixNano()))
	transports := 0
	fx := &runnerFixture{backend: backend, mic: mic, store: store, metrics: metrics, transports: &transports}
	factory := func(_ context.Context, _, _ string) (signaling.Transport, error) {
		transports++
		st := newStubTransport(t)
		st.fail = fx.signalFail
		return st, nil
	}
	fx.runner = NewRunner(backend, mic, platform.StaticToken(token), factory, "websocket", store, metrics, nil, 20*time.Millisecond, zerolog.Nop())
	return fx
}

func waitForRunnerStatus(t *testing.T, r *Runner, want rtc.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Status().Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %q, want %q", r.Status().Status, want)
}

func TestStartWithoutTokenIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "")

	err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"})
	if !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("Start() error = %v, want ErrNoAccessToken", err)
	}
	if backend.userConfigCalls != 0 {
		t.Fatalf("backend should not be called without a token")
	}
}

func TestStartGuardWhileInFlight(t *testing.T) {
	backend := &fakeBackend{
		blockUserConfig:  make(chan struct{}),
		userConfigNotify: make(chan struct{}),
	}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"})
	}()
	<-backend.userConfigNotify

	err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"})
	if !errors.Is(err, ErrStartInFlight) {
		t.Fatalf("second Start() error = %v, want ErrStartInFlight", err)
	}
	if *fx.transports > 1 {
		t.Fatalf("transports created = %d, want at most 1", *fx.transports)
	}

	close(backend.blockUserConfig)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	fx.runner.Stop()
}

func TestValidationErrorsSurfacePerModel(t *testing.T) {
	backend := &fakeBackend{
		userConfigErr: &platform.ValidationError{
			Scope:  "configuration",
			Issues: []platform.ValidationIssue{{Model: "tts", Message: "missing key"}},
		},
	}
	mic := &fakeMic{}
	fx := newRunnerFixture(t, backend, mic, "tok")

	err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"})
	if err == nil {
		t.Fatalf("Start() expected validation error")
	}

	report := fx.runner.Status()
	if report.Status != rtc.StatusFailed {
		t.Fatalf("status = %q, want failed", report.Status)
	}
	if report.Error != "tts: missing key" {
		t.Fatalf("error = %q, want %q", report.Error, "tts: missing key")
	}
	if len(report.ValidationIssues) != 1 {
		t.Fatalf("issues = %+v", report.ValidationIssues)
	}
	if mic.acquireCount() != 0 {
		t.Fatalf("media must not be acquired after validation rejection")
	}
	if report.IsStarting {
		t.Fatalf("isStarting must clear so a retry is possible")
	}
}

func TestWorkflowValidationAbortsBeforeMedia(t *testing.T) {
	backend := &fakeBackend{
		workflowErr: &platform.ValidationError{
			Scope:  "workflow",
			Issues: []platform.ValidationIssue{{Kind: "start_node", Message: "missing entry point"}},
		},
	}
	mic := &fakeMic{}
	fx := newRunnerFixture(t, backend, mic, "tok")

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err == nil {
		t.Fatalf("Start() expected validation error")
	}
	if mic.acquireCount() != 0 {
		t.Fatalf("media must not be acquired after workflow rejection")
	}
	if *fx.transports != 0 {
		t.Fatalf("no transport should be created, got %d", *fx.transports)
	}
}

func TestMicPermissionDeniedFailsStart(t *testing.T) {
	backend := &fakeBackend{}
	mic := &fakeMic{err: errors.New("permission denied")}
	fx := newRunnerFixture(t, backend, mic, "tok")

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err == nil {
		t.Fatalf("Start() expected error")
	}
	report := fx.runner.Status()
	if report.Status != rtc.StatusFailed {
		t.Fatalf("status = %q, want failed", report.Status)
	}
	if report.Error == "" {
		t.Fatalf("permission error message should surface")
	}
}

func TestStartConnectsAndStopCompletes(t *testing.T) {
	backend := &fakeBackend{}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")

	err := fx.runner.Start(context.Background(), StartRequest{
		WorkflowID:  "wf-1",
		CallContext: map[string]string{"lead_name": "Grace"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForRunnerStatus(t, fx.runner, rtc.StatusConnected)

	if backend.createRunCalls != 1 {
		t.Fatalf("CreateWorkflowRun calls = %d, want 1", backend.createRunCalls)
	}

	entries, err := fx.store.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 || entries[0].WorkflowRunID != "run-1" {
		t.Fatalf("journal entries = %+v", entries)
	}
	if entries[0].Outcome != "" {
		t.Fatalf("active call should have no outcome yet: %+v", entries[0])
	}

	fx.runner.Stop()
	waitForRunnerStatus(t, fx.runner, rtc.StatusIdle)

	report := fx.runner.Status()
	if !report.Completed {
		t.Fatalf("Completed = false after stop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err = fx.store.Recent(context.Background(), 5)
		if err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		if entries[0].Outcome == journal.OutcomeCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal entry never finished: %+v", entries[0])
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSecondStartWhileActiveIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForRunnerStatus(t, fx.runner, rtc.StatusConnected)

	err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"})
	if !errors.Is(err, ErrCallActive) {
		t.Fatalf("second Start() error = %v, want ErrCallActive", err)
	}
	if *fx.transports != 1 {
		t.Fatalf("transports created = %d, want 1", *fx.transports)
	}

	fx.runner.Stop()
}

func TestRetryAfterFailure(t *testing.T) {
	backend := &fakeBackend{userConfigErr: errors.New("backend down")}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err == nil {
		t.Fatalf("Start() expected error")
	}

	backend.mu.Lock()
	backend.userConfigErr = nil
	backend.mu.Unlock()

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("retry Start() error = %v", err)
	}
	waitForRunnerStatus(t, fx.runner, rtc.StatusConnected)
	fx.runner.Stop()
}

func TestStopAfterFailureLeavesMetricsSettled(t *testing.T) {
	backend := &fakeBackend{}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")
	fx.signalFail = true

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForRunnerStatus(t, fx.runner, rtc.StatusFailed)

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("failed")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("failed events = %v, want 1", testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("failed")))
		}
		time.Sleep(10 * time.Millisecond)
	}

	fx.runner.Stop()

	if got := testutil.ToFloat64(fx.metrics.ActiveCalls); got != 0 {
		t.Fatalf("ActiveCalls = %v, want 0", got)
	}
	if got := testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("completed")); got != 0 {
		t.Fatalf("completed events = %v, want 0", got)
	}
	if got := testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped events = %v, want 0", got)
	}
}

func TestStopWithoutCallDoesNotCount(t *testing.T) {
	backend := &fakeBackend{}
	fx := newRunnerFixture(t, backend, &fakeMic{}, "tok")

	fx.runner.Stop()
	if got := testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped events after idle stop = %v, want 0", got)
	}

	if err := fx.runner.Start(context.Background(), StartRequest{WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForRunnerStatus(t, fx.runner, rtc.StatusConnected)
	fx.runner.Stop()

	if got := testutil.ToFloat64(fx.metrics.CallEvents.WithLabelValues("stopped")); got != 1 {
		t.Fatalf("stopped events = %v, want 1", got)
	}
}
