package device

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MockBackend is a scriptable Backend for tests and headless environments
// where no capture hardware is present. It serves a silent opus track.
type MockBackend struct {
	mu           sync.Mutex
	devices      []Info
	enumerateErr error
	openErr      error
	openCount    int
	lastDeviceID string
}

func NewMockBackend(devices ...Info) *MockBackend {
	if len(devices) == 0 {
		devices = []Info{{ID: "default", Label: "Mock Microphone"}}
	}
	return &MockBackend{devices: devices}
}

func (b *MockBackend) SetDevices(devices []Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

func (b *MockBackend) FailEnumerate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enumerateErr = err
}

func (b *MockBackend) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

func (b *MockBackend) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCount
}

func (b *MockBackend) LastDeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDeviceID
}

func (b *MockBackend) Enumerate() ([]Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enumerateErr != nil {
		return nil, b.enumerateErr
	}
	out := make([]Info, len(b.devices))
	copy(out, b.devices)
	return out, nil
}

func (b *MockBackend) OpenTrack(deviceID string) (webrtc.TrackLocal, func() error, error) {
	b.mu.Lock()
	b.openCount++
	b.lastDeviceID = deviceID
	err := b.openErr
	b.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}
	track, trackErr := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "voxlink-mock-mic",
	)
	if trackErr != nil {
		return nil, nil, trackErr
	}
	return track, func() error { return nil }, nil
}

var ErrPermissionDenied = errors.New("permission denied")
