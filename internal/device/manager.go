package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrUnknownDevice = errors.New("unknown audio input device")

// Info describes one enumerated audio input device. Labels are empty until
// microphone permission has been granted; such entries must not be selected.
type Info struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (d Info) Selectable() bool { return d.Label != "" }

// Backend enumerates audio inputs and opens microphone tracks. The
// mediadevices implementation is the production backend; tests and headless
// environments use the mock.
type Backend interface {
	// Enumerate lists the currently visible audio input devices.
	Enumerate() ([]Info, error)

	// OpenTrack acquires a microphone track. An empty deviceID selects the
	// system default. The returned stop function releases the capture.
	OpenTrack(deviceID string) (webrtc.TrackLocal, func() error, error)
}

// Manager holds the current device snapshot and selection. The snapshot is
// replaced wholesale on every successful refresh.
type Manager struct {
	backend Backend
	log     zerolog.Logger

	mu            sync.RWMutex
	devices       []Info
	selectedID    string
	permissionErr string
}

func NewManager(backend Backend, log zerolog.Logger) *Manager {
	return &Manager{backend: backend, log: log}
}

// Refresh re-enumerates audio inputs. On failure the previous snapshot is
// kept and a permission error is recorded; the caller must re-invoke.
func (m *Manager) Refresh() error {
	devices, err := m.backend.Enumerate()
	if err != nil {
		m.mu.Lock()
		m.permissionErr = fmt.Sprintf("microphone access unavailable: %v", err)
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("device enumeration failed")
		return err
	}

	m.mu.Lock()
	m.devices = devices
	m.permissionErr = ""
	if m.selectedID != "" && !contains(devices, m.selectedID) {
		// Selected device went away; fall back to the system default.
		m.selectedID = ""
	}
	m.mu.Unlock()
	return nil
}

// Devices returns the current snapshot.
func (m *Manager) Devices() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, len(m.devices))
	copy(out, m.devices)
	return out
}

// Select picks a device from the current snapshot. Devices without labels
// are not selectable. An empty id resets to the system default.
func (m *Manager) Select(id string) error {
	if id == "" {
		m.mu.Lock()
		m.selectedID = ""
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			if !d.Selectable() {
				return fmt.Errorf("%w: %s has no label (permission not granted)", ErrUnknownDevice, id)
			}
			m.selectedID = id
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

// Selected returns the selected device id, empty for the system default.
func (m *Manager) Selected() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectedID
}

// PermissionError returns the last enumeration failure message, empty when
// the last refresh succeeded.
func (m *Manager) PermissionError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permissionErr
}

// Acquire opens a microphone track honoring the current selection, falling
// back to the system default when the selected device has gone away.
func (m *Manager) Acquire() (webrtc.TrackLocal, func() error, error) {
	m.mu.RLock()
	selected := m.selectedID
	m.mu.RUnlock()

	track, stop, err := m.backend.OpenTrack(selected)
	if err != nil && selected != "" {
		m.log.Warn().Err(err).Str("device", selected).Msg("selected device unavailable, falling back to default")
		track, stop, err = m.backend.OpenTrack("")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("acquire microphone: %w", err)
	}
	return track, stop, nil
}

func contains(devices []Info, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
