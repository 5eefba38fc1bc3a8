// Package history keeps a bounded edit history of call-context drafts so
// operators can undo and redo changes before a call starts.
package history

import "sync"

// History is a bounded sequence of immutable snapshots with a cursor.
// Pushing while the cursor is in the past discards the redo tail. When
// the sequence exceeds its depth the oldest snapshot is evicted.
type History struct {
	mu    sync.Mutex
	depth int
	snaps []map[string]string
	// cursor indexes the current snapshot; -1 means empty.
	cursor int
}

func New(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{depth: depth, cursor: -1}
}

// Push records a new snapshot and moves the cursor to it. The snapshot is
// copied; later mutation of the argument does not affect the history.
func (h *History) Push(snapshot map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snaps = append(h.snaps[:h.cursor+1], copySnapshot(snapshot))
	if len(h.snaps) > h.depth {
		h.snaps = h.snaps[len(h.snaps)-h.depth:]
	}
	h.cursor = len(h.snaps) - 1
}

// Undo moves the cursor one step back and returns that snapshot. It
// reports false when there is nothing earlier.
func (h *History) Undo() (map[string]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor <= 0 {
		return nil, false
	}
	h.cursor--
	return copySnapshot(h.snaps[h.cursor]), true
}

// Redo moves the cursor one step forward and returns that snapshot. It
// reports false when there is nothing newer.
func (h *History) Redo() (map[string]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 || h.cursor >= len(h.snaps)-1 {
		return nil, false
	}
	h.cursor++
	return copySnapshot(h.snaps[h.cursor]), true
}

// Current returns the snapshot at the cursor, or nil when empty.
func (h *History) Current() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 {
		return nil
	}
	return copySnapshot(h.snaps[h.cursor])
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0 && h.cursor < len(h.snaps)-1
}

func copySnapshot(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
