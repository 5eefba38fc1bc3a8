package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRecordAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Record(ctx, Entry{
			ID:         fmt.Sprintf("e%d", i),
			WorkflowID: "wf-1",
			Transport:  "websocket",
			StartedAt:  time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() = %d entries, want 2", len(recent))
	}
	if recent[0].ID != "e2" || recent[1].ID != "e1" {
		t.Fatalf("Recent() order = %q, %q, want newest first", recent[0].ID, recent[1].ID)
	}
}

func TestFinishUpdatesEntry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if err := s.Record(ctx, Entry{ID: "e1", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	ended := time.Now().UTC()
	if err := s.Finish(ctx, "e1", OutcomeFailed, "ice connection failed", ended); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	recent, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	e := recent[0]
	if e.Outcome != OutcomeFailed || e.Error != "ice connection failed" {
		t.Fatalf("entry = %+v", e)
	}
	if !e.EndedAt.Equal(ended) {
		t.Fatalf("EndedAt = %v, want %v", e.EndedAt, ended)
	}
}

func TestFinishUnknownEntry(t *testing.T) {
	s := NewInMemoryStore()
	err := s.Finish(context.Background(), "ghost", OutcomeCompleted, "", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Finish() error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreIsBounded(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < maxInMemoryEntries+10; i++ {
		if err := s.Record(ctx, Entry{ID: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	recent, err := s.Recent(ctx, maxInMemoryEntries*2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != maxInMemoryEntries {
		t.Fatalf("entries = %d, want bound %d", len(recent), maxInMemoryEntries)
	}
	if recent[len(recent)-1].ID != "e10" {
		t.Fatalf("oldest entry = %q, want e10", recent[len(recent)-1].ID)
	}
}
