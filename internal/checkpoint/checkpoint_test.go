package checkpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/plan"
)

func testSnapshot(p *plan.Plan, cursor int) *Snapshot {
	return &Snapshot{
		Plan: p,
		Sequence: []capability.Ref{
			capability.RefCoordinate,
			capability.RefFetchEmail,
			capability.RefExtractInvoice,
		},
		Cursor:  cursor,
		NextSeq: uint64(cursor * 2),
	}
}

func TestSaveAndLoad(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := plan.New("sess", "verify invoice")
	if err := store.Save(p.ID, testSnapshot(p, 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap, err := store.Load(p.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Cursor != 1 || snap.NextSeq != 2 {
		t.Errorf("unexpected snapshot state: cursor=%d next_seq=%d", snap.Cursor, snap.NextSeq)
	}
	if snap.SavedAt.IsZero() {
		t.Error("SavedAt not stamped")
	}
}

func TestLoadNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load("no-such-plan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSurvivesProcessRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	p := plan.New("sess", "crm sync")
	p.Status = plan.StatusRunning
	if err := store.Save(p.ID, testSnapshot(p, 2)); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same directory stands in for a new process.
	fresh, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := fresh.Load(p.ID)
	if err != nil {
		t.Fatalf("Load after restart failed: %v", err)
	}
	if snap.Plan.ID != p.ID || snap.Plan.Status != plan.StatusRunning {
		t.Errorf("restored plan %s/%s, want %s/running", snap.Plan.ID, snap.Plan.Status, p.ID)
	}
	if snap.Cursor != 2 {
		t.Errorf("restored cursor %d, want 2", snap.Cursor)
	}
	if len(snap.Sequence) != 3 {
		t.Errorf("restored sequence %v", snap.Sequence)
	}
}

func TestSaveOverwritesWholeSnapshot(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := plan.New("", "task")
	for cursor := 0; cursor <= 3; cursor++ {
		if err := store.Save(p.ID, testSnapshot(p, cursor)); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := store.Load(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Cursor != 3 {
		t.Errorf("cursor %d, want 3 (latest write wins)", snap.Cursor)
	}
}

func TestClear(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := plan.New("", "task")
	if err := store.Save(p.ID, testSnapshot(p, 0)); err != nil {
		t.Fatal(err)
	}
	if err := store.Clear(p.ID); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := store.Load(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Clear, got %v", err)
	}

	// Clearing twice is not an error.
	if err := store.Clear(p.ID); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestSweepClearsOnlyOldTerminalPlans(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	done := plan.New("", "finished a while ago")
	done.Status = plan.StatusCompleted
	if err := store.Save(done.ID, testSnapshot(done, 3)); err != nil {
		t.Fatal(err)
	}

	active := plan.New("", "still running")
	active.Status = plan.StatusRunning
	if err := store.Save(active.ID, testSnapshot(active, 1)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	cleared, err := store.Sweep(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != done.ID {
		t.Errorf("cleared %v, want [%s]", cleared, done.ID)
	}

	if _, err := store.Load(active.ID); err != nil {
		t.Errorf("running plan swept: %v", err)
	}
	if _, err := store.Load(done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected terminal plan cleared, got %v", err)
	}
}
