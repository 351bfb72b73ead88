package record

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteLog(t *testing.T) *SQLiteLog {
	t.Helper()
	log, err := NewSQLiteLog(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("NewSQLiteLog failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestSQLiteLogRoundTrip(t *testing.T) {
	log := newTestSQLiteLog(t)

	h := Header{PlanID: "p1", SessionID: "s1", Description: "track payment", CreatedAt: time.Now()}
	if err := log.Create(h); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	entries := []Entry{
		{Seq: 1, Type: EntryPlanCreated, Timestamp: time.Now()},
		{Seq: 2, Type: EntryStepCompleted, Capability: "track_payment", Content: "matched", DurationMs: 12, Timestamp: time.Now()},
	}
	for _, e := range entries {
		if err := log.Append("p1", e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, read, err := log.Read("p1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Description != "track payment" {
		t.Errorf("header %+v", got)
	}
	if len(read) != 2 || read[1].Content != "matched" || read[1].DurationMs != 12 {
		t.Errorf("entries %+v", read)
	}
}

func TestSQLiteLogList(t *testing.T) {
	log := newTestSQLiteLog(t)

	now := time.Now()
	log.Create(Header{PlanID: "old", CreatedAt: now.Add(-time.Hour)})
	log.Create(Header{PlanID: "new", CreatedAt: now})

	headers, err := log.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(headers) != 2 || headers[0].PlanID != "new" {
		t.Errorf("headers %+v", headers)
	}
}
