package journal

import (
	"path/filepath"
	"testing"
	"time"

	"parking-edge-sync/internal/models"
)

func op(id, status string, enqueued int64) models.QueuedOperation {
	return models.QueuedOperation{
		ID:         id,
		Kind:       models.KindUpdateSlotState,
		Payload:    models.SlotState{SlotID: "slot-" + id},
		Status:     status,
		MaxRetries: 3,
		EnqueuedAt: time.Unix(enqueued, 0).UTC(),
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Record(op("a", models.StatusPending, 2)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(op("b", models.StatusProcessing, 1)); err != nil {
		t.Fatalf("record: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ops, err := reopened.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(ops))
	}
	if ops[0].ID != "b" || ops[1].ID != "a" {
		t.Fatalf("expected enqueue order b,a got %s,%s", ops[0].ID, ops[1].ID)
	}
	// In-flight work from the dead process must become runnable again.
	if ops[0].Status != models.StatusPending {
		t.Fatalf("processing record not demoted: %s", ops[0].Status)
	}
	if _, ok := ops[0].Payload.(models.SlotState); !ok {
		t.Fatalf("payload type lost: %T", ops[0].Payload)
	}
}

func TestJournalRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Record(op("a", models.StatusCompleted, 1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := j.Remove("a"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if j.Len() != 0 {
		t.Fatalf("expected empty journal, got %d", j.Len())
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 0 {
		t.Fatal("removed entry resurfaced after reopen")
	}
}

func TestJournalRecordOverwritesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	first := op("a", models.StatusPending, 1)
	if err := j.Record(first); err != nil {
		t.Fatalf("record: %v", err)
	}
	first.Status = models.StatusFailed
	first.RetryCount = 3
	if err := j.Record(first); err != nil {
		t.Fatalf("record update: %v", err)
	}

	ops, err := j.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != models.StatusFailed || ops[0].RetryCount != 3 {
		t.Fatalf("expected updated failed record, got %+v", ops)
	}
}
