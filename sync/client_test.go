package sync

import (
	"path/filepath"
	"testing"

	"navigator/local"
	"navigator/models"
)

func setupClient(t *testing.T) (*Client, *local.Store) {
	t.Helper()
	store, err := local.Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker, err := NewChangeTracker(store, trackerConfig())
	if err != nil {
		t.Fatalf("tracker build failed: %v", err)
	}

	cfg := Config{Interval: DefaultInterval, BatchSize: DefaultBatchSize}
	rec := NewReconciler(store, tracker, &stubFetcher{})
	return NewClient(cfg, store, tracker, nil, rec, "device_test"), store
}

func TestEnqueueLocalAssignsContiguousSequences(t *testing.T) {
	client, store := setupClient(t)

	first, err := client.EnqueueLocal(models.EntityAddress, models.ActionCreate,
		map[string]any{"guid": "a1", "listVersion": int64(1), "index": int64(0)})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	second, err := client.EnqueueLocal(models.EntityAddress, models.ActionUpdate,
		map[string]any{"guid": "a1", "listVersion": int64(1), "index": int64(0), "status": "completed"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Errorf("sequences must be contiguous from 1: %d, %d", first.Sequence, second.Sequence)
	}
	if first.ID != "device_test:1" {
		t.Errorf("operation id should derive from device and sequence: %s", first.ID)
	}

	pending, _ := store.PendingCount()
	if pending != 2 {
		t.Errorf("both operations should be queued, got %d", pending)
	}
}

func TestEnqueueLocalTracksForEchoSuppression(t *testing.T) {
	client, _ := setupClient(t)
	payload := map[string]any{"guid": "a1", "listVersion": int64(1), "index": int64(0), "status": "completed"}

	if _, err := client.EnqueueLocal(models.EntityAddress, models.ActionUpdate, payload); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if !client.tracker.IsEcho("address", models.ScopeKey(1, 0), payload) {
		t.Error("a locally enqueued change should suppress its own echo")
	}
}

func TestApplyVerdictsAcksAndRemoves(t *testing.T) {
	client, store := setupClient(t)

	var ops []models.Operation
	payloads := []map[string]any{
		{"guid": "a1", "listVersion": int64(1), "index": int64(0)},
		{"guid": "a2", "listVersion": int64(1), "index": int64(1)},
		{"guid": "a3", "listVersion": int64(9), "index": int64(9)},
	}
	for _, p := range payloads {
		op, err := client.EnqueueLocal(models.EntityAddress, models.ActionCreate, p)
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		ops = append(ops, op)
	}

	// Hub verdicts: first applied, second a duplicate, third orphaned.
	result := models.ApplyOpsResult{
		OK: true,
		Results: []models.OperationResult{
			{OperationID: ops[0].ID, Status: models.OpStatusApplied},
			{OperationID: ops[1].ID, Status: models.OpStatusDuplicate},
			{OperationID: ops[2].ID, Status: models.OpStatusOrphaned},
		},
		Conflicts: []models.ConflictReport{
			{OperationID: ops[2].ID, Kind: string(models.ConflictDependencyViolation), Orphaned: true},
		},
	}
	client.applyVerdicts(ops, result)

	pending, _ := store.PendingCount()
	if pending != 0 {
		t.Errorf("all settled operations should leave the queue, %d remain", pending)
	}

	status := client.Status()
	if status.Conflicts != 1 {
		t.Errorf("conflict count should be recorded, got %d", status.Conflicts)
	}
}

func TestApplyVerdictsGapKeepsOpsQueued(t *testing.T) {
	client, store := setupClient(t)

	op1, _ := client.EnqueueLocal(models.EntityAddress, models.ActionCreate,
		map[string]any{"guid": "a1", "listVersion": int64(1), "index": int64(0)})
	op2, _ := client.EnqueueLocal(models.EntityAddress, models.ActionCreate,
		map[string]any{"guid": "a2", "listVersion": int64(1), "index": int64(1)})

	result := models.ApplyOpsResult{
		OK:           false,
		RetryAfterMs: 2000,
		Results: []models.OperationResult{
			{OperationID: op1.ID, Status: models.OpStatusGap},
			{OperationID: op2.ID, Status: models.OpStatusGap},
		},
	}
	client.applyVerdicts([]models.Operation{op1, op2}, result)

	pending, _ := store.PendingCount()
	if pending != 2 {
		t.Errorf("gap verdicts must keep operations queued for retry, got %d", pending)
	}
}
