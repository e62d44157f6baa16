package models

import (
	"testing"
	"time"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()
	if err := InitTestDB(""); err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	return func() { CloseDB() }
}

func wireOp(t *testing.T, deviceID string, seq int64, entity EntityKind, action ActionKind, authoredAt time.Time, payload map[string]any) WireOperation {
	t.Helper()
	op := NewOperation(deviceID, seq, entity, action, payload)
	op.CreatedAt = authoredAt
	w, err := op.ToWire("")
	if err != nil {
		t.Fatalf("failed to build wire op: %v", err)
	}
	return w
}

func addressPayload(lv, idx int64, extra map[string]any) map[string]any {
	p := map[string]any{
		"guid":        "addr-guid",
		"listVersion": lv,
		"index":       idx,
		"fullAddress": "12 Harbor Lane",
		"status":      AddressStatusPending,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func TestApplyCreateAndIdempotentResubmit(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)
	batch := []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
	}

	result, err := ApplyOperations(user, batch)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !result.OK || result.Applied != 1 {
		t.Fatalf("expected one applied op, got %+v", result)
	}

	addr, err := GetAddressByScope(user, 1, 0)
	if err != nil || addr == nil {
		t.Fatalf("address not created: %v", err)
	}
	if addr.FullAddress != "12 Harbor Lane" {
		t.Errorf("unexpected address: %+v", addr)
	}

	// The same batch again, as after a dropped response: nothing reapplies.
	again, err := ApplyOperations(user, batch)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if again.Applied != 0 || again.Duplicates != 1 {
		t.Fatalf("resubmit should be pure duplicates, got %+v", again)
	}

	addrs, err := ListAddresses(user, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(addrs) != 1 {
		t.Errorf("duplicate apply created extra rows: %d", len(addrs))
	}
}

func TestApplyDisjointUpdateMergesWithoutConflict(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
	})
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	// A different device updates a field the server hasn't touched since.
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_b", 1, EntityAddress, ActionUpdate, t0.Add(time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "timeSlot": "pm",
		}),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Errorf("disjoint update should not surface a conflict: %+v", result.Conflicts)
	}
	if result.Applied != 1 {
		t.Errorf("disjoint update should apply: %+v", result)
	}

	addr, _ := GetAddressByScope(user, 1, 0)
	if addr == nil || !addr.TimeSlot.Valid || addr.TimeSlot.String != "pm" {
		t.Errorf("merged field missing: %+v", addr)
	}
	if addr.Status != AddressStatusPending {
		t.Errorf("untouched field should survive: %+v", addr)
	}
}

func TestApplyContestedFieldLastWriteWins(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
		wireOp(t, "device_a", 2, EntityAddress, ActionUpdate, t0.Add(10*time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "status": AddressStatusCompleted,
		}),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Device B changed the same field earlier (it was offline and pushes
	// late). The newer server-side write must win, and B must be told.
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_b", 1, EntityAddress, ActionUpdate, t0.Add(5*time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "status": AddressStatusSkipped,
		}),
	})
	if err != nil {
		t.Fatalf("conflicting update failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict report, got %+v", result)
	}
	conf := result.Conflicts[0]
	if conf.Kind != string(ConflictLastWriteWins) {
		t.Errorf("expected last-write-wins, got %s", conf.Kind)
	}
	if conf.WinnerDeviceID != "device_a" {
		t.Errorf("newer write should win, got winner %s", conf.WinnerDeviceID)
	}

	addr, _ := GetAddressByScope(user, 1, 0)
	if addr.Status != AddressStatusCompleted {
		t.Errorf("older write must not clobber newer state: %s", addr.Status)
	}

	audits, err := ListConflictAudits(user, 10)
	if err != nil {
		t.Fatalf("audit list failed: %v", err)
	}
	if len(audits) == 0 {
		t.Error("conflict should leave an audit record")
	}
}

func TestApplyUpdateToMissingEntityOrphans(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionUpdate, time.Now().UTC(), map[string]any{
			"listVersion": int64(9), "index": int64(3), "status": AddressStatusCompleted,
		}),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].Status != OpStatusOrphaned {
		t.Fatalf("update against missing state should orphan: %+v", result.Results)
	}
	if len(result.Conflicts) != 1 || !result.Conflicts[0].Orphaned {
		t.Fatalf("orphan must be reported, never silently dropped: %+v", result.Conflicts)
	}
	if result.Conflicts[0].Kind != string(ConflictDependencyViolation) {
		t.Errorf("expected dependency violation, got %s", result.Conflicts[0].Kind)
	}

	// Missing scoping key orphans the same way.
	result, err = ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionUpdate, time.Now().UTC(), map[string]any{
			"status": AddressStatusCompleted,
		}),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Results[0].Status != OpStatusOrphaned {
		t.Errorf("unresolvable scoping key should orphan: %+v", result.Results)
	}
}

func TestApplyQuarantinesImplausibleSequence(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_x", 2_000_000, EntityAddress, ActionCreate, time.Now().UTC(), addressPayload(1, 0, nil)),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Results[0].Status != OpStatusQuarantined {
		t.Fatalf("implausible sequence should quarantine: %+v", result.Results)
	}

	count, err := CountSequenceAnomalies(user)
	if err != nil {
		t.Fatalf("anomaly count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one recorded anomaly, got %d", count)
	}

	if addr, _ := GetAddressByScope(user, 1, 0); addr != nil {
		t.Error("quarantined op must not be applied")
	}
}

func TestApplyRejectsFarFutureTimestamp(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	result, err := ApplyOperations("user-1", []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate,
			time.Now().UTC().Add(48*time.Hour), addressPayload(1, 0, nil)),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.Results[0].Status != OpStatusRejected {
		t.Errorf("far-future timestamp should reject: %+v", result.Results)
	}
}

func TestApplySequenceGapHoldsDevice(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// Sequence 2 is missing; 3 and 4 arrive. Both must be held, and the
	// device told to retry.
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 3, EntityAddress, ActionUpdate, t0.Add(time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "status": AddressStatusCompleted,
		}),
		wireOp(t, "device_a", 4, EntityAddress, ActionUpdate, t0.Add(2*time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "timeSlot": "pm",
		}),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if result.OK {
		t.Error("gap batch should request a retry")
	}
	if result.RetryAfterMs <= 0 {
		t.Error("gap should carry a retry hint")
	}
	for _, r := range result.Results {
		if r.Status != OpStatusGap {
			t.Errorf("ops after a gap must be held, got %s", r.Status)
		}
	}

	addr, _ := GetAddressByScope(user, 1, 0)
	if addr.Status != AddressStatusPending {
		t.Error("held ops must not be applied")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
		wireOp(t, "device_a", 2, EntityAddress, ActionDelete, t0.Add(time.Minute), map[string]any{
			"guid": "addr-guid", "listVersion": int64(1), "index": int64(0),
		}),
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if addr, _ := GetAddressByScope(user, 1, 0); addr != nil {
		t.Fatal("address should be deleted")
	}

	// A second device deleting the same row is applied quietly.
	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_b", 1, EntityAddress, ActionDelete, t0.Add(2*time.Minute), map[string]any{
			"guid": "addr-guid", "listVersion": int64(1), "index": int64(0),
		}),
	})
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if result.Results[0].Status != OpStatusApplied {
		t.Errorf("deleting deleted state should be an idempotent apply: %+v", result.Results)
	}
}

func TestSnapshotChecksumTracksState(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, addressPayload(1, 0, nil)),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	first, err := BuildSnapshot(user)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if first.ListVersion != 1 || len(first.Addresses) != 1 {
		t.Errorf("unexpected snapshot: %+v", first)
	}

	second, err := BuildSnapshot(user)
	if err != nil {
		t.Fatalf("second snapshot failed: %v", err)
	}
	if first.Checksum != second.Checksum {
		t.Error("checksum must be stable for unchanged state")
	}

	_, err = ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 2, EntityAddress, ActionUpdate, t0.Add(time.Minute), map[string]any{
			"listVersion": int64(1), "index": int64(0), "status": AddressStatusCompleted,
		}),
	})
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	third, err := BuildSnapshot(user)
	if err != nil {
		t.Fatalf("third snapshot failed: %v", err)
	}
	if third.Checksum == first.Checksum {
		t.Error("checksum must change when state changes")
	}
}

func TestConcurrentCreateSameScopeConverges(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	// Two devices imported the same list independently and both created
	// list entry (1, 0) under different guids. They are the same logical
	// row; the second create resolves against the first instead of
	// duplicating it.
	_, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, map[string]any{
			"guid": "guid-from-a", "listVersion": int64(1), "index": int64(0),
			"fullAddress": "12 Harbor Lane", "status": AddressStatusPending,
		}),
	})
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	result, err := ApplyOperations(user, []WireOperation{
		wireOp(t, "device_b", 1, EntityAddress, ActionCreate, t0.Add(time.Second), map[string]any{
			"guid": "guid-from-b", "listVersion": int64(1), "index": int64(0),
			"fullAddress": "12 Harbor Lane", "status": AddressStatusSkipped,
		}),
	})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("concurrent create should surface a conflict: %+v", result)
	}

	addrs, _ := ListAddresses(user, 1)
	if len(addrs) != 1 {
		t.Fatalf("concurrent creates must converge to one row, got %d", len(addrs))
	}
}

func TestTwoDeviceRoundConvergesInEitherOrder(t *testing.T) {
	// Device A worked a stop and started a day session; device B worked the
	// same stop offline with a different outcome. Whichever device syncs
	// first, the round must settle to one address, one completion whose
	// outcome follows the later edit, and A's session untouched.
	user := "user-1"
	t0 := time.Now().UTC().Add(-time.Hour)

	batchA := func(t *testing.T) []WireOperation {
		return []WireOperation{
			wireOp(t, "device_a", 1, EntityAddress, ActionCreate, t0, map[string]any{
				"guid": "addr-a", "listVersion": int64(1), "index": int64(0),
				"fullAddress": "12 Harbor Lane", "status": AddressStatusCompleted,
			}),
			wireOp(t, "device_a", 2, EntityCompletion, ActionCreate, t0.Add(time.Minute), map[string]any{
				"guid": "comp-a", "listVersion": int64(1), "index": int64(0),
				"outcome": OutcomePaid, "amount": 50.0,
			}),
			wireOp(t, "device_a", 3, EntitySession, ActionCreate, t0.Add(2*time.Minute), map[string]any{
				"guid": "sess-a", "date": "2026-09-01", "startTime": "09:00",
				"status": SessionStatusActive,
			}),
		}
	}
	batchB := func(t *testing.T) []WireOperation {
		return []WireOperation{
			wireOp(t, "device_b", 1, EntityAddress, ActionCreate, t0.Add(30*time.Second), map[string]any{
				"guid": "addr-b", "listVersion": int64(1), "index": int64(0),
				"fullAddress": "12 Harbor Lane", "status": AddressStatusCompleted,
			}),
			wireOp(t, "device_b", 2, EntityCompletion, ActionCreate, t0.Add(5*time.Minute), map[string]any{
				"guid": "comp-b", "listVersion": int64(1), "index": int64(0),
				"outcome": OutcomeNoAnswer,
			}),
		}
	}

	check := func(t *testing.T) {
		addrs, err := ListAddresses(user, 1)
		if err != nil {
			t.Fatalf("list addresses failed: %v", err)
		}
		if len(addrs) != 1 {
			t.Fatalf("round should settle to one address, got %d", len(addrs))
		}

		comps, err := ListCompletions(user, 1)
		if err != nil {
			t.Fatalf("list completions failed: %v", err)
		}
		if len(comps) != 1 {
			t.Fatalf("round should settle to one completion, got %d", len(comps))
		}
		// Device B authored its outcome later, so it wins the contested field.
		if comps[0].Outcome != OutcomeNoAnswer {
			t.Errorf("later outcome should win: %s", comps[0].Outcome)
		}

		sess, err := GetDaySessionByDate(user, "2026-09-01")
		if err != nil || sess == nil {
			t.Fatalf("day session should survive untouched: %v", err)
		}
		if sess.Status != SessionStatusActive {
			t.Errorf("session state should be A's: %+v", sess)
		}
	}

	t.Run("a then b", func(t *testing.T) {
		cleanup := setupTestDB(t)
		defer cleanup()
		if _, err := ApplyOperations(user, batchA(t)); err != nil {
			t.Fatalf("apply A failed: %v", err)
		}
		if _, err := ApplyOperations(user, batchB(t)); err != nil {
			t.Fatalf("apply B failed: %v", err)
		}
		check(t)
	})

	t.Run("b then a", func(t *testing.T) {
		cleanup := setupTestDB(t)
		defer cleanup()
		if _, err := ApplyOperations(user, batchB(t)); err != nil {
			t.Fatalf("apply B failed: %v", err)
		}
		if _, err := ApplyOperations(user, batchA(t)); err != nil {
			t.Fatalf("apply A failed: %v", err)
		}
		check(t)
	})
}
