package models

import (
	"testing"
	"time"
)

func baseConflictInput() ConflictInput {
	t0 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	return ConflictInput{
		Entity:    EntityAddress,
		EntityKey: "3/7",
		Server: map[string]any{
			"guid":        "srv-guid",
			"listVersion": int64(3),
			"index":       int64(7),
			"status":      "pending",
			"timeSlot":    "am",
		},
		ServerAuthoredAt:    t0,
		ServerDeviceID:      "device_aaa",
		ServerChangedFields: map[string]bool{},
		ClientAuthoredAt:    t0.Add(time.Minute),
		ClientDeviceID:      "device_bbb",
	}
}

func TestResolveIdentical(t *testing.T) {
	in := baseConflictInput()
	in.Client = map[string]any{"status": "pending", "timeSlot": "am"}

	res := ResolveConflict(in)
	if res.Kind != ConflictIdentical {
		t.Fatalf("expected identical, got %s", res.Kind)
	}
	if res.Orphaned {
		t.Error("identical must not orphan")
	}
}

func TestResolveIdenticalAcrossNumericTypes(t *testing.T) {
	// msgpack decodes what JSON sent as float64 back to int64; values that
	// differ only in Go type are still identical.
	in := baseConflictInput()
	in.Server["listVersion"] = float64(3)
	in.Client = map[string]any{"listVersion": int64(3)}

	res := ResolveConflict(in)
	if res.Kind != ConflictIdentical {
		t.Fatalf("numeric type drift should still read identical, got %s", res.Kind)
	}
}

func TestResolveDependencyViolation(t *testing.T) {
	in := baseConflictInput()
	in.Client = map[string]any{"status": "completed"}
	in.DependencyMissing = true

	res := ResolveConflict(in)
	if res.Kind != ConflictDependencyViolation {
		t.Fatalf("expected dependency violation, got %s", res.Kind)
	}
	if !res.Orphaned {
		t.Error("dependency violation must orphan the operation")
	}
	if res.Merged != nil {
		t.Error("orphaned operations must not produce merged state")
	}
}

func TestResolveDisjointFieldMerge(t *testing.T) {
	in := baseConflictInput()
	in.ServerChangedFields = map[string]bool{"timeSlot": true}
	in.Client = map[string]any{"status": "completed"}

	res := ResolveConflict(in)
	if res.Kind != ConflictFieldMerge {
		t.Fatalf("expected field merge, got %s", res.Kind)
	}
	if res.Merged["status"] != "completed" {
		t.Error("client field should land in merged state")
	}
	if res.Merged["timeSlot"] != "am" {
		t.Error("server field should survive merge")
	}
}

func TestResolveLastWriteWinsClientLater(t *testing.T) {
	in := baseConflictInput()
	in.ServerChangedFields = map[string]bool{"status": true}
	in.Client = map[string]any{"status": "completed"}

	res := ResolveConflict(in)
	if res.Kind != ConflictLastWriteWins {
		t.Fatalf("expected last-write-wins, got %s", res.Kind)
	}
	if res.Merged["status"] != "completed" {
		t.Error("later client write should win the contested field")
	}
	if res.WinnerDeviceID != "device_bbb" {
		t.Errorf("winner should be the client device, got %s", res.WinnerDeviceID)
	}
}

func TestResolveLastWriteWinsServerLater(t *testing.T) {
	in := baseConflictInput()
	in.ServerChangedFields = map[string]bool{"status": true}
	in.ServerAuthoredAt = in.ClientAuthoredAt.Add(time.Minute)
	in.Client = map[string]any{"status": "completed", "notes": "left card"}

	res := ResolveConflict(in)
	if res.Kind != ConflictLastWriteWins {
		t.Fatalf("expected last-write-wins, got %s", res.Kind)
	}
	if res.Merged["status"] != "pending" {
		t.Error("later server write should keep the contested field")
	}
	if res.Merged["notes"] != "left card" {
		t.Error("uncontested client fields still merge in when server wins")
	}
	if res.WinnerDeviceID != "device_aaa" {
		t.Errorf("winner should be the server device, got %s", res.WinnerDeviceID)
	}
}

func TestResolveTieBreaksByDeviceID(t *testing.T) {
	in := baseConflictInput()
	in.ServerChangedFields = map[string]bool{"status": true}
	in.ServerAuthoredAt = in.ClientAuthoredAt // exact tie
	in.Client = map[string]any{"status": "completed"}

	// Client device id "device_bbb" > server "device_aaa": client wins.
	res := ResolveConflict(in)
	if res.Merged["status"] != "completed" || res.WinnerDeviceID != "device_bbb" {
		t.Errorf("lexically greater device should win ties: %+v", res)
	}

	// Swap the ids: now the server side is greater and must win.
	in.ServerDeviceID = "device_zzz"
	res = ResolveConflict(in)
	if res.Merged["status"] != "pending" || res.WinnerDeviceID != "device_zzz" {
		t.Errorf("tie break should flip with device ids: %+v", res)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	in := baseConflictInput()
	in.ServerChangedFields = map[string]bool{"status": true, "timeSlot": true}
	in.Client = map[string]any{"status": "skipped", "timeSlot": "pm"}

	first := ResolveConflict(in)
	for i := 0; i < 10; i++ {
		again := ResolveConflict(in)
		if again.Kind != first.Kind || again.WinnerDeviceID != first.WinnerDeviceID {
			t.Fatal("resolution must be deterministic for identical inputs")
		}
		for k, v := range first.Merged {
			if !jsonValueEqual(again.Merged[k], v) {
				t.Fatalf("merged state differs across runs on %s", k)
			}
		}
	}
}

func TestCanonicalJSONStable(t *testing.T) {
	a := map[string]any{"b": int64(2), "a": "x", "c": 3.0}
	b := map[string]any{"c": float64(3), "a": "x", "b": float64(2)}

	ja, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	jb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if string(ja) != string(jb) {
		t.Errorf("equal states should canonicalize identically: %s vs %s", ja, jb)
	}
	if string(ja) != `{"a":"x","b":2,"c":3}` {
		t.Errorf("unexpected canonical form: %s", ja)
	}
}
