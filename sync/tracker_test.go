package sync

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"navigator/local"
)

func trackerConfig() Config {
	return Config{
		TrackerTTL:     time.Hour,
		TrackerWindow:  5 * time.Minute,
		TrackerMaxSize: 100,
	}
}

func newTestTracker(t *testing.T, cfg Config) *ChangeTracker {
	t.Helper()
	tracker, err := NewChangeTracker(nil, cfg)
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	return tracker
}

func TestEchoSuppression(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig())
	state := map[string]any{"guid": "a1", "status": "completed"}

	if err := tracker.TrackChange("address", "1/0", state); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	if !tracker.IsEcho("address", "1/0", state) {
		t.Error("identical incoming state should read as an echo")
	}

	// Same entity, different content: a real remote change, not an echo.
	other := map[string]any{"guid": "a1", "status": "skipped"}
	if tracker.IsEcho("address", "1/0", other) {
		t.Error("different state must not be suppressed")
	}

	// Different entity key entirely.
	if tracker.IsEcho("address", "1/1", state) {
		t.Error("untracked entity must not be suppressed")
	}
}

func TestEchoIgnoresKeyOrderAndNumericTypes(t *testing.T) {
	tracker := newTestTracker(t, trackerConfig())

	if err := tracker.TrackChange("address", "1/0", map[string]any{
		"listVersion": int64(1), "index": int64(0), "status": "pending",
	}); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	// JSON decoding on the way back produces float64s; still an echo.
	if !tracker.IsEcho("address", "1/0", map[string]any{
		"status": "pending", "index": float64(0), "listVersion": float64(1),
	}) {
		t.Error("hash must be stable across key order and numeric codecs")
	}
}

func TestSyncWindowExpiry(t *testing.T) {
	cfg := trackerConfig()
	cfg.TrackerWindow = 10 * time.Millisecond
	tracker := newTestTracker(t, cfg)
	state := map[string]any{"guid": "a1"}

	if err := tracker.TrackChange("address", "1/0", state); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	tracker.MarkSynced("address", "1/0")

	time.Sleep(20 * time.Millisecond)
	if tracker.IsEcho("address", "1/0", state) {
		t.Error("synced record past its window should no longer suppress")
	}
}

func TestTTLExpiry(t *testing.T) {
	cfg := trackerConfig()
	cfg.TrackerTTL = 10 * time.Millisecond
	tracker := newTestTracker(t, cfg)
	state := map[string]any{"guid": "a1"}

	if err := tracker.TrackChange("address", "1/0", state); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if tracker.IsEcho("address", "1/0", state) {
		t.Error("record past its TTL should no longer suppress")
	}

	tracker.Cleanup()
	if tracker.Size() != 0 {
		t.Errorf("cleanup should drop expired records, size=%d", tracker.Size())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	cfg := trackerConfig()
	cfg.TrackerMaxSize = 10
	tracker := newTestTracker(t, cfg)

	for i := 0; i < 15; i++ {
		key := "1/" + strconv.Itoa(i)
		if err := tracker.TrackChange("address", key, map[string]any{"index": int64(i)}); err != nil {
			t.Fatalf("track %d failed: %v", i, err)
		}
		// Distinct timestamps so eviction order is well defined.
		time.Sleep(time.Millisecond)
	}

	if tracker.Size() != 10 {
		t.Fatalf("tracker should hold at most 10 records, has %d", tracker.Size())
	}
	if tracker.IsEcho("address", "1/0", map[string]any{"index": int64(0)}) {
		t.Error("oldest record should have been evicted")
	}
	if !tracker.IsEcho("address", "1/14", map[string]any{"index": int64(14)}) {
		t.Error("newest record should survive eviction")
	}
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := local.Open(filepath.Join(dir, "device.db"))
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}

	tracker, err := NewChangeTracker(store, trackerConfig())
	if err != nil {
		t.Fatalf("tracker build failed: %v", err)
	}
	state := map[string]any{"guid": "a1", "status": "completed"}
	if err := tracker.TrackChange("address", "1/0", state); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	store.Close()

	store, err = local.Open(filepath.Join(dir, "device.db"))
	if err != nil {
		t.Fatalf("store reopen failed: %v", err)
	}
	defer store.Close()

	revived, err := NewChangeTracker(store, trackerConfig())
	if err != nil {
		t.Fatalf("tracker rebuild failed: %v", err)
	}
	if !revived.IsEcho("address", "1/0", state) {
		t.Error("tracked change should survive a process restart")
	}
}
