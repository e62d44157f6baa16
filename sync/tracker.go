package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	gosync "sync"
	"time"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"navigator/local"
	"navigator/models"
)

// ============================================================================
// Change tracker
//
// When a device pushes a change and later receives a snapshot containing
// that same change, re-announcing it locally would loop: apply, announce,
// push, receive, announce again. The tracker remembers what this device
// changed (by content hash) so incoming state that matches a recent local
// write is recognized as an echo and suppressed.
//
// Records expire two ways: a hard TTL, and a shorter post-sync window once
// the change has been acknowledged. A capacity cap evicts oldest-first so
// an offline burst can't grow the tracker without bound.
// ============================================================================

// TrackedChange is one remembered local write.
type TrackedChange struct {
	ID        string    `json:"id"` // entity:entityKey
	Entity    string    `json:"entity"`
	EntityKey string    `json:"entity_key"`
	Hash      string    `json:"hash"`
	TrackedAt time.Time `json:"tracked_at"`
	Synced    bool      `json:"synced"`
	SyncedAt  time.Time `json:"synced_at,omitempty"`
}

// ChangeTracker is a constructed instance, not process-global state; tests
// and multi-store setups each get their own. Records are mirrored into the
// device store so suppression survives a restart.
type ChangeTracker struct {
	mu      gosync.Mutex
	changes map[string]*TrackedChange
	store   *local.Store

	ttl        time.Duration
	syncWindow time.Duration
	maxSize    int
}

// NewChangeTracker builds a tracker and loads any persisted records.
func NewChangeTracker(store *local.Store, cfg Config) (*ChangeTracker, error) {
	t := &ChangeTracker{
		changes:    map[string]*TrackedChange{},
		store:      store,
		ttl:        cfg.TrackerTTL,
		syncWindow: cfg.TrackerWindow,
		maxSize:    cfg.TrackerMaxSize,
	}

	if store != nil {
		err := store.ForEachTracked(func(id string, raw []byte) error {
			var tc TrackedChange
			if err := json.Unmarshal(raw, &tc); err != nil {
				// Unreadable record: drop it rather than fail startup.
				return store.DeleteTracked(id)
			}
			t.changes[id] = &tc
			return nil
		})
		if err != nil {
			return nil, serr.Wrap(err, "failed to load tracked changes")
		}
	}

	t.cleanupLocked()
	return t, nil
}

// StateHash computes the content hash used for echo comparison: SHA-256
// over the canonical JSON of the state, so key order and numeric codec
// differences never defeat a match.
func StateHash(state map[string]any) (string, error) {
	canonical, err := models.CanonicalJSON(state)
	if err != nil {
		return "", serr.Wrap(err, "failed to canonicalize state for hashing")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// TrackChange records a local write to an entity.
func (t *ChangeTracker) TrackChange(entity, entityKey string, state map[string]any) error {
	hash, err := StateHash(state)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tc := &TrackedChange{
		ID:        entity + ":" + entityKey,
		Entity:    entity,
		EntityKey: entityKey,
		Hash:      hash,
		TrackedAt: time.Now(),
	}
	t.changes[tc.ID] = tc
	t.enforceMaxLocked()
	t.persist(tc)
	return nil
}

// MarkSynced flags a tracked change as acknowledged upstream, starting its
// post-sync expiry window.
func (t *ChangeTracker) MarkSynced(entity, entityKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.changes[entity+":"+entityKey]
	if !ok {
		return
	}
	tc.Synced = true
	tc.SyncedAt = time.Now()
	t.persist(tc)
}

// IsEcho reports whether incoming state for an entity matches a recent
// local write and should be suppressed rather than re-announced.
func (t *ChangeTracker) IsEcho(entity, entityKey string, state map[string]any) bool {
	hash, err := StateHash(state)
	if err != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.changes[entity+":"+entityKey]
	if !ok || tc.Hash != hash {
		return false
	}
	if t.expiredLocked(tc) {
		return false
	}
	return true
}

// Cleanup drops expired records. Called by the janitor; safe to call any
// time.
func (t *ChangeTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupLocked()
}

// Size returns the number of live tracked records.
func (t *ChangeTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

// StartJanitor runs periodic cleanup until ctx is done.
func (t *ChangeTracker) StartJanitor(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Cleanup()
			}
		}
	}()
}

func (t *ChangeTracker) expiredLocked(tc *TrackedChange) bool {
	now := time.Now()
	if now.Sub(tc.TrackedAt) > t.ttl {
		return true
	}
	if tc.Synced && now.Sub(tc.SyncedAt) > t.syncWindow {
		return true
	}
	return false
}

func (t *ChangeTracker) cleanupLocked() {
	for id, tc := range t.changes {
		if t.expiredLocked(tc) {
			delete(t.changes, id)
			t.unpersist(id)
		}
	}
	t.enforceMaxLocked()
}

// enforceMaxLocked evicts oldest records first once the cap is exceeded.
func (t *ChangeTracker) enforceMaxLocked() {
	if t.maxSize <= 0 || len(t.changes) <= t.maxSize {
		return
	}

	ids := make([]string, 0, len(t.changes))
	for id := range t.changes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return t.changes[ids[i]].TrackedAt.Before(t.changes[ids[j]].TrackedAt)
	})

	excess := len(t.changes) - t.maxSize
	for _, id := range ids[:excess] {
		delete(t.changes, id)
		t.unpersist(id)
	}
}

func (t *ChangeTracker) persist(tc *TrackedChange) {
	if t.store == nil {
		return
	}
	raw, err := json.Marshal(tc)
	if err != nil {
		logger.LogErr(err, "failed to marshal tracked change", "id", tc.ID)
		return
	}
	if err := t.store.PutTracked(tc.ID, raw); err != nil {
		logger.LogErr(err, "failed to persist tracked change", "id", tc.ID)
	}
}

func (t *ChangeTracker) unpersist(id string) {
	if t.store == nil {
		return
	}
	if err := t.store.DeleteTracked(id); err != nil {
		logger.LogErr(err, "failed to remove tracked change", "id", id)
	}
}
