package sync

import (
	"context"
	gosync "sync"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"

	"navigator/local"
	"navigator/models"
)

// SnapshotFetcher is the slice of the transport the reconciler needs; tests
// stub it without a network.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (*models.Snapshot, error)
	FetchChecksum(ctx context.Context) (string, error)
}

// Reconciler installs hub snapshots into device state. It refuses to run
// while a guard lease is live (a restore or bulk import is mid-flight) or
// while unpushed local operations exist, and it suppresses rows the change
// tracker recognizes as echoes of this device's own writes.
type Reconciler struct {
	store   *local.Store
	tracker *ChangeTracker
	fetcher SnapshotFetcher

	// OnInstall receives the accepted snapshot; the embedding app updates
	// whatever in-memory or UI state it keeps. May be nil.
	OnInstall func(*models.Snapshot) error

	mu           gosync.Mutex
	lastChecksum string
}

// NewReconciler wires a reconciler to its store, tracker, and fetcher.
func NewReconciler(store *local.Store, tracker *ChangeTracker, fetcher SnapshotFetcher) *Reconciler {
	return &Reconciler{store: store, tracker: tracker, fetcher: fetcher}
}

// LastChecksum returns the checksum of the last installed snapshot.
func (r *Reconciler) LastChecksum() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastChecksum
}

// Reconcile fetches and installs the hub's state if it is safe to do so.
// Returns true when a snapshot was installed.
func (r *Reconciler) Reconcile(ctx context.Context) (bool, error) {
	// A held guard means device state must not move underneath its owner.
	lease, err := r.store.GuardHolder()
	if err != nil {
		return false, serr.Wrap(err, "failed to check guard")
	}
	if lease != nil {
		logger.Info("reconcile skipped: guard held", "owner", lease.Owner, "reason", lease.Reason)
		return false, nil
	}

	// Unpushed local operations would be clobbered by a snapshot install;
	// push must complete first.
	pending, err := r.store.PendingCount()
	if err != nil {
		return false, serr.Wrap(err, "failed to count pending operations")
	}
	if pending > 0 {
		logger.Info("reconcile skipped: operations pending", "pending", pending)
		return false, nil
	}

	// Checksum probe first: converged state needs no snapshot transfer.
	checksum, err := r.fetcher.FetchChecksum(ctx)
	if err == nil && checksum != "" && checksum == r.LastChecksum() {
		return false, nil
	}

	snap, err := r.fetcher.FetchSnapshot(ctx)
	if err != nil {
		return false, serr.Wrap(err, "failed to fetch snapshot")
	}

	if err := r.install(snap); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) install(snap *models.Snapshot) error {
	// Track incoming rows that are NOT echoes so later re-announcements of
	// the same state suppress correctly; echoed rows are already tracked.
	sections := []struct {
		entity string
		rows   []map[string]any
	}{
		{string(models.EntityAddress), snap.Addresses},
		{string(models.EntityCompletion), snap.Completions},
		{string(models.EntityArrangement), snap.Arrangements},
		{string(models.EntitySession), snap.Sessions},
	}

	echoes := 0
	for _, section := range sections {
		for _, row := range section.rows {
			key := rowKey(section.entity, row)
			if key == "" {
				continue
			}
			if r.tracker.IsEcho(section.entity, key, row) {
				echoes++
				continue
			}
			if err := r.tracker.TrackChange(section.entity, key, row); err != nil {
				logger.LogErr(err, "failed to track snapshot row", "entity", section.entity, "key", key)
			}
		}
	}

	if err := r.store.SetListVersion(snap.ListVersion); err != nil {
		return serr.Wrap(err, "failed to store list version")
	}

	if r.OnInstall != nil {
		if err := r.OnInstall(snap); err != nil {
			return serr.Wrap(err, "snapshot install callback failed")
		}
	}

	r.mu.Lock()
	r.lastChecksum = snap.Checksum
	r.mu.Unlock()

	logger.Info("snapshot installed",
		"list_version", snap.ListVersion,
		"addresses", len(snap.Addresses),
		"echoes_suppressed", echoes,
		"checksum", snap.Checksum)
	return nil
}

// rowKey derives the tracker key for a snapshot row: the scoping pair for
// list-scoped entities, the guid otherwise.
func rowKey(entity string, row map[string]any) string {
	if entity == string(models.EntityAddress) || entity == string(models.EntityCompletion) {
		lv, lvOK := models.PayloadInt64(row, "listVersion")
		idx, idxOK := models.PayloadInt64(row, "index")
		if lvOK && idxOK {
			return models.ScopeKey(lv, idx)
		}
	}
	guid, _ := models.PayloadString(row, "guid")
	return guid
}
