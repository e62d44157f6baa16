package local

import (
	"encoding/json"
	"time"

	"github.com/rohanthewiz/serr"
	bolt "go.etcd.io/bbolt"
)

// GuardLease protects device state during multi-step maintenance (backup
// restore, bulk import). While a live lease is held, the reconciler will
// not install snapshots over the guarded state. The lease carries its owner
// and an expiry, so a crashed holder cannot wedge sync forever and no one
// but the holder can release it early.
type GuardLease struct {
	Owner     string    `json:"owner"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed.
func (l GuardLease) Expired() bool {
	return time.Now().After(l.ExpiresAt)
}

// AcquireGuard takes the guard for owner. Re-acquiring by the current
// holder extends the lease; a live lease held by someone else fails the
// acquire.
func (s *Store) AcquireGuard(owner, reason string, ttl time.Duration) (bool, error) {
	if owner == "" {
		return false, serr.New("guard owner must not be empty")
	}

	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		guard := tx.Bucket(bucketGuard)
		if raw := guard.Get(keyGuardLease); raw != nil {
			var current GuardLease
			if err := json.Unmarshal(raw, &current); err == nil {
				if !current.Expired() && current.Owner != owner {
					return nil
				}
			}
		}

		lease := GuardLease{Owner: owner, Reason: reason, ExpiresAt: time.Now().Add(ttl)}
		raw, err := json.Marshal(lease)
		if err != nil {
			return serr.Wrap(err, "failed to marshal guard lease")
		}
		if err := guard.Put(keyGuardLease, raw); err != nil {
			return serr.Wrap(err, "failed to store guard lease")
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseGuard drops the lease, but only for its holder. Releasing a guard
// you don't hold is a no-op that reports false.
func (s *Store) ReleaseGuard(owner string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		guard := tx.Bucket(bucketGuard)
		raw := guard.Get(keyGuardLease)
		if raw == nil {
			return nil
		}
		var current GuardLease
		if err := json.Unmarshal(raw, &current); err != nil {
			return serr.Wrap(err, "failed to unmarshal guard lease")
		}
		if current.Owner != owner && !current.Expired() {
			return nil
		}
		if err := guard.Delete(keyGuardLease); err != nil {
			return serr.Wrap(err, "failed to delete guard lease")
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// GuardHolder returns the live lease, or nil when the guard is free or the
// lease has expired.
func (s *Store) GuardHolder() (*GuardLease, error) {
	var lease *GuardLease
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketGuard).Get(keyGuardLease)
		if raw == nil {
			return nil
		}
		var current GuardLease
		if err := json.Unmarshal(raw, &current); err != nil {
			return serr.Wrap(err, "failed to unmarshal guard lease")
		}
		if !current.Expired() {
			lease = &current
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}
