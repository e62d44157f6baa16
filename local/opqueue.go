package local

import (
	"encoding/json"

	"github.com/rohanthewiz/serr"
	bolt "go.etcd.io/bbolt"

	"navigator/models"
)

// The pending queue holds operations until the hub acknowledges them.
// Keys are the big-endian sequence number, so a cursor walk yields
// operations in exactly the order they were authored.

// Append enqueues one operation. Operations whose sequence is outside
// plausible bounds never enter the queue: they are moved to quarantine and
// counted, because a corrupted counter would otherwise replay garbage at
// the hub forever.
func (s *Store) Append(op models.Operation) error {
	if err := models.ValidateSequence(op.Sequence); err != nil {
		if qerr := s.quarantine(op, err.Error()); qerr != nil {
			return qerr
		}
		return serr.Wrap(err, "operation quarantined")
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return serr.Wrap(err, "failed to marshal operation")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(encodeInt64(op.Sequence), raw)
	})
	if err != nil {
		return serr.Wrap(err, "failed to enqueue operation")
	}
	return nil
}

// DrainBatch returns up to limit pending operations in sequence order
// without removing them. Operations stay queued until MarkAcknowledged so a
// failed push can retry the identical batch.
func (s *Store) DrainBatch(limit int) ([]models.Operation, error) {
	var ops []models.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil && len(ops) < limit; k, v = c.Next() {
			var op models.Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return serr.Wrap(err, "failed to unmarshal pending operation")
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// MarkAcknowledged removes acknowledged operations from the queue. Sequences
// are contiguous per device, so acking through a sequence removes everything
// at or below it.
func (s *Store) MarkAcknowledged(throughSequence int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		c := pending.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if readInt64(k) > throughSequence {
				break
			}
			if err := pending.Delete(k); err != nil {
				return serr.Wrap(err, "failed to delete acknowledged operation")
			}
		}
		return tx.Bucket(bucketMeta).Put(keyLastAcked, encodeInt64(throughSequence))
	})
	if err != nil {
		return serr.Wrap(err, "failed to acknowledge operations")
	}
	return nil
}

// RemoveOperation deletes a single pending operation by sequence, used when
// the hub reports a terminal verdict (orphaned, conflict-resolved) that
// retrying would never change.
func (s *Store) RemoveOperation(sequence int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(encodeInt64(sequence))
	})
	if err != nil {
		return serr.Wrap(err, "failed to remove pending operation")
	}
	return nil
}

// PendingCount reports how many operations await acknowledgment.
func (s *Store) PendingCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, serr.Wrap(err, "failed to count pending operations")
	}
	return count, nil
}

// quarantine moves a suspect operation out of the normal flow and bumps the
// anomaly counter.
func (s *Store) quarantine(op models.Operation, reason string) error {
	record := struct {
		Operation models.Operation `json:"operation"`
		Reason    string           `json:"reason"`
	}{op, reason}

	raw, err := json.Marshal(record)
	if err != nil {
		return serr.Wrap(err, "failed to marshal quarantine record")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketQuarantine).Put([]byte(op.ID), raw); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		count := readInt64(meta.Get(keyAnomalies)) + 1
		return meta.Put(keyAnomalies, encodeInt64(count))
	})
	if err != nil {
		return serr.Wrap(err, "failed to quarantine operation")
	}
	return nil
}

// AnomalyCount returns how many operations this device has quarantined. A
// nonzero count surfaces on the status page; growth means the device needs
// re-provisioning.
func (s *Store) AnomalyCount() (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = readInt64(tx.Bucket(bucketMeta).Get(keyAnomalies))
		return nil
	})
	if err != nil {
		return 0, serr.Wrap(err, "failed to read anomaly count")
	}
	return count, nil
}
