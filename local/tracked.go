package local

import (
	"github.com/rohanthewiz/serr"
	bolt "go.etcd.io/bbolt"
)

// Tracked change records are opaque blobs owned by the sync layer; this
// store only gives them durability across restarts.

// PutTracked stores one tracked change record under its id.
func (s *Store) PutTracked(id string, raw []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracked).Put([]byte(id), raw)
	})
	if err != nil {
		return serr.Wrap(err, "failed to store tracked change")
	}
	return nil
}

// GetTracked returns the record for id, nil if absent.
func (s *Store) GetTracked(id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketTracked).Get([]byte(id)); raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, serr.Wrap(err, "failed to read tracked change")
	}
	return out, nil
}

// DeleteTracked removes the record for id. Absent ids are a no-op.
func (s *Store) DeleteTracked(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracked).Delete([]byte(id))
	})
	if err != nil {
		return serr.Wrap(err, "failed to delete tracked change")
	}
	return nil
}

// ForEachTracked visits every stored record. Returning an error from fn
// stops the walk.
func (s *Store) ForEachTracked(fn func(id string, raw []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTracked).ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
	if err != nil {
		return serr.Wrap(err, "failed to iterate tracked changes")
	}
	return nil
}
