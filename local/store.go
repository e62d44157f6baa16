// Package local is the device-side durable store. Everything a device must
// not lose while offline lives here: its identity, the pending operation
// queue, quarantined operations, the reconciliation guard, and tracked
// change records. Backed by a single bbolt file so a crash mid-sync never
// loses an unsent operation.
package local

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/rohanthewiz/serr"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta       = []byte("meta")
	bucketPending    = []byte("pending")
	bucketQuarantine = []byte("quarantine")
	bucketGuard      = []byte("guard")
	bucketTracked    = []byte("tracked")
)

var (
	keyDeviceID    = []byte("navigator_device_id")
	keySequence    = []byte("op_sequence")
	keyLastAcked   = []byte("last_acked_sequence")
	keyAnomalies   = []byte("anomaly_count")
	keyGuardLease  = []byte("lease")
	keyListVersion = []byte("list_version")
)

// Store wraps the bbolt database. All methods are safe for concurrent use;
// bbolt serializes writers internally.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the device store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, serr.Wrap(err, "failed to open device store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketPending, bucketQuarantine, bucketGuard, bucketTracked} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return serr.Wrap(err, "failed to create bucket "+string(name))
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateDeviceID returns this device's stable identity, minting one on
// first use. The id embeds creation time plus random bytes so two devices
// provisioned in the same millisecond still differ, and lexical comparison
// between ids is total (the conflict tiebreak depends on that).
func (s *Store) GetOrCreateDeviceID() (string, error) {
	var deviceID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if existing := meta.Get(keyDeviceID); existing != nil {
			deviceID = string(existing)
			return nil
		}

		suffix := make([]byte, 4)
		if _, err := rand.Read(suffix); err != nil {
			return serr.Wrap(err, "failed to generate device id entropy")
		}
		deviceID = "device_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + hex.EncodeToString(suffix)
		return meta.Put(keyDeviceID, []byte(deviceID))
	})
	if err != nil {
		return "", err
	}
	return deviceID, nil
}

// NextSequence atomically increments and returns the device's operation
// counter. Sequences start at 1 and never repeat for a device identity.
func (s *Store) NextSequence() (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		next = readInt64(meta.Get(keySequence)) + 1
		return meta.Put(keySequence, encodeInt64(next))
	})
	if err != nil {
		return 0, serr.Wrap(err, "failed to advance sequence counter")
	}
	return next, nil
}

// CurrentSequence returns the last issued sequence number without
// advancing it.
func (s *Store) CurrentSequence() (int64, error) {
	var current int64
	err := s.db.View(func(tx *bolt.Tx) error {
		current = readInt64(tx.Bucket(bucketMeta).Get(keySequence))
		return nil
	})
	if err != nil {
		return 0, serr.Wrap(err, "failed to read sequence counter")
	}
	return current, nil
}

// SetListVersion records the list version this device last installed.
func (s *Store) SetListVersion(version int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyListVersion, encodeInt64(version))
	})
	if err != nil {
		return serr.Wrap(err, "failed to store list version")
	}
	return nil
}

// ListVersion returns the last installed list version, 0 if none.
func (s *Store) ListVersion() (int64, error) {
	var version int64
	err := s.db.View(func(tx *bolt.Tx) error {
		version = readInt64(tx.Bucket(bucketMeta).Get(keyListVersion))
		return nil
	})
	if err != nil {
		return 0, serr.Wrap(err, "failed to read list version")
	}
	return version, nil
}

func encodeInt64(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func readInt64(raw []byte) int64 {
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}
