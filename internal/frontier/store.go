package frontier

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"crawlfrontier/pkg/types"
)

const storeFileName = "frontier.db"

var (
	bucketURLs      = []byte("urls")
	bucketSeedCount = []byte("seed_count")
)

// StorageError wraps a failure of the backing ordered store. The enclosing
// transaction has been aborted and no in-memory state was updated.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("frontier storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// store is the durable ordered URL store plus its companion seed-count
// store. Keys in the urls bucket are composite ordering keys; keys in the
// seed_count bucket are 8-byte big-endian seed docids with 4-byte signed
// counts.
//
// With resumable crawling enabled every mutation commits (fsync) before the
// call returns. With it disabled the store runs with NoSync for deferred,
// best-effort durability.
type store struct {
	db *bolt.DB
}

// openStore opens or creates the frontier database under folder.
func openStore(folder string, resumable bool) (*store, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, &StorageError{Op: "create storage folder", Err: err}
	}
	db, err := bolt.Open(filepath.Join(folder, storeFileName), 0o600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.NoSync = !resumable

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketURLs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSeedCount)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &StorageError{Op: "init buckets", Err: err}
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	if err := s.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// update runs fn in a read-write transaction. Any error aborts the
// transaction and is surfaced as a StorageError unless it already is one.
func (s *store) update(op string, fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		if _, ok := err.(*StorageError); ok {
			return err
		}
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// view runs fn in a read-only transaction.
func (s *store) view(op string, fn func(tx *bolt.Tx) error) error {
	if err := s.db.View(fn); err != nil {
		if _, ok := err.(*StorageError); ok {
			return err
		}
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// putURL inserts the record under its composite key. It is a no-op
// returning false when the key is already present.
func putURL(tx *bolt.Tx, k urlKey, u types.WebURL) (bool, error) {
	b := tx.Bucket(bucketURLs)
	if b.Get(k[:]) != nil {
		return false, nil
	}
	if err := b.Put(k[:], encodeRecord(u)); err != nil {
		return false, err
	}
	return true, nil
}

// deleteURL removes the record under k. Reports whether the key existed.
func deleteURL(tx *bolt.Tx, k urlKey) (bool, error) {
	b := tx.Bucket(bucketURLs)
	if b.Get(k[:]) == nil {
		return false, nil
	}
	if err := b.Delete(k[:]); err != nil {
		return false, err
	}
	return true, nil
}

// writeSeedCount records the offspring count for a seed, deleting the entry
// when the count drops to zero or below.
func writeSeedCount(tx *bolt.Tx, seed int64, count int) error {
	b := tx.Bucket(bucketSeedCount)
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(seed))
	if count <= 0 {
		return b.Delete(key[:])
	}
	var val [4]byte
	binary.BigEndian.PutUint32(val[:], uint32(int32(count)))
	return b.Put(key[:], val[:])
}

// loadSeedCounts reads the persisted offspring counters.
func (s *store) loadSeedCounts() (map[int64]int, error) {
	counts := make(map[int64]int)
	err := s.view("load seed counts", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSeedCount).ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 4 {
				return fmt.Errorf("malformed seed count entry: key %d bytes, value %d bytes", len(k), len(v))
			}
			seed := int64(binary.BigEndian.Uint64(k))
			counts[seed] = int(int32(binary.BigEndian.Uint32(v)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// scanURLs iterates all stored URL records in composite-key order.
func (s *store) scanURLs(fn func(k urlKey, u types.WebURL) error) error {
	return s.view("scan", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketURLs).ForEach(func(k, v []byte) error {
			key, ok := keyFromBytes(k)
			if !ok {
				return fmt.Errorf("malformed url key: %d bytes", len(k))
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			return fn(key, rec)
		})
	})
}

// countURLs returns the number of stored URL records.
func (s *store) countURLs() (int, error) {
	var n int
	err := s.view("count", func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketURLs).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// sync forces a flush of deferred writes to disk.
func (s *store) sync() error {
	if err := s.db.Sync(); err != nil {
		return &StorageError{Op: "sync", Err: err}
	}
	return nil
}
