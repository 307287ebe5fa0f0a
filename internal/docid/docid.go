// Package docid assigns stable 64-bit document identifiers to URLs and
// remembers which URLs have been seen, so a page discovered twice enters the
// frontier only once.
package docid

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const storeFileName = "docids.db"

var bucketURLIDs = []byte("url_ids")

// Server hands out monotonically increasing docids and persists the URL to
// docid mapping alongside the frontier stores.
type Server struct {
	db *bolt.DB
}

// Open opens or creates the docid database under folder.
func Open(folder string, durable bool) (*Server, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("create storage folder: %w", err)
	}
	db, err := bolt.Open(filepath.Join(folder, storeFileName), 0o600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open docid store: %w", err)
	}
	db.NoSync = !durable

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketURLIDs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init docid store: %w", err)
	}
	return &Server{db: db}, nil
}

// GetOrAssign returns the docid for url, assigning a fresh one when the URL
// has not been seen before. The second return reports whether it had.
func (s *Server) GetOrAssign(url string) (int64, bool, error) {
	var (
		id   int64
		seen bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketURLIDs)
		if v := b.Get([]byte(url)); v != nil {
			id = int64(binary.BigEndian.Uint64(v))
			seen = true
			return nil
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		var val [8]byte
		binary.BigEndian.PutUint64(val[:], seq)
		return b.Put([]byte(url), val[:])
	})
	if err != nil {
		return 0, false, fmt.Errorf("assign docid: %w", err)
	}
	return id, seen, nil
}

// Get returns the docid for url without assigning one.
func (s *Server) Get(url string) (int64, bool, error) {
	var (
		id int64
		ok bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketURLIDs).Get([]byte(url)); v != nil {
			id = int64(binary.BigEndian.Uint64(v))
			ok = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("lookup docid: %w", err)
	}
	return id, ok, nil
}

// Count returns the number of URLs with an assigned docid.
func (s *Server) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketURLIDs).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count docids: %w", err)
	}
	return n, nil
}

// Clear forgets every seen URL while keeping the docid sequence, so pages
// can be revisited without ever reusing an identifier.
func (s *Server) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketURLIDs)
		seq := b.Sequence()
		if err := tx.DeleteBucket(bucketURLIDs); err != nil {
			return err
		}
		fresh, err := tx.CreateBucket(bucketURLIDs)
		if err != nil {
			return err
		}
		return fresh.SetSequence(seq)
	})
	if err != nil {
		return fmt.Errorf("clear docids: %w", err)
	}
	return nil
}

// Close flushes and closes the store.
func (s *Server) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return fmt.Errorf("sync docid store: %w", err)
	}
	return s.db.Close()
}
