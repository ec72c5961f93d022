// Package cache persists the results of expensive transforms (image optimization) between build runs
package cache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

// Store is a bucketed key value store backed by a single bolt database
type Store struct {
	db *bolt.DB
}

// DefaultPath returns the location of the cache database. BUILDSYS_CACHE_DIR overrides the user's cache
// directory.
func DefaultPath() (string, error) {
	dir := os.Getenv("BUILDSYS_CACHE_DIR")
	if dir == "" {
		userDir, err := os.UserCacheDir()
		if err != nil {
			return "", eris.Wrap(err, "failed to determine cache directory")
		}
		dir = filepath.Join(userDir, "webpipe")
	}

	return filepath.Join(dir, "build.db"), nil
}

// Open opens (and creates if necessary) the database at dbPath
func Open(dbPath string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(dbPath), 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(dbPath))
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", dbPath)
	}

	return &Store{db: db}, nil
}

// Get returns the value stored for key in bucket. found is false if either doesn't exist.
func (s *Store) Get(bucket, key string) (value []byte, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}

		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}

		// data is only valid during the transaction
		value = append([]byte(nil), data...)
		found = true
		return nil
	})
	return
}

// Put stores value for key in bucket
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Batch(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), value)
	})
}

// ClearAll removes every bucket
func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := make([][]byte, 0)
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range names {
			err = tx.DeleteBucket(name)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database file
func (s *Store) Close() error {
	return s.db.Close()
}
