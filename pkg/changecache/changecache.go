package changecache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/model"
)

var (
	// Bucket names
	bucketChanges = []byte("changes")
	bucketLtimes  = []byte("branch_ltimes")
)

// Cache is a local persistent cache of change metadata keyed by the
// change's cache key. The coordination store remains the system of record;
// the cache only spares the drivers re-fetching change metadata across
// scheduler restarts. Entries carry the branch-cache ltime they were valid
// at and are dropped when a reconfiguration invalidates them.
type Cache struct {
	db *bolt.DB
}

// entry wraps a cached change with its cache bookkeeping
type entry struct {
	Change   *model.Change `json:"change"`
	Ltime    int64         `json:"ltime"`
	CachedAt time.Time     `json:"cached_at"`
}

// Open creates or opens the change cache in dataDir
func Open(dataDir string) (*Cache, error) {
	dbPath := filepath.Join(dataDir, "change-cache.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open change cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketChanges, bucketLtimes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores a change at the given ltime
func (c *Cache) Put(change *model.Change, ltime int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		data, err := json.Marshal(&entry{Change: change, Ltime: ltime, CachedAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put([]byte(change.CacheKey()), data)
	})
}

// Get returns a cached change if present and at least as new as minLtime
func (c *Cache) Get(key string, minLtime int64) (*model.Change, error) {
	var e entry
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("change not cached: %s", key)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	if e.Ltime < minLtime {
		return nil, fmt.Errorf("cached change %s is stale (ltime %d < %d)", key, e.Ltime, minLtime)
	}
	return e.Change, nil
}

// List returns all cached changes
func (c *Cache) List() ([]*model.Change, error) {
	var changes []*model.Change
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		return b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			changes = append(changes, e.Change)
			return nil
		})
	})
	return changes, err
}

// Delete removes a cached change
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).Delete([]byte(key))
	})
}

// SetBranchLtime records the ltime a project branch's cache was refreshed
func (c *Cache) SetBranchLtime(project, branch string, ltime int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLtimes)
		data, err := json.Marshal(ltime)
		if err != nil {
			return err
		}
		return b.Put([]byte(project+"/"+branch), data)
	})
}

// BranchLtime returns the recorded ltime for a project branch, zero when
// unknown.
func (c *Cache) BranchLtime(project, branch string) int64 {
	var ltime int64
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLtimes).Get([]byte(project + "/" + branch))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ltime)
	})
	return ltime
}

// Prune drops entries older than maxAge that are not referenced by any
// pipeline. Called by the periodic connection cache cleanup.
func (c *Cache) Prune(maxAge time.Duration, isReferenced func(key string) bool) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale [][]byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		return b.ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			if e.CachedAt.Before(cutoff) && !isReferenced(string(k)) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale), err
}
