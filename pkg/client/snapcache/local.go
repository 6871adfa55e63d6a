package snapcache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	bolt "go.etcd.io/bbolt"
)

const (
	// defaultMaxEntries bounds each tenant's durable history.
	defaultMaxEntries = 32

	// defaultRetention drops durable entries older than this on write.
	defaultRetention = 24 * time.Hour
)

// LocalStore is the durable middle tier: a bbolt file with one bucket per
// tenant, keyed by capture time so the newest snapshot is the last key.
// Values are s2-compressed JSON.
type LocalStore struct {
	db         *bolt.DB
	maxEntries int
	retention  time.Duration
}

// LocalOption adjusts LocalStore limits.
type LocalOption func(*LocalStore)

// WithMaxEntries overrides the per-tenant entry cap.
func WithMaxEntries(n int) LocalOption {
	return func(s *LocalStore) { s.maxEntries = n }
}

// WithRetention overrides the durable retention window.
func WithRetention(d time.Duration) LocalOption {
	return func(s *LocalStore) { s.retention = d }
}

// OpenLocalStore opens (or creates) the snapshot database at path.
func OpenLocalStore(path string, opts ...LocalOption) (*LocalStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	s := &LocalStore{db: db, maxEntries: defaultMaxEntries, retention: defaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// Put stores one snapshot and prunes the tenant's bucket to the entry cap
// and retention window.
func (s *LocalStore) Put(snap *Snapshot) error {
	stored := snap.Clone()
	stored.Compressed = true
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	value := s2.Encode(nil, data)

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(snap.TenantID))
		if err != nil {
			return err
		}
		if err := b.Put(captureKey(snap.CapturedAt), value); err != nil {
			return err
		}
		return s.prune(b)
	})
}

// Latest returns the newest stored snapshot for the tenant.
func (s *LocalStore) Latest(tenantID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tenantID))
		if b == nil {
			return ErrNoSnapshot
		}
		_, value := b.Cursor().Last()
		if value == nil {
			return ErrNoSnapshot
		}
		decoded, err := s2.Decode(nil, value)
		if err != nil {
			return fmt.Errorf("failed to decompress snapshot: %w", err)
		}
		snap = &Snapshot{}
		return json.Unmarshal(decoded, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// prune removes entries beyond the cap and past retention, oldest first.
// Keys sort by capture time, so the first key is always the oldest.
func (s *LocalStore) prune(b *bolt.Bucket) error {
	cutoff := captureKey(time.Now().Add(-s.retention))

	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	excess := len(keys) - s.maxEntries
	for i, k := range keys {
		if i >= excess && string(k) >= string(cutoff) {
			break
		}
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func captureKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}
