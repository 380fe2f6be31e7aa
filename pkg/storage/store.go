package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store provides Pebble-based persistence for books, orders, escrows,
// authorizations, trades and custody balances.
// Writers serialize through their owning manager's mutex; reads are safe
// from any goroutine.
type Store struct {
	db    *pebble.DB
	codec Codec
}

// ErrReadOnly is returned by every write to a store opened with OpenReadOnly.
var ErrReadOnly = pebble.ErrReadOnly

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	return open(dbPath, false)
}

// OpenReadOnly opens an existing database for queries only. Writes and batch
// commits fail with ErrReadOnly.
func OpenReadOnly(dbPath string) (*Store, error) {
	return open(dbPath, true)
}

func open(dbPath string, readOnly bool) (*Store, error) {
	cache := pebble.NewCache(64 << 20) // 64MB cache
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                32 << 20, // 32MB memtable
		MaxConcurrentCompactions:    func() int { return 2 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
		ReadOnly:                    readOnly,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db, codec: JSONCodec{}}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get decodes the record at key into v.
// Returns false if the key doesn't exist.
func (s *Store) Get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()

	if err := s.codec.Decode(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Put persists a single record outside any batch.
func (s *Store) Put(key []byte, v any) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Scan calls fn for every record under prefix in key order. fn receives the
// raw value and a decode helper; returning ErrStopScan ends the scan early.
func (s *Store) Scan(prefix []byte, fn func(key []byte, decode func(v any) error) error) error {
	return s.scan(prefix, false, fn)
}

// ScanReverse is Scan from the last key backwards (newest first for
// time-ordered keys).
func (s *Store) ScanReverse(prefix []byte, fn func(key []byte, decode func(v any) error) error) error {
	return s.scan(prefix, true, fn)
}

// ErrStopScan ends a Scan without reporting an error.
var ErrStopScan = errors.New("stop scan")

func (s *Store) scan(prefix []byte, reverse bool, fn func(key []byte, decode func(v any) error) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator on %s: %w", prefix, err)
	}
	defer iter.Close()

	first, next := iter.First, iter.Next
	if reverse {
		first, next = iter.Last, iter.Prev
	}
	for ok := first(); ok && iter.Valid(); ok = next() {
		value := iter.Value()
		decode := func(v any) error { return s.codec.Decode(value, v) }
		if err := fn(iter.Key(), decode); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

// Batch provides atomic batch writes for multiple records
type Batch struct {
	batch *pebble.Batch
	codec Codec
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *Batch {
	return &Batch{
		batch: s.db.NewBatch(),
		codec: s.codec,
	}
}

// Put adds a record save to the batch
func (b *Batch) Put(key []byte, v any) error {
	data, err := b.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.batch.Set(key, data, nil)
}

// Delete adds a key removal to the batch
func (b *Batch) Delete(key []byte) error {
	return b.batch.Delete(key, nil)
}

// Commit writes the batch to Pebble atomically
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close releases the batch; uncommitted writes are discarded
func (b *Batch) Close() error {
	return b.batch.Close()
}
