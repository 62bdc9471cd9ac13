// Package checkpoint persists the position of every change tailer so a
// restart resumes from the last fully consumed window.
//
// Records live in a Pebble database under
//
//	/cdccheckpoint/{table} -> encoding record (format byte + msgpack(Record))
//
// A checkpoint only moves forward through Save; Delete resets a table so the
// tailer falls back to its configured start position.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/keygate/keygate/encoding"
	"github.com/rs/zerolog/log"
)

const prefixCheckpoint = "/cdccheckpoint/"

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("checkpoint store is closed")

// ErrRegress is returned when Save would move a checkpoint backwards
var ErrRegress = errors.New("checkpoint cannot move backwards")

// Record is the persisted form of one table's checkpoint
type Record struct {
	Table     string `msgpack:"table"`
	Position  int64  `msgpack:"pos"`     // unix nanos, exclusive upper bound of the last window
	UpdatedAt int64  `msgpack:"updated"` // unix nanos
	Windows   uint64 `msgpack:"windows"` // windows committed since the record was created
}

// Time returns the checkpoint position
func (r Record) Time() time.Time {
	return time.Unix(0, r.Position).UTC()
}

// Store is a Pebble-backed checkpoint store, safe for concurrent use
type Store struct {
	db   *pebble.DB
	path string

	records   map[string]Record
	recordsMu sync.RWMutex

	closed atomic.Bool
}

// Open creates or opens the checkpoint store under dataDir
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "checkpoints")

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", dbPath, err)
	}

	s := &Store{
		db:      db,
		path:    dbPath,
		records: make(map[string]Record),
	}

	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	return s, nil
}

// loadAll loads every checkpoint into memory
func (s *Store) loadAll() error {
	prefix := []byte(prefixCheckpoint)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		table := string(iter.Key()[len(prefixCheckpoint):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		rec, err := encoding.Decode[Record](val)
		if err != nil {
			return fmt.Errorf("corrupted checkpoint for table %s: %w", table, err)
		}
		s.records[table] = rec
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(s.records) > 0 {
		log.Info().Int("tables", len(s.records)).Msg("Loaded tailer checkpoints")
	}
	return nil
}

// Load returns the checkpoint of a table; ok is false when none exists
func (s *Store) Load(table string) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, ErrClosed
	}

	s.recordsMu.RLock()
	rec, ok := s.records[table]
	s.recordsMu.RUnlock()

	if !ok {
		return time.Time{}, false, nil
	}
	return rec.Time(), true, nil
}

// Save persists a new checkpoint for table. The write is synced before the
// in-memory copy is updated.
func (s *Store) Save(table string, position time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	prev, exists := s.records[table]
	pos := position.UnixNano()
	if exists && pos < prev.Position {
		return fmt.Errorf("%w: table %s at %s, got %s", ErrRegress, table, prev.Time(), position.UTC())
	}

	rec := Record{
		Table:     table,
		Position:  pos,
		UpdatedAt: time.Now().UnixNano(),
		Windows:   prev.Windows + 1,
	}

	val, err := encoding.Encode(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.db.Set([]byte(prefixCheckpoint+table), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist checkpoint for %s: %w", table, err)
	}

	s.records[table] = rec
	return nil
}

// Delete removes the checkpoint of a table
func (s *Store) Delete(table string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	if err := s.db.Delete([]byte(prefixCheckpoint+table), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete checkpoint for %s: %w", table, err)
	}
	delete(s.records, table)
	return nil
}

// List returns all checkpoint records sorted by table
func (s *Store) List() ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.recordsMu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.recordsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

// Close closes the Pebble database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
