// Package storage persists the node state that must survive restart: the
// append-only finalized vertex log, keyed by insertion index, and the dark
// records this node owns. Both live in one Pebble database; vertex bodies
// are zstd-compressed at rest.
package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
)

// defaultSyncInterval is the interval between WAL syncs. Finality is
// announced before the WAL hits disk; a crash inside this window loses at
// most the last interval of log entries, which replay re-derives from
// consensus.
const defaultSyncInterval = 100 * time.Millisecond

// Key prefixes. The finality log uses big-endian indices so lexicographic
// iteration follows insertion order; owned records are keyed by name and
// overwritten in place, so only the latest record per name survives.
var (
	prefixFinal = []byte("f:") // f:<index u64 BE> -> <vertex id 32> || zstd(vertex bytes)
	prefixOwned = []byte("d:") // d:<name> -> dark record bytes
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Store holds the persisted node state. Writes are non-blocking (NoSync);
// a background goroutine periodically syncs the WAL.
type Store struct {
	db       *pebble.DB
	stopSync chan struct{}
	wg       sync.WaitGroup
}

// Open creates or reopens the store at the given path and starts the
// background WAL sync loop. The cache is sized for replaying compressed
// vertex bodies, not for serving reads: after startup the log is
// append-only and the DAG works from memory.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20),
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		stopSync: make(chan struct{}),
	}
	s.startSyncLoop()
	return s, nil
}

// AppendFinalized records a finalized vertex under its insertion index.
// Finality never retracts, so keys are never rewritten.
func (s *Store) AppendFinalized(index uint64, id [32]byte, encoded []byte) error {
	value := make([]byte, 32, 32+len(encoded))
	copy(value, id[:])
	value = zstdEncoder.EncodeAll(encoded, value)
	return s.db.Set(finalKey(index), value, pebble.NoSync)
}

// ReplayFinalized walks the finalized log in insertion order.
func (s *Store) ReplayFinalized(fn func(index uint64, id [32]byte, encoded []byte) error) error {
	return s.iterPrefix(prefixFinal, func(key, value []byte) error {
		if len(key) != len(prefixFinal)+8 || len(value) < 32 {
			return fmt.Errorf("storage: corrupt finality log entry")
		}
		index := binary.BigEndian.Uint64(key[len(prefixFinal):])

		var id [32]byte
		copy(id[:], value[:32])

		encoded, err := zstdDecoder.DecodeAll(value[32:], nil)
		if err != nil {
			return fmt.Errorf("storage: decompress finality log entry %d: %w", index, err)
		}
		return fn(index, id, encoded)
	})
}

// AppendOwned stores the latest owned dark record for a name. Revocations
// overwrite the record they supersede.
func (s *Store) AppendOwned(name string, encoded []byte) error {
	return s.db.Set(ownedKey(name), encoded, pebble.NoSync)
}

// ReplayOwned walks the owned dark-record log.
func (s *Store) ReplayOwned(fn func(name string, encoded []byte) error) error {
	return s.iterPrefix(prefixOwned, func(key, value []byte) error {
		return fn(string(key[len(prefixOwned):]), value)
	})
}

// iterPrefix calls fn for each pair under prefix in key order.
func (s *Store) iterPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

// finalKey builds the finality log key for an insertion index.
func finalKey(index uint64) []byte {
	key := make([]byte, len(prefixFinal)+8)
	copy(key, prefixFinal)
	binary.BigEndian.PutUint64(key[len(prefixFinal):], index)
	return key
}

func ownedKey(name string) []byte {
	return append(append([]byte(nil), prefixOwned...), name...)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}
	return nil // all 0xFF: unbounded
}

// Close stops the sync loop, performs a final sync and closes the store.
func (s *Store) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return err
	}
	return s.db.Close()
}

func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

func (s *Store) startSyncLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}
