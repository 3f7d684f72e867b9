package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

// BadgerStore keeps update history in an embedded badger database. Keys are
// "u/<room>/<seq>" with a big-endian sequence so iteration order equals
// append order.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger

	mu      sync.Mutex
	nextSeq map[string]uint64
}

// OpenBadger opens (or creates) the history database at dir.
func OpenBadger(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{
		db:      db,
		logger:  logger,
		nextSeq: make(map[string]uint64),
	}, nil
}

func roomPrefix(room string) []byte {
	return []byte("u/" + room + "/")
}

func updateKey(room string, seq uint64) []byte {
	key := roomPrefix(room)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// LoadSnapshot concatenates the room's updates in sequence order. Mergeable
// update fragments compose by concatenation, so the result is applied as
// one blob.
func (s *BadgerStore) LoadSnapshot(ctx context.Context, room string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = roomPrefix(room)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load history for room %s: %w", room, err)
	}
	return out, nil
}

// AppendUpdate writes one fragment under the room's next sequence number.
// The write is synced before returning.
func (s *BadgerStore) AppendUpdate(ctx context.Context, room string, update []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := s.claimSeq(room)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(updateKey(room, seq), update)
	})
	if err != nil {
		return fmt.Errorf("append update %d for room %s: %w", seq, room, err)
	}
	return nil
}

// claimSeq hands out the room's next sequence number, scanning existing
// keys on the room's first append after open.
func (s *BadgerStore) claimSeq(room string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextSeq[room]; ok {
		s.nextSeq[room] = next + 1
		return next, nil
	}
	var count uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = roomPrefix(room)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan history for room %s: %w", room, err)
	}
	s.nextSeq[room] = count + 1
	return count, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
