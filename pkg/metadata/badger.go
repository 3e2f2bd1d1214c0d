package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/sauravfouzdar/minidfs/pkg/common"
)

// key layout
//
//	p/<filename>         placement json
//	r/<filename>/<seq>   replica node, seq is zero padded so keys sort in insertion order
//	n/<filename>/<node>  replica membership, keeps PutReplica idempotent
const (
	placementPrefix = "p/"
	replicaPrefix   = "r/"
	memberPrefix    = "n/"
)

// conflictRetries bounds how often a replica append is retried after a transaction conflict
const conflictRetries = 5

// BadgerStore is an embedded Store. One process owns the directory.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at dir. An empty dir keeps everything in memory.
func OpenBadger(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.With().Str("component", "badger").Logger()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open metadata store %q: %v", common.ErrIO, dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// PutPlacement implements Store
func (s *BadgerStore) PutPlacement(ctx context.Context, p common.Placement) error {
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := []byte(placementPrefix + p.Filename)
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); !errors.Is(err, badger.ErrKeyNotFound) {
			if err == nil {
				return common.ErrPlacementExists
			}
			return err
		}
		return txn.Set(key, value)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrPlacementExists), errors.Is(err, badger.ErrConflict):
		// a conflicting commit means a concurrent insert of the same key won
		return fmt.Errorf("%w: %s", common.ErrPlacementExists, p.Filename)
	}
	return fmt.Errorf("%w: put placement: %v", common.ErrIO, err)
}

// GetPlacement implements Store
func (s *BadgerStore) GetPlacement(ctx context.Context, filename string) (common.Placement, error) {
	var p common.Placement
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(placementPrefix + filename))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return common.Placement{}, fmt.Errorf("%w: %s", common.ErrNotFound, filename)
	}
	if err != nil {
		return common.Placement{}, fmt.Errorf("%w: get placement: %v", common.ErrIO, err)
	}
	return p, nil
}

// PutReplica implements Store
func (s *BadgerStore) PutReplica(ctx context.Context, filename string, node common.NodeAddress) error {
	member := []byte(memberPrefix + filename + "/" + node.String())
	prefix := []byte(replicaPrefix + filename + "/")

	var err error
	for range conflictRetries {
		err = s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(member); err == nil {
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			seq := countPrefix(txn, prefix)
			if err := txn.Set(member, nil); err != nil {
				return err
			}
			return txn.Set(replicaKey(filename, seq), []byte(node))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("%w: put replica: %v", common.ErrIO, err)
	}
	return nil
}

// GetReplicas implements Store
func (s *BadgerStore) GetReplicas(ctx context.Context, filename string) ([]common.NodeAddress, error) {
	prefix := []byte(replicaPrefix + filename + "/")
	var nodes []common.NodeAddress
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			nodes = append(nodes, common.NodeAddress(val))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get replicas: %v", common.ErrIO, err)
	}
	return nodes, nil
}

// Purge implements Store
func (s *BadgerStore) Purge(ctx context.Context) error {
	return s.db.DropAll()
}

// Close implements Store
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func replicaKey(filename string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", replicaPrefix, filename, seq))
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.Valid() && bytes.HasPrefix(it.Item().Key(), prefix); it.Next() {
		n++
	}
	return n
}

// badgerLogger routes badger's internal logging into zerolog
type badgerLogger struct {
	zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{}) { l.Error().Msgf(f, v...) }

func (l badgerLogger) Warningf(f string, v ...interface{}) { l.Warn().Msgf(f, v...) }

func (l badgerLogger) Infof(f string, v ...interface{}) { l.Debug().Msgf(f, v...) }

func (l badgerLogger) Debugf(f string, v ...interface{}) { l.Trace().Msgf(f, v...) }
