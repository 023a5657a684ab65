package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/scopetree/scopetree/export/tracefile"
)

var errTraceNotFound = errors.New("trace not found")

// traceStore keeps trace records in badger, one lz4-compressed JSON value
// per record. Entries carry the retention TTL so expiry needs no sweeper
// of its own; the hourly cron only reclaims value-log space.
type traceStore struct {
	db  *badger.DB
	ttl time.Duration
}

func openTraceStore(config ServiceConfig) (*traceStore, error) {
	opts := badger.DefaultOptions(config.DataPath)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// badger logs through its own interface; the zerolog setup does not
	// plug into it, so keep it quiet.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening trace store: %w", err)
	}
	return &traceStore{
		db:  db,
		ttl: time.Duration(config.RetentionDays) * 24 * time.Hour,
	}, nil
}

func (s *traceStore) put(rec TraceRecord) error {
	var buf bytes.Buffer
	if err := tracefile.Write(&buf, rec); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(rec.ID), buf.Bytes()).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
}

func (s *traceStore) get(id string) (TraceRecord, error) {
	var rec TraceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errTraceNotFound
			}
			return err
		}
		return item.Value(func(value []byte) error {
			return tracefile.Read(bytes.NewReader(value), &rec)
		})
	})
	return rec, err
}

// getRaw returns the stored bytes as written: the lz4 frame itself.
func (s *traceStore) getRaw(id string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errTraceNotFound
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	return raw, err
}

func (s *traceStore) list() ([]string, error) {
	ids := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return ids, err
}

// runGC rewrites value-log files that are at least half garbage. Nothing
// to rewrite is the common case, not an error; in-memory stores have no
// value log at all.
func (s *traceStore) runGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func (s *traceStore) close() error {
	return s.db.Close()
}
