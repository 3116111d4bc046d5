package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/parkaudit/parkaudit/pkg/errclass"
	"github.com/parkaudit/parkaudit/pkg/logging"
	"github.com/parkaudit/parkaudit/pkg/model"
)

// Key layout:
//
//	e/<lot>/<seq:be64>  entry JSON
//	t/<lot>             key of the lot's tail entry
//	i/<id>              key of the entry with that ID
//	s/seq               store-wide sequence
const (
	prefixEntry = "e/"
	prefixTail  = "t/"
	prefixID    = "i/"
	seqKey      = "s/seq"
)

// BadgerStore keeps the ledger in an embedded badger database. Appends run
// in optimistic transactions that read the tail pointer, so two writers
// racing on one lot make one of them fail with badger.ErrConflict.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadger opens a badger store at dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir string, logger *logging.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("open badger", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		db.Close()
		return nil, unavailable("badger sequence", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func entryKey(lotID string, seq int64) []byte {
	k := make([]byte, 0, len(prefixEntry)+len(lotID)+1+8)
	k = append(k, prefixEntry...)
	k = append(k, lotID...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func lotPrefix(lotID string) []byte {
	return []byte(prefixEntry + lotID + "/")
}

func getEntry(txn *badger.Txn, key []byte) (*model.LedgerEntry, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var e model.LedgerEntry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func tailIn(txn *badger.Txn, lotID string) (*model.LedgerEntry, error) {
	item, err := txn.Get([]byte(prefixTail + lotID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return getEntry(txn, key)
}

// Tail implements Store.
func (s *BadgerStore) Tail(ctx context.Context, lotID string) (*model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var tail *model.LedgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tail, err = tailIn(txn, lotID)
		return err
	})
	if err != nil {
		return nil, unavailable("badger tail", err)
	}
	return tail, nil
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, entry *model.LedgerEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	next, err := s.seq.Next()
	if err != nil {
		return unavailable("badger sequence", err)
	}
	seq := int64(next) + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		tail, err := tailIn(txn, entry.LotID)
		if err != nil {
			return err
		}
		if err := checkLink(tail, entry); err != nil {
			return err
		}

		stored := *entry
		stored.Seq = seq
		val, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		key := entryKey(entry.LotID, seq)
		if err := txn.Set(key, val); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixTail+entry.LotID), key); err != nil {
			return err
		}
		return txn.Set([]byte(prefixID+entry.ID), key)
	})
	switch {
	case err == nil:
		entry.Seq = seq
		return nil
	case errors.Is(err, errclass.ErrChainConflict):
		return err
	case errors.Is(err, badger.ErrConflict):
		return errclass.ErrChainConflict.WithMessagef("lot %s: concurrent append", entry.LotID)
	default:
		return unavailable("badger append", err)
	}
}

// Entries implements Store. Keys sort by big-endian Seq within a lot.
func (s *BadgerStore) Entries(ctx context.Context, lotID string) ([]model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	entries := []model.LedgerEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := lotPrefix(lotID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e model.LedgerEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("badger entries", err)
	}
	return entries, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*model.LedgerEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	var e *model.LedgerEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixID + id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e, err = getEntry(txn, key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable("badger get", err)
	}
	return e, nil
}

// Lots implements Store.
func (s *BadgerStore) Lots(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	lots := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixTail)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			lots = append(lots, strings.TrimPrefix(string(it.Item().Key()), prefixTail))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("badger lots", err)
	}
	return lots, nil
}

// Enrich implements Store.
func (s *BadgerStore) Enrich(ctx context.Context, id string, en model.Enrichment) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixID + id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e, err := getEntry(txn, key)
		if err != nil {
			return err
		}
		if err := checkEnrich(e, en); err != nil {
			return err
		}
		en.Apply(e)
		val, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		return txn.Set(key, val)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return notFound(id)
	case errors.Is(err, errclass.ErrEnrichRejected):
		return err
	default:
		return unavailable("badger enrich", err)
	}
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return unavailable("release sequence", err)
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to the structured logger.
// Info and debug chatter is demoted to debug.
type badgerLogger struct {
	l *logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
