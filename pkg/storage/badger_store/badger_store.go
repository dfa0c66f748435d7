package badger_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/pmkol/resync/pkg/safe_close"
	"github.com/pmkol/resync/pkg/storage"
	"github.com/pmkol/resync/pkg/utils"
)

var nopLogger = zap.NewNop()

var _ storage.Store = (*BadgerStore)(nil)

type Opts struct {
	// Dir is the database directory. Ignored if InMemory is set.
	Dir string

	InMemory bool

	// GCInterval is the value log GC interval. Default is 10m.
	// Unused in memory mode.
	GCInterval time.Duration

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if !opts.InMemory && len(opts.Dir) == 0 {
		return errors.New("badger store requires a dir")
	}
	utils.SetDefaultNum(&opts.GCInterval, 10*time.Minute)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type BadgerStore struct {
	opts Opts
	db   *badgerdb.DB
	sc   *safe_close.SafeClose
}

func New(opts Opts) (*BadgerStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	bo := badgerdb.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	bo = bo.WithLogger(badgerLogger{opts.Logger.Sugar()})

	db, err := badgerdb.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &BadgerStore{
		opts: opts,
		db:   db,
		sc:   safe_close.NewSafeClose(),
	}
	if !opts.InMemory {
		s.sc.Go(s.gcLoop)
	}
	return s, nil
}

func (s *BadgerStore) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// One call rewrites at most one log file. Loop until nothing is left.
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var v []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (s *BadgerStore) Set(ctx context.Context, key string, val []byte) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := append([]byte(nil), val...)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), b)
	})
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil && err != badgerdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
}

func (s *BadgerStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.DropAll()
}

func (s *BadgerStore) Close() error {
	s.sc.CloseWait()
	return s.db.Close()
}

// badgerLogger routes badger's internal logs to zap. Info is demoted to
// debug since badger is chatty at startup.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...any)    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...any)   { b.l.Debugf(f, v...) }
