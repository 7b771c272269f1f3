package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"ballotbox/internal/domain"
)

var proposalPrefix = []byte("proposal/")

const defaultGCInterval = 5 * time.Minute

// Badger keeps proposals in a badger database. Without a data directory
// it runs in memory and nothing survives Close.
type Badger struct {
	db         *badger.DB
	logger     *slog.Logger
	dataDir    string
	gcEnabled  bool
	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcWg       sync.WaitGroup
	closeOnce  sync.Once
}

type BadgerOption func(*Badger)

// WithDataDir stores data under dir; empty means in-memory.
func WithDataDir(dir string) BadgerOption {
	return func(b *Badger) { b.dataDir = dir }
}

func WithLogger(logger *slog.Logger) BadgerOption {
	return func(b *Badger) { b.logger = logger }
}

// WithGC toggles the value log GC loop. Enabled by default for
// disk-backed stores.
func WithGC(enabled bool) BadgerOption {
	return func(b *Badger) { b.gcEnabled = enabled }
}

func WithGCInterval(d time.Duration) BadgerOption {
	return func(b *Badger) { b.gcInterval = d }
}

func NewBadger(opts ...BadgerOption) (*Badger, error) {
	b := &Badger{
		gcEnabled:  true,
		gcInterval: defaultGCInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var badgerOpts badger.Options
	if b.dataDir == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
		// nothing to collect in memory
		b.gcEnabled = false
	} else {
		if _, err := os.Stat(b.dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		badgerOpts = badger.DefaultOptions(b.dataDir)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(b.logger)).
		// The default INFO logging is a bit verbose
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	b.db = db
	if b.gcEnabled && b.gcInterval > 0 {
		b.gcStopCh = make(chan struct{})
		b.gcWg.Add(1)
		go b.runGC()
	}
	return b, nil
}

func (b *Badger) runGC() {
	defer b.gcWg.Done()
	t := time.NewTicker(b.gcInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for {
				err := b.db.RunValueLogGC(0.5)
				if err == nil {
					// run again while it keeps rewriting
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					b.logger.Warn("proposal store GC failure", "component", "store", "error", err)
				}
				break
			}
		case <-b.gcStopCh:
			return
		}
	}
}

func badgerKey(key uint64) []byte {
	k := make([]byte, len(proposalPrefix)+8)
	copy(k, proposalPrefix)
	binary.BigEndian.PutUint64(k[len(proposalPrefix):], key)
	return k
}

func (b *Badger) Get(_ context.Context, key uint64) (domain.Proposal, bool, error) {
	var (
		p     domain.Proposal
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		record, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err = Decode(record)
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return domain.Proposal{}, false, b.wrap(fmt.Errorf("get proposal %d: %w", key, err))
	}
	return p, found, nil
}

func (b *Badger) Insert(_ context.Context, key uint64, p domain.Proposal) (domain.Proposal, bool, error) {
	record, err := Encode(p)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	var (
		prev    domain.Proposal
		existed bool
	)
	k := badgerKey(key)
	err = b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			prev, err = Decode(old)
			if err != nil {
				return err
			}
			existed = true
		}
		return txn.Set(k, record)
	})
	if err != nil {
		return domain.Proposal{}, false, b.wrap(fmt.Errorf("insert proposal %d: %w", key, err))
	}
	return prev, existed, nil
}

// Update runs fn inside a badger transaction and retries when the commit
// loses a conflict with another writer.
func (b *Badger) Update(_ context.Context, key uint64, fn UpdateFunc) (domain.Proposal, bool, error) {
	k := badgerKey(key)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var (
			result domain.Proposal
			wrote  bool
		)
		err := b.db.Update(func(txn *badger.Txn) error {
			var (
				cur   domain.Proposal
				found bool
			)
			item, err := txn.Get(k)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				old, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if cur, err = Decode(old); err != nil {
					return err
				}
				found = true
			}
			next, write, err := fn(cur, found)
			if err != nil {
				return err
			}
			if !write {
				result = cur
				return nil
			}
			record, err := Encode(next)
			if err != nil {
				return err
			}
			result, wrote = next, true
			return txn.Set(k, record)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Proposal{}, false, b.wrap(err)
		}
		return result, wrote, nil
	}
	return domain.Proposal{}, false, fmt.Errorf("update proposal %d: %w", key, ErrConflict)
}

func (b *Badger) Len(_ context.Context) (uint64, error) {
	var n uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = proposalPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, b.wrap(fmt.Errorf("count proposals: %w", err))
	}
	return n, nil
}

func (b *Badger) wrap(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (b *Badger) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.gcStopCh != nil {
			close(b.gcStopCh)
			b.gcWg.Wait()
		}
		err = b.db.Close()
	})
	return err
}

// badgerLogger routes badger's printf-style logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) badgerLogger {
	return badgerLogger{logger: logger.With("component", "badger")}
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.logger.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}
