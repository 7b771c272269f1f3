package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ballotbox/internal/domain"
)

// SQLite keeps proposals in the proposals table of the workspace database.
// Keys are stored as the int64 bit pattern of the uint64 key.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db, Now: time.Now}
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func sqlKey(key uint64) int64 {
	return int64(key) //nolint:gosec // bit pattern is preserved and reversed on read
}

func (s *SQLite) Get(ctx context.Context, key uint64) (domain.Proposal, bool, error) {
	record, err := s.record(ctx, key)
	if err != nil || record == nil {
		return domain.Proposal{}, false, err
	}
	p, err := Decode(record)
	if err != nil {
		return domain.Proposal{}, false, fmt.Errorf("get proposal %d: %w", key, err)
	}
	return p, true, nil
}

// record returns the stored bytes for key, or nil when it is absent.
func (s *SQLite) record(ctx context.Context, key uint64) ([]byte, error) {
	var record []byte
	err := s.DB.QueryRowContext(ctx, `SELECT record FROM proposals WHERE key=?`, sqlKey(key)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal %d: %w", key, err)
	}
	return record, nil
}

func (s *SQLite) Insert(ctx context.Context, key uint64, p domain.Proposal) (domain.Proposal, bool, error) {
	record, err := Encode(p)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	defer tx.Rollback()

	var (
		prev    domain.Proposal
		existed bool
		old     []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT record FROM proposals WHERE key=?`, sqlKey(key)).Scan(&old)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.Proposal{}, false, fmt.Errorf("read previous proposal %d: %w", key, err)
	default:
		prev, err = Decode(old)
		if err != nil {
			return domain.Proposal{}, false, err
		}
		existed = true
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO proposals(key,record,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET record=excluded.record, updated_at=excluded.updated_at`, sqlKey(key), record, now); err != nil {
		return domain.Proposal{}, false, fmt.Errorf("insert proposal %d: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, false, err
	}
	return prev, existed, nil
}

// Update reads the record, applies fn and writes the result only if the row
// still holds the bytes that were read. Another connection, possibly in
// another process, may write in between; fn is then re-run on its result.
func (s *SQLite) Update(ctx context.Context, key uint64, fn UpdateFunc) (domain.Proposal, bool, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		old, err := s.record(ctx, key)
		if err != nil {
			return domain.Proposal{}, false, err
		}
		var cur domain.Proposal
		found := old != nil
		if found {
			if cur, err = Decode(old); err != nil {
				return domain.Proposal{}, false, fmt.Errorf("get proposal %d: %w", key, err)
			}
		}
		next, write, err := fn(cur, found)
		if err != nil {
			return domain.Proposal{}, false, err
		}
		if !write {
			return cur, false, nil
		}
		record, err := Encode(next)
		if err != nil {
			return domain.Proposal{}, false, err
		}
		now := s.now().UTC().Format(time.RFC3339Nano)
		var res sql.Result
		if found {
			res, err = s.DB.ExecContext(ctx, `UPDATE proposals SET record=?, updated_at=? WHERE key=? AND record=?`,
				record, now, sqlKey(key), old)
		} else {
			res, err = s.DB.ExecContext(ctx, `INSERT INTO proposals(key,record,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO NOTHING`, sqlKey(key), record, now)
		}
		if err != nil {
			return domain.Proposal{}, false, fmt.Errorf("update proposal %d: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Proposal{}, false, fmt.Errorf("update proposal %d: %w", key, err)
		}
		if n == 1 {
			return next, true, nil
		}
	}
	return domain.Proposal{}, false, fmt.Errorf("update proposal %d: %w", key, ErrConflict)
}

func (s *SQLite) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM proposals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count proposals: %w", err)
	}
	return uint64(n), nil //nolint:gosec // count(*) is never negative
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLite) Close() error {
	return nil
}
