package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ballotbox/internal/domain"
)

// Repo reads the workspace metadata tables: the event log and API keys.
// Proposal records themselves go through store.Map.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows LatestEvents. Zero values match everything.
type EventFilter struct {
	Limit       int
	Type        string
	ProposalKey *uint64
	ActorID     string
}

const eventColumns = `id,ts,type,proposal_key,actor_id,payload_json`

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ProposalKey != nil {
		clauses = append(clauses, "proposal_key=?")
		args = append(args, int64(*f.ProposalKey)) //nolint:gosec // bit pattern
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id > afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e   domain.Event
			key int64
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &key, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.ProposalKey = uint64(key) //nolint:gosec // bit pattern
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
