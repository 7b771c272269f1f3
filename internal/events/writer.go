package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProposalCreated     = "proposal.created"
	ProposalOverwritten = "proposal.overwritten"
	ProposalEdited      = "proposal.edited"
	ProposalEnded       = "proposal.ended"
	ProposalVoted       = "proposal.voted"
)

// Writer appends to the events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType string, key uint64, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,proposal_key,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, int64(key), actorID, string(data)) //nolint:gosec // stored as bit pattern like proposals.key
	return err
}
