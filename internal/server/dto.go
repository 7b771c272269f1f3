package server

import (
	"encoding/json"

	"ballotbox/internal/domain"
)

// Request payloads

type ProposalRequest struct {
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

type VoteRequest struct {
	Choice string `json:"choice" enum:"approve,reject,pass"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type ProposalResponse struct {
	Description string   `json:"description"`
	Approve     uint32   `json:"approve"`
	Reject      uint32   `json:"reject"`
	Pass        uint32   `json:"pass"`
	Active      bool     `json:"active"`
	Voted       []string `json:"voted"`
	Owner       string   `json:"owner"`
	Tally       uint64   `json:"tally"`
}

type ProposalLookupResponse struct {
	Key      uint64            `json:"key"`
	Proposal *ProposalResponse `json:"proposal"`
}

type CreateProposalResponse struct {
	Key      uint64            `json:"key"`
	Previous *ProposalResponse `json:"previous"`
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	ProposalKey uint64         `json:"proposal_key"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func proposalResponse(p domain.Proposal) *ProposalResponse {
	voted := make([]string, 0, len(p.Voted))
	for _, id := range p.Voted {
		voted = append(voted, string(id))
	}
	return &ProposalResponse{
		Description: p.Description,
		Approve:     p.Approve,
		Reject:      p.Reject,
		Pass:        p.Pass,
		Active:      p.Active,
		Voted:       voted,
		Owner:       string(p.Owner),
		Tally:       p.Tally(),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		ProposalKey: e.ProposalKey,
		ActorID:     e.ActorID,
		Payload:     decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{"raw": raw}
	}
	return m
}
