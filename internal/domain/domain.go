package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Identity is the opaque caller token supplied by the host. Two identities
// are the same caller when they are equal.
type Identity string

type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoicePass    Choice = "pass"
)

// ParseChoice accepts approve, reject or pass in any case.
func ParseChoice(s string) (Choice, error) {
	c := Choice(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ChoiceApprove, ChoiceReject, ChoicePass:
		return c, nil
	}
	return "", fmt.Errorf("invalid choice %q (want approve, reject or pass)", s)
}

// Proposal is the stored record for one proposal key.
type Proposal struct {
	Description string     `json:"description" cbor:"1,keyasint"`
	Approve     uint32     `json:"approve" cbor:"2,keyasint"`
	Reject      uint32     `json:"reject" cbor:"3,keyasint"`
	Pass        uint32     `json:"pass" cbor:"4,keyasint"`
	Active      bool       `json:"active" cbor:"5,keyasint"`
	Voted       []Identity `json:"voted" cbor:"6,keyasint"`
	Owner       Identity   `json:"owner" cbor:"7,keyasint"`
}

// ProposalInput holds the fields an owner sets on create and edit.
type ProposalInput struct {
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// HasVoted reports whether id is already in the voter set.
func (p Proposal) HasVoted(id Identity) bool {
	return slices.Contains(p.Voted, id)
}

// Tally is approve+reject+pass.
func (p Proposal) Tally() uint64 {
	return uint64(p.Approve) + uint64(p.Reject) + uint64(p.Pass)
}

// Clone returns a copy that shares no slice memory with p.
func (p Proposal) Clone() Proposal {
	p.Voted = slices.Clone(p.Voted)
	return p
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ProposalKey uint64 `json:"proposal_key"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
