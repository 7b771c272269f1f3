// Package registry implements the proposal store and its voting rules.
//
// Every mutation runs under one exclusive lock: the current record is read,
// checked, and written back before the next operation starts, so callers
// never observe a half-applied change. Reads share the lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"

	"ballotbox/internal/auth"
	"ballotbox/internal/config"
	"ballotbox/internal/domain"
	"ballotbox/internal/events"
	"ballotbox/internal/metrics"
	"ballotbox/internal/store"
)

var (
	ErrNoSuchProposal = errors.New("no such proposal")
	ErrAccessRejected = errors.New("access rejected: caller is not the proposal owner")
	ErrAlreadyVoted   = errors.New("caller has already voted on this proposal")
	ErrNotActive      = errors.New("proposal is not active")
	ErrUpdate         = errors.New("proposal update failed")
	ErrInvalidInput   = errors.New("invalid input")
)

// CallerSource supplies the identity of whoever invoked an operation.
type CallerSource interface {
	Caller(ctx context.Context) (domain.Identity, error)
}

// EventSink records successful mutations. events.Writer implements it.
type EventSink interface {
	Append(ctx context.Context, evtType string, key uint64, actorID string, payload events.EventPayload) error
}

type Config struct {
	Store  store.Map
	Caller CallerSource
	// Events is optional.
	Events  EventSink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// MaxEncodedSize bounds the encoded record on create and edit.
	// Zero means config.DefaultMaxEncodedSize.
	MaxEncodedSize int
}

type Registry struct {
	store          store.Map
	caller         CallerSource
	events         EventSink
	metrics        *metrics.Metrics
	logger         *slog.Logger
	maxEncodedSize int

	mu sync.RWMutex
}

func New(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry requires a store")
	}
	if cfg.Caller == nil {
		return nil, errors.New("registry requires a caller source")
	}
	r := &Registry{
		store:          cfg.Store,
		caller:         cfg.Caller,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		maxEncodedSize: cfg.MaxEncodedSize,
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if r.maxEncodedSize <= 0 {
		r.maxEncodedSize = config.DefaultMaxEncodedSize
	}
	return r, nil
}

// MaxEncodedSize is the configured record size limit in bytes.
func (r *Registry) MaxEncodedSize() int {
	return r.maxEncodedSize
}

// GetProposal returns the proposal stored at key. A missing key is reported
// through the bool, not as an error.
func (r *Registry) GetProposal(ctx context.Context, key uint64) (p domain.Proposal, found bool, err error) {
	defer func() { r.observe("get_proposal", err) }()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(ctx, key)
}

func (r *Registry) GetProposalCount(ctx context.Context) (n uint64, err error) {
	defer func() { r.observe("get_proposal_count", err) }()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Len(ctx)
}

// CreateProposal stores a fresh proposal owned by the caller at key and
// returns whatever was stored there before. An existing proposal at key is
// replaced together with its votes, whoever owned it.
func (r *Registry) CreateProposal(ctx context.Context, key uint64, in domain.ProposalInput) (prev domain.Proposal, existed bool, err error) {
	defer func() { r.observe("create_proposal", err) }()
	caller, err := r.caller.Caller(ctx)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	p := fresh(in, caller)
	if err := r.validate(p); err != nil {
		return domain.Proposal{}, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed, err = r.store.Insert(ctx, key, p)
	if err != nil {
		return domain.Proposal{}, false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if existed {
		r.logger.Warn("proposal overwritten",
			"key", key,
			"caller", caller,
			"previous_owner", prev.Owner,
			"previous_votes", len(prev.Voted),
		)
		r.emit(ctx, events.ProposalOverwritten, key, caller, events.EventPayload{
			"previous_owner": prev.Owner,
			"previous_votes": len(prev.Voted),
		})
	}
	r.emit(ctx, events.ProposalCreated, key, caller, events.EventPayload{"active": p.Active})
	r.refreshCount(ctx)
	r.logger.Debug("proposal created", "key", key, "owner", caller, "active", p.Active)
	return prev, existed, nil
}

// EditProposal replaces the description and active flag. Only the owner
// may edit; counters, voters and owner are kept. Edit may reopen a closed
// proposal. The size limit covers what the input sets, not the voters.
func (r *Registry) EditProposal(ctx context.Context, key uint64, in domain.ProposalInput) (err error) {
	defer func() { r.observe("edit_proposal", err) }()
	caller, err := r.caller.Caller(ctx)
	if err != nil {
		return err
	}
	if err := r.validate(fresh(in, caller)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _, err := r.update(ctx, key, func(cur domain.Proposal, found bool) (domain.Proposal, bool, error) {
		if err := ownedBy(cur, found, caller); err != nil {
			return cur, false, err
		}
		cur.Description = in.Description
		cur.Active = in.Active
		return cur, true, nil
	})
	if err != nil {
		return err
	}
	r.emit(ctx, events.ProposalEdited, key, caller, events.EventPayload{"active": cur.Active})
	r.logger.Debug("proposal edited", "key", key, "active", cur.Active)
	return nil
}

// EndProposal closes the proposal. Only the owner may end it; ending a
// closed proposal succeeds without writing.
func (r *Registry) EndProposal(ctx context.Context, key uint64) (err error) {
	defer func() { r.observe("end_proposal", err) }()
	caller, err := r.caller.Caller(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, wrote, err := r.update(ctx, key, func(cur domain.Proposal, found bool) (domain.Proposal, bool, error) {
		if err := ownedBy(cur, found, caller); err != nil {
			return cur, false, err
		}
		if !cur.Active {
			return cur, false, nil
		}
		cur.Active = false
		return cur, true, nil
	})
	if err != nil || !wrote {
		return err
	}
	r.emit(ctx, events.ProposalEnded, key, caller, events.EventPayload{
		"approve": cur.Approve,
		"reject":  cur.Reject,
		"pass":    cur.Pass,
	})
	r.logger.Debug("proposal ended", "key", key)
	return nil
}

// Vote records the caller's choice. Checks run in a fixed order: the key
// must exist, the caller must not have voted, the proposal must be active.
func (r *Registry) Vote(ctx context.Context, key uint64, choice domain.Choice) (err error) {
	defer func() { r.observe("vote", err) }()
	caller, err := r.caller.Caller(ctx)
	if err != nil {
		return err
	}
	choice, err = domain.ParseChoice(string(choice))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _, err := r.update(ctx, key, func(cur domain.Proposal, found bool) (domain.Proposal, bool, error) {
		switch {
		case !found:
			return cur, false, ErrNoSuchProposal
		case cur.HasVoted(caller):
			return cur, false, ErrAlreadyVoted
		case !cur.Active:
			return cur, false, ErrNotActive
		}
		switch choice {
		case domain.ChoiceApprove:
			cur.Approve++
		case domain.ChoiceReject:
			cur.Reject++
		case domain.ChoicePass:
			cur.Pass++
		default:
			return cur, false, fmt.Errorf("%w: unknown choice %q", ErrInvalidInput, choice)
		}
		cur.Voted = append(cur.Voted, caller)
		return cur, true, nil
	})
	if err != nil {
		return err
	}
	r.metrics.Vote(string(choice))
	r.emit(ctx, events.ProposalVoted, key, caller, events.EventPayload{"choice": choice})
	r.logger.Debug("vote recorded", "key", key, "choice", choice, "voters", len(cur.Voted))
	return nil
}

// update runs fn through the store. Errors returned by fn are rule
// violations and pass through; anything else from the store wraps
// ErrUpdate. Callers hold r.mu.
func (r *Registry) update(ctx context.Context, key uint64, fn store.UpdateFunc) (domain.Proposal, bool, error) {
	var ruleErr error
	p, wrote, err := store.Update(ctx, r.store, key, func(cur domain.Proposal, found bool) (domain.Proposal, bool, error) {
		next, write, err := fn(cur, found)
		ruleErr = err
		return next, write, err
	})
	if ruleErr != nil {
		return domain.Proposal{}, false, ruleErr
	}
	if err != nil {
		return domain.Proposal{}, false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	return p, wrote, nil
}

func ownedBy(cur domain.Proposal, found bool, caller domain.Identity) error {
	if !found {
		return ErrNoSuchProposal
	}
	if cur.Owner != caller {
		return ErrAccessRejected
	}
	return nil
}

// fresh is the record a create with in would store.
func fresh(in domain.ProposalInput, owner domain.Identity) domain.Proposal {
	return domain.Proposal{
		Description: in.Description,
		Active:      in.Active,
		Voted:       []domain.Identity{},
		Owner:       owner,
	}
}

func (r *Registry) validate(p domain.Proposal) error {
	if !utf8.ValidString(p.Description) {
		return fmt.Errorf("%w: description is not valid UTF-8", ErrInvalidInput)
	}
	size, err := store.EncodedSize(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if size > r.maxEncodedSize {
		return fmt.Errorf("%w: encoded proposal is %d bytes, limit is %d", ErrInvalidInput, size, r.maxEncodedSize)
	}
	return nil
}

// emit appends to the event log. The mutation has already been persisted,
// so a failure here is logged and not returned.
func (r *Registry) emit(ctx context.Context, evtType string, key uint64, caller domain.Identity, payload events.EventPayload) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(ctx, evtType, key, string(caller), payload); err != nil {
		r.logger.Warn("append event failed", "type", evtType, "key", key, "error", err)
	}
}

func (r *Registry) refreshCount(ctx context.Context) {
	n, err := r.store.Len(ctx)
	if err != nil {
		r.logger.Debug("count proposals failed", "error", err)
		return
	}
	r.metrics.SetProposals(n)
}

func (r *Registry) observe(op string, err error) {
	r.metrics.Operation(op, ResultLabel(err))
}

// ResultLabel names the outcome of an operation for metrics and logs.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoSuchProposal):
		return "no_such_proposal"
	case errors.Is(err, ErrAccessRejected):
		return "access_rejected"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUpdate):
		return "update_error"
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	}
	return "error"
}
