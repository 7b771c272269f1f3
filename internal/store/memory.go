package store

import (
	"context"
	"sync"

	"ballotbox/internal/domain"
)

// Memory is a non-durable Map. Records are stored encoded so that callers
// never share slices with the map.
type Memory struct {
	mu     sync.RWMutex
	data   map[uint64][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[uint64][]byte)}
}

func (m *Memory) Get(_ context.Context, key uint64) (domain.Proposal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return domain.Proposal{}, false, ErrClosed
	}
	record, ok := m.data[key]
	if !ok {
		return domain.Proposal{}, false, nil
	}
	p, err := Decode(record)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	return p, true, nil
}

func (m *Memory) Insert(_ context.Context, key uint64, p domain.Proposal) (domain.Proposal, bool, error) {
	record, err := Encode(p)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Proposal{}, false, ErrClosed
	}
	old, existed := m.data[key]
	m.data[key] = record
	if !existed {
		return domain.Proposal{}, false, nil
	}
	prev, err := Decode(old)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	return prev, true, nil
}

func (m *Memory) Update(_ context.Context, key uint64, fn UpdateFunc) (domain.Proposal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Proposal{}, false, ErrClosed
	}
	var cur domain.Proposal
	old, found := m.data[key]
	if found {
		var err error
		if cur, err = Decode(old); err != nil {
			return domain.Proposal{}, false, err
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
	m.data[key] = record
	return next, true, nil
}

func (m *Memory) Len(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.data)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
