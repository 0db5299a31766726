package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/telroute/acd/internal/types"
)

// MemoryStore is an in-memory Store used in tests and when DynamoDB
// is disabled. Records are kept for the lifetime of the process.
type MemoryStore struct {
	mu          sync.Mutex
	events      map[string]types.TelephonyEvent
	statuses    map[string]types.ProcessingStatus
	transitions map[string][]types.CallStateTransition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]types.TelephonyEvent),
		statuses:    make(map[string]types.ProcessingStatus),
		transitions: make(map[string][]types.CallStateTransition),
	}
}

func (s *MemoryStore) SaveEvent(ctx context.Context, ev types.TelephonyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.EventID] = ev
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (types.TelephonyEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return types.TelephonyEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *MemoryStore) SaveStatus(ctx context.Context, st types.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.EventID] = st
	return nil
}

func (s *MemoryStore) SaveStatusBatch(ctx context.Context, sts []types.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range sts {
		s.statuses[st.EventID] = st
	}
	return nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, eventID string) (types.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[eventID]
	if !ok {
		return types.ProcessingStatus{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, now, staleBefore time.Time, maxAttempts, limit int) ([]types.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []types.ProcessingStatus
	for _, st := range s.statuses {
		switch st.State {
		case types.ProcessingPending:
			due = append(due, st)
		case types.ProcessingFailed:
			if st.Attempts < maxAttempts && !st.NextRetry.After(now) {
				due = append(due, st)
			}
		case types.ProcessingActive:
			// A stale claim: the worker died between claiming and
			// writing its result.
			if st.LastAttempt.Before(staleBefore) {
				due = append(due, st)
			}
		}
	}

	// Oldest first so retries do not starve behind fresh events.
	sort.Slice(due, func(i, j int) bool {
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) SaveTransition(ctx context.Context, tr types.CallStateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[tr.ChannelID] = append(s.transitions[tr.ChannelID], tr)
	return nil
}

func (s *MemoryStore) LastTransition(ctx context.Context, channelID string) (types.CallStateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trs := s.transitions[channelID]
	if len(trs) == 0 {
		return types.CallStateTransition{}, ErrNotFound
	}
	last := trs[0]
	for _, tr := range trs[1:] {
		if tr.Sequence > last.Sequence {
			last = tr
		}
	}
	return last, nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, channelID string) ([]types.CallStateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trs := s.transitions[channelID]
	out := make([]types.CallStateTransition, len(trs))
	copy(out, trs)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
