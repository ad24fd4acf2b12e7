// Package rotation apportions a scarce per-run request budget across source
// accounts. It owns AccountState: created on first sight, updated by run
// feedback, and consulted by the deterministic selection policy.
package rotation

import (
	"sync"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
)

// Priority orders accounts within the rotation.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the proportional budget weight of the priority.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// AccountState is the rotation's memory of one account. A single writer, the
// indexer task currently holding the account, mutates it through Feedback;
// the selection phase reads a snapshot.
type AccountState struct {
	Source              message.Source `json:"source"`
	Handle              string         `json:"handle"`
	Priority            Priority       `json:"priority"`
	LastAttemptedAt     time.Time      `json:"lastAttemptedAt"`
	LastCompletedAt     time.Time      `json:"lastCompletedAt"`
	ProcessedLastRun    int            `json:"processedLastRun"`
	WasCompleted        bool           `json:"wasCompleted"`
	HasMoreData         bool           `json:"hasMoreData"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
}

// Store persists AccountState keyed by (source, handle). Implementations must
// tolerate concurrent callers.
type Store interface {
	Get(source message.Source, handle string) (AccountState, bool, error)
	Put(state AccountState) error
	All(source message.Source) ([]AccountState, error)
	Close() error
}

// MemoryStore is the in-process Store. State is lost on restart, which the
// rotation tolerates: unknown accounts are simply treated as never attempted.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]AccountState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]AccountState)}
}

func stateKey(source message.Source, handle string) string {
	return string(source) + "/" + handle
}

// Get implements Store.
func (s *MemoryStore) Get(source message.Source, handle string) (AccountState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var state, ok = s.states[stateKey(source, handle)]
	return state, ok, nil
}

// Put implements Store.
func (s *MemoryStore) Put(state AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(state.Source, state.Handle)] = state
	return nil
}

// All implements Store.
func (s *MemoryStore) All(source message.Source) ([]AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AccountState
	for _, state := range s.states {
		if state.Source == source {
			out = append(out, state)
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
