package rotation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	log "github.com/sirupsen/logrus"
)

// Config parameterizes the selection policy.
type Config struct {
	// Priorities assigns per-handle priorities; unlisted handles are normal.
	Priorities map[string]Priority
	// CooldownFailures is the consecutive-failure count which excludes an
	// account while within CooldownWindow of its last attempt.
	CooldownFailures int
	CooldownWindow   time.Duration
	// PriorityWeightScore converts a priority weight unit into score points.
	// Staleness contributes one point per minute, so priority dominates on
	// recent accounts while staleness eventually outweighs it: no account
	// starves.
	PriorityWeightScore float64
	// HasMoreBonus favors accounts whose last run was cut short.
	HasMoreBonus float64
	// FailurePenalty is deducted per consecutive failure, bounded.
	FailurePenalty    float64
	MaxPenalizedFails int
}

func (c Config) withDefaults() Config {
	if c.CooldownFailures <= 0 {
		c.CooldownFailures = 3
	}
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 30 * time.Minute
	}
	if c.PriorityWeightScore <= 0 {
		c.PriorityWeightScore = 120
	}
	if c.HasMoreBonus <= 0 {
		c.HasMoreBonus = 60
	}
	if c.FailurePenalty <= 0 {
		c.FailurePenalty = 30
	}
	if c.MaxPenalizedFails <= 0 {
		c.MaxPenalizedFails = 5
	}
	return c
}

// neverAttemptedStaleness stands in for the staleness of accounts that have
// no attempt on record, placing them ahead of everything recently tried.
const neverAttemptedStaleness = 7 * 24 * 60 // minutes

// Allocation is the policy's decision for one selected account.
type Allocation struct {
	Handle   string
	Requests int
	Reason   string
}

// Feedback reports an account's run outcome back to the policy.
type Feedback struct {
	Allocated     int
	RequestsUsed  int
	Processed     int
	RateLimited   bool
	HasMore       bool
	Done          bool
	Failed        bool
	FailureReason string
}

// Policy selects accounts and apportions the request budget. Selection is
// deterministic given store contents and the clock.
type Policy struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewPolicy builds a Policy over |store|.
func NewPolicy(store Store, cfg Config) *Policy {
	return &Policy{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

// Plan selects accounts for this run and splits |budget| among them. Every
// configured handle is ensured to exist in the store first, so accounts are
// tracked from first sight.
func (p *Policy) Plan(source message.Source, handles []string, budget int) ([]Allocation, error) {
	if budget <= 0 || len(handles) == 0 {
		return nil, nil
	}

	var now = p.now()
	var states = make([]AccountState, 0, len(handles))
	for _, handle := range handles {
		var state, ok, err = p.store.Get(source, handle)
		if err != nil {
			return nil, fmt.Errorf("loading state of %q: %w", handle, err)
		}
		if !ok {
			state = AccountState{Source: source, Handle: handle, Priority: p.priorityOf(handle)}
			if err := p.store.Put(state); err != nil {
				return nil, fmt.Errorf("creating state of %q: %w", handle, err)
			}
		}
		if p.coolingDown(state, now) {
			log.WithFields(log.Fields{"handle": handle, "failures": state.ConsecutiveFailures}).
				Debug("account on cool-down, excluded from rotation")
			continue
		}
		states = append(states, state)
	}
	if len(states) == 0 {
		return nil, nil
	}

	sort.SliceStable(states, func(i, j int) bool {
		var si, sj = p.score(states[i], now), p.score(states[j], now)
		if si != sj {
			return si > sj
		}
		return states[i].Handle < states[j].Handle
	})

	// Minimum viable allocation is one request; select until it is spent.
	var selected = states
	if len(selected) > budget {
		selected = selected[:budget]
	}

	var allocs = make([]Allocation, len(selected))
	var weightSum float64
	for i, s := range selected {
		allocs[i] = Allocation{Handle: s.Handle, Requests: 1, Reason: p.reason(s, now)}
		weightSum += s.Priority.Weight()
	}

	// Distribute the remainder proportional to priority; leftovers go to the
	// highest-scoring accounts first.
	var remaining = budget - len(selected)
	var distributed = 0
	for i, s := range selected {
		var extra = int(float64(remaining) * s.Priority.Weight() / weightSum)
		allocs[i].Requests += extra
		distributed += extra
	}
	for i := 0; distributed < remaining; i++ {
		allocs[i%len(allocs)].Requests++
		distributed++
	}
	return allocs, nil
}

// Feedback applies a run outcome to the account's state. Rate limiting never
// bumps the failure counter; any other failure does, and success resets it.
func (p *Policy) Feedback(source message.Source, handle string, fb Feedback) error {
	var state, ok, err = p.store.Get(source, handle)
	if err != nil {
		return fmt.Errorf("loading state of %q: %w", handle, err)
	}
	if !ok {
		state = AccountState{Source: source, Handle: handle, Priority: p.priorityOf(handle)}
	}

	var now = p.now()
	state.LastAttemptedAt = now
	state.ProcessedLastRun = fb.Processed

	switch {
	case fb.RateLimited:
		// Not an error: failure counter untouched, account favored next run.
		state.HasMoreData = true
		state.WasCompleted = false
	case fb.Failed:
		state.ConsecutiveFailures++
		state.WasCompleted = false
	default:
		state.ConsecutiveFailures = 0
		state.WasCompleted = fb.RequestsUsed < fb.Allocated || fb.Done
		state.HasMoreData = fb.HasMore || !fb.Done
		if state.WasCompleted {
			state.LastCompletedAt = now
		}
	}

	if err := p.store.Put(state); err != nil {
		return fmt.Errorf("saving state of %q: %w", handle, err)
	}
	return nil
}

func (p *Policy) priorityOf(handle string) Priority {
	if pr, ok := p.cfg.Priorities[strings.ToLower(handle)]; ok {
		return pr
	}
	return PriorityNormal
}

func (p *Policy) coolingDown(s AccountState, now time.Time) bool {
	return s.ConsecutiveFailures >= p.cfg.CooldownFailures &&
		!s.LastAttemptedAt.IsZero() &&
		now.Sub(s.LastAttemptedAt) < p.cfg.CooldownWindow
}

func (p *Policy) score(s AccountState, now time.Time) float64 {
	var score = s.Priority.Weight() * p.cfg.PriorityWeightScore
	score += p.staleness(s, now)
	if s.HasMoreData {
		score += p.cfg.HasMoreBonus
	}
	var fails = s.ConsecutiveFailures
	if fails > p.cfg.MaxPenalizedFails {
		fails = p.cfg.MaxPenalizedFails
	}
	score -= float64(fails) * p.cfg.FailurePenalty
	return score
}

func (p *Policy) staleness(s AccountState, now time.Time) float64 {
	if s.LastAttemptedAt.IsZero() {
		return neverAttemptedStaleness
	}
	return now.Sub(s.LastAttemptedAt).Minutes()
}

func (p *Policy) reason(s AccountState, now time.Time) string {
	var parts = []string{
		fmt.Sprintf("priority=%s", s.Priority),
		fmt.Sprintf("staleness=%.0fm", p.staleness(s, now)),
	}
	if s.HasMoreData {
		parts = append(parts, "hasMoreData")
	}
	if s.ConsecutiveFailures > 0 {
		parts = append(parts, fmt.Sprintf("failures=%d", s.ConsecutiveFailures))
	}
	return strings.Join(parts, " ")
}
