package indexer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/boundary"
	"github.com/KASPACOM/ai-agent-sub001/go/embedding"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/rotation"
	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	"github.com/KASPACOM/ai-agent-sub001/go/transform"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	handle string
	pivot  time.Time
	budget int
}

// fakeAdapter serves scripted fetch results and records every call.
type fakeAdapter struct {
	accounts    []string
	forward     map[string]sources.FetchResult
	backward    map[string]sources.FetchResult
	forwardErr  map[string]error
	fwdCalls    []fetchCall
	bwdCalls    []fetchCall
	accountsErr error
}

func (a *fakeAdapter) Source() message.Source { return message.SourceMicroblog }

func (a *fakeAdapter) Accounts(context.Context) ([]string, error) {
	return a.accounts, a.accountsErr
}

func (a *fakeAdapter) FetchForward(_ context.Context, handle string, since time.Time, budget int) (sources.FetchResult, error) {
	a.fwdCalls = append(a.fwdCalls, fetchCall{handle, since, budget})
	if err := a.forwardErr[handle]; err != nil {
		return sources.FetchResult{RequestsUsed: 1}, err
	}
	return a.forward[handle], nil
}

func (a *fakeAdapter) FetchBackward(_ context.Context, handle string, before time.Time, budget int) (sources.FetchResult, error) {
	a.bwdCalls = append(a.bwdCalls, fetchCall{handle, before, budget})
	return a.backward[handle], nil
}

// memStore is an in-memory vectorstore.Store with scriptable bulk failures.
type memStore struct {
	mu          sync.Mutex
	points      map[string]vectorstore.Point
	failPointID string // bulk and single upserts containing this id fail
}

func newMemStore() *memStore { return &memStore{points: make(map[string]vectorstore.Point)} }

func (s *memStore) EnsureCollection(context.Context, vectorstore.CollectionSpec) error { return nil }
func (s *memStore) Healthy(context.Context) error                                     { return nil }
func (s *memStore) GetPoint(_ context.Context, _, id string) (*vectorstore.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.points[id]; ok {
		return &p, nil
	}
	return nil, nil
}
func (s *memStore) DeleteByIDs(_ context.Context, _ string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points, id)
	}
	return len(ids), nil
}

func (s *memStore) UpsertBatch(_ context.Context, _ string, points []vectorstore.Point) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPointID != "" {
		for _, p := range points {
			if p.ID == s.failPointID {
				return 0, fmt.Errorf("upsert rejected point %s", p.ID)
			}
		}
	}
	for _, p := range points {
		s.points[p.ID] = p
	}
	return len(points), nil
}

func (s *memStore) SearchFiltered(_ context.Context, _ string, params vectorstore.SearchParams) ([]vectorstore.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vectorstore.Point
	for _, p := range s.points {
		var match = true
		for _, cond := range params.Filter {
			if v, _ := p.Payload[cond.Key].(string); v != cond.Value {
				match = false
				break
			}
		}
		if match {
			out = append(out, p)
		}
	}
	return out, nil
}

// seed places a stored point for |handle| at |createdAt|, as a prior run
// would have.
func (s *memStore) seed(handle string, createdAt time.Time) {
	var id = transform.PointID(transform.StableID(message.SourceMicroblog, handle, createdAt.String()))
	s.points[id] = vectorstore.Point{
		ID: id,
		Payload: map[string]any{
			"authorHandle": handle,
			"source":       "microblog",
			"createdAt":    createdAt.UTC().Format(time.RFC3339),
		},
	}
}

type flatProvider struct {
	dims      int
	shortText string // texts equal to this come back one element short
}

func (p flatProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, int, error) {
	var out = make([][]float32, len(texts))
	for i, text := range texts {
		var dims = p.dims
		if text == p.shortText {
			dims--
		}
		out[i] = make([]float32, dims)
	}
	return out, len(texts), nil
}

type harness struct {
	adapter *fakeAdapter
	store   *memStore
	states  *rotation.MemoryStore
	ix      *Indexer
}

func newHarness(t *testing.T, adapter *fakeAdapter, store *memStore, cfg Config, providerDims int) *harness {
	return newHarnessWithProvider(t, adapter, store, cfg, flatProvider{dims: providerDims})
}

func newHarnessWithProvider(t *testing.T, adapter *fakeAdapter, store *memStore, cfg Config, provider embedding.Provider) *harness {
	t.Helper()
	var svc, err = embedding.NewService(provider, embedding.Config{
		Model:      "test-model",
		Dimensions: 4,
		BatchSize:  100,
		Pause:      time.Millisecond,
	})
	require.NoError(t, err)

	var states = rotation.NewMemoryStore()
	var h = &harness{
		adapter: adapter,
		store:   store,
		states:  states,
		ix: New(adapter, transform.NewNormalizer(), svc, store,
			boundary.NewIndex(store, "c", 0),
			rotation.NewPolicy(states, rotation.Config{}), cfg),
	}
	return h
}

func raw(handle, foreignID string, createdAt time.Time) message.Raw {
	return message.Raw{
		Source:    message.SourceMicroblog,
		Channel:   handle,
		ForeignID: foreignID,
		Text:      "kaspa message number " + foreignID,
		Author:    handle,
		CreatedAt: createdAt,
	}
}

func TestRunColdStart(t *testing.T) {
	var now = time.Now().UTC().Truncate(time.Second)
	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {
				Records:      []message.Raw{raw("kaspa", "3", now), raw("kaspa", "2", now.Add(-time.Hour)), raw("kaspa", "1", now.Add(-2*time.Hour))},
				RequestsUsed: 2,
				Done:         true,
			},
		},
	}
	var store = newMemStore()
	var h = newHarness(t, adapter, store, Config{Collection: "c", Budget: 5, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Equal(t, 3, report.Processed)
	require.Equal(t, 3, report.Embedded)
	require.Equal(t, 3, report.Stored)
	require.Zero(t, report.Errors)
	require.Equal(t, 2, report.RequestsUsed)
	require.False(t, report.HasMoreData)
	require.Len(t, store.points, 3)

	// Cold start: a single forward sweep with the full allocation, zero pivot.
	require.Len(t, adapter.fwdCalls, 1)
	require.True(t, adapter.fwdCalls[0].pivot.IsZero())
	require.Equal(t, 5, adapter.fwdCalls[0].budget)
	require.Empty(t, adapter.bwdCalls)

	// Rotation learned the account finished under budget.
	var state, ok, _ = h.states.Get(message.SourceMicroblog, "kaspa")
	require.True(t, ok)
	require.True(t, state.WasCompleted)
	require.Zero(t, state.ConsecutiveFailures)
}

func TestRunWarmSplitsBudget(t *testing.T) {
	var latest = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	var earliest = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var store = newMemStore()
	store.seed("kaspa", earliest)
	store.seed("kaspa", latest)

	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {Records: []message.Raw{raw("kaspa", "9", latest.Add(time.Hour))}, RequestsUsed: 2, Done: true},
		},
		backward: map[string]sources.FetchResult{
			"kaspa": {Records: []message.Raw{raw("kaspa", "0", earliest.Add(-time.Hour))}, RequestsUsed: 1, Done: true},
		},
	}
	var h = newHarness(t, adapter, store, Config{Collection: "c", Budget: 5, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Equal(t, 2, report.Stored)
	require.Equal(t, 3, report.RequestsUsed)

	// Forward gets the ceiling half against the stored latest; backward gets
	// what remains against the stored earliest.
	require.Len(t, adapter.fwdCalls, 1)
	require.Equal(t, latest, adapter.fwdCalls[0].pivot)
	require.Equal(t, 3, adapter.fwdCalls[0].budget)

	require.Len(t, adapter.bwdCalls, 1)
	require.Equal(t, earliest, adapter.bwdCalls[0].pivot)
	require.Equal(t, 3, adapter.bwdCalls[0].budget)
}

func TestRunPivotGuardDropsDuplicates(t *testing.T) {
	var latest = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	var store = newMemStore()
	store.seed("kaspa", latest)

	// The platform returns the pivot item itself along with a newer one.
	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {Records: []message.Raw{raw("kaspa", "9", latest.Add(time.Hour)), raw("kaspa", "8", latest)}, RequestsUsed: 1, Done: true},
		},
		backward: map[string]sources.FetchResult{"kaspa": {Done: true}},
	}
	var h = newHarness(t, adapter, store, Config{Collection: "c", Budget: 4, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Equal(t, 1, report.Stored)
}

func TestRunRateLimitAbortsAccount(t *testing.T) {
	var latest = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	var store = newMemStore()
	store.seed("kaspa", latest)

	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {RequestsUsed: 1, RateLimited: true, HasMore: true},
		},
	}
	var h = newHarness(t, adapter, store, Config{Collection: "c", Budget: 6, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success) // rate limiting is not a failure
	require.True(t, report.RateLimited)
	require.True(t, report.HasMoreData)
	require.Empty(t, adapter.bwdCalls) // backfill skipped after the limit hit

	var state, _, _ = h.states.Get(message.SourceMicroblog, "kaspa")
	require.Zero(t, state.ConsecutiveFailures)
	require.True(t, state.HasMoreData)
}

func TestRunDimensionMismatchIsFatal(t *testing.T) {
	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {Records: []message.Raw{raw("kaspa", "1", time.Now())}, RequestsUsed: 1, Done: true},
		},
	}
	// Provider yields 3-dimensional vectors against a 4-dimensional contract.
	var h = newHarness(t, adapter, newMemStore(), Config{Collection: "c", Budget: 4, BatchSize: 10}, 3)

	var report = h.ix.Run(context.Background())
	require.False(t, report.Success)
	require.Contains(t, report.FatalError, "dimension")
	require.Zero(t, report.Stored)
}

func TestRunIsolatedBadVectorIsPerItem(t *testing.T) {
	var now = time.Now().UTC()
	var records []message.Raw
	for i := 1; i <= 5; i++ {
		records = append(records, raw("kaspa", fmt.Sprintf("%d", i), now.Add(-time.Duration(i)*time.Minute)))
	}
	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {Records: records, RequestsUsed: 1, Done: true},
		},
	}
	var store = newMemStore()
	// One anomalous vector among good siblings must not sink the run.
	var h = newHarnessWithProvider(t, adapter, store, Config{Collection: "c", Budget: 4, BatchSize: 10},
		flatProvider{dims: 4, shortText: "kaspa message number 3"})

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Empty(t, report.FatalError)
	require.Equal(t, 4, report.Stored)
	require.Equal(t, 1, report.Errors)
	require.Len(t, store.points, 4)
}

func TestRunUnauthorizedIsFatal(t *testing.T) {
	var adapter = &fakeAdapter{
		accounts:   []string{"kaspa"},
		forwardErr: map[string]error{"kaspa": fmt.Errorf("resolving user: %w", sources.ErrUnauthorized)},
	}
	var h = newHarness(t, adapter, newMemStore(), Config{Collection: "c", Budget: 4, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.False(t, report.Success)
	require.Contains(t, report.FatalError, "credentials")
}

func TestRunTransientErrorIsReportable(t *testing.T) {
	var adapter = &fakeAdapter{
		accounts: []string{"down", "up"},
		forwardErr: map[string]error{
			"down": fmt.Errorf("fetching page: %w", sources.ErrTransient),
		},
		forward: map[string]sources.FetchResult{
			"up": {Records: []message.Raw{raw("up", "1", time.Now())}, RequestsUsed: 1, Done: true},
		},
	}
	var h = newHarness(t, adapter, newMemStore(), Config{Collection: "c", Budget: 6, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success) // one account failing does not sink the run
	require.Equal(t, 1, report.Stored)

	var state, _, _ = h.states.Get(message.SourceMicroblog, "down")
	require.Equal(t, 1, state.ConsecutiveFailures)
}

func TestRunBulkFallbackToSingle(t *testing.T) {
	var now = time.Now().UTC()
	var records = []message.Raw{raw("kaspa", "1", now), raw("kaspa", "2", now.Add(-time.Minute)), raw("kaspa", "3", now.Add(-2*time.Minute))}
	var adapter = &fakeAdapter{
		accounts: []string{"kaspa"},
		forward: map[string]sources.FetchResult{
			"kaspa": {Records: records, RequestsUsed: 1, Done: true},
		},
	}
	var store = newMemStore()
	store.failPointID = transform.PointID(transform.StableID(message.SourceMicroblog, "kaspa", "2"))

	var h = newHarness(t, adapter, store, Config{Collection: "c", Budget: 4, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Equal(t, 2, report.Stored)
	require.Equal(t, 1, report.Errors)
	require.Len(t, store.points, 2)
}

func TestStoreMessagesAdvancesToStored(t *testing.T) {
	var now = time.Now().UTC()
	var h = newHarness(t, &fakeAdapter{}, newMemStore(), Config{Collection: "c", BatchSize: 10}, 4)

	var msgs, skipped, _ = h.ix.normalizer.NormalizeBatch([]message.Raw{
		raw("kaspa", "1", now), raw("kaspa", "2", now.Add(-time.Minute)),
	})
	require.Zero(t, skipped)

	var acct message.AccountReport
	require.NoError(t, h.ix.storeMessages(context.Background(), &acct, msgs, log.WithField("test", t.Name())))
	require.Equal(t, 2, acct.Stored)
	for _, m := range msgs {
		require.Equal(t, message.StatusStored, m.Status)
	}
}

func TestStoreMessagesFallbackMarksFailure(t *testing.T) {
	var now = time.Now().UTC()
	var store = newMemStore()
	store.failPointID = transform.PointID(transform.StableID(message.SourceMicroblog, "kaspa", "2"))
	var h = newHarness(t, &fakeAdapter{}, store, Config{Collection: "c", BatchSize: 10}, 4)

	var msgs, _, _ = h.ix.normalizer.NormalizeBatch([]message.Raw{
		raw("kaspa", "1", now), raw("kaspa", "2", now.Add(-time.Minute)),
	})

	var acct message.AccountReport
	require.NoError(t, h.ix.storeMessages(context.Background(), &acct, msgs, log.WithField("test", t.Name())))
	require.Equal(t, 1, acct.Stored)
	require.Equal(t, 1, acct.Errors)
	require.Equal(t, message.StatusStored, msgs[0].Status)
	require.Equal(t, message.StatusFailed, msgs[1].Status)
	require.NotEmpty(t, msgs[1].Errors)
}

func TestRunSharedBudgetAcrossAccounts(t *testing.T) {
	var now = time.Now().UTC()
	var adapter = &fakeAdapter{
		accounts: []string{"a", "b", "c"},
		forward:  map[string]sources.FetchResult{},
	}
	for _, handle := range adapter.accounts {
		adapter.forward[handle] = sources.FetchResult{
			Records: []message.Raw{raw(handle, "1", now)}, RequestsUsed: 1, Done: true,
		}
	}
	var h = newHarness(t, adapter, newMemStore(), Config{Collection: "c", Budget: 3, BatchSize: 10}, 4)

	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Len(t, report.Accounts, 3)
	require.LessOrEqual(t, report.RequestsUsed, 3)

	var total int
	for _, call := range adapter.fwdCalls {
		total += call.budget
	}
	require.LessOrEqual(t, total, 3)
}

func TestRunNoAccounts(t *testing.T) {
	var h = newHarness(t, &fakeAdapter{}, newMemStore(), Config{Collection: "c", Budget: 4}, 4)
	var report = h.ix.Run(context.Background())
	require.True(t, report.Success)
	require.Zero(t, report.Processed)
	require.NotEmpty(t, report.RunID)
	require.False(t, strings.Contains(report.RunID, " "))
}
