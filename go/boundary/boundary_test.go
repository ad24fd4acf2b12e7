package boundary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
	"github.com/stretchr/testify/require"
)

// fakeStore serves canned points keyed by the authorHandle filter value.
type fakeStore struct {
	points map[string][]vectorstore.Point
	calls  int
	err    error
}

func (s *fakeStore) EnsureCollection(context.Context, vectorstore.CollectionSpec) error { return nil }
func (s *fakeStore) UpsertBatch(context.Context, string, []vectorstore.Point) (int, error) {
	return 0, nil
}
func (s *fakeStore) GetPoint(context.Context, string, string) (*vectorstore.Point, error) {
	return nil, nil
}
func (s *fakeStore) DeleteByIDs(context.Context, string, []string) (int, error) { return 0, nil }
func (s *fakeStore) Healthy(context.Context) error                              { return nil }

func (s *fakeStore) SearchFiltered(_ context.Context, _ string, params vectorstore.SearchParams) ([]vectorstore.Point, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	for _, cond := range params.Filter {
		if cond.Key == "authorHandle" {
			return s.points[cond.Value], nil
		}
	}
	return nil, nil
}

func point(id, createdAt string) vectorstore.Point {
	return vectorstore.Point{ID: id, Payload: map[string]any{"createdAt": createdAt}}
}

func TestBoundariesDerivation(t *testing.T) {
	var store = &fakeStore{points: map[string][]vectorstore.Point{
		"kaspacurrency": {
			point("a", "2024-01-05T00:00:00Z"),
			point("b", "2024-01-01T00:00:00Z"),
			point("c", "2024-01-03T00:00:00Z"),
		},
	}}
	var x = NewIndex(store, "kaspa_social", 0)

	var b, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.NoError(t, err)
	require.True(t, b.HasData)
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), b.Earliest)
	require.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), b.Latest)
}

func TestBoundariesEmptyPartition(t *testing.T) {
	var x = NewIndex(&fakeStore{points: map[string][]vectorstore.Point{}}, "kaspa_social", 0)

	var b, err = x.Boundaries(context.Background(), message.SourceMicroblog, "nobody")
	require.NoError(t, err)
	require.False(t, b.HasData)
	require.True(t, b.Earliest.IsZero())
	require.True(t, b.Latest.IsZero())
}

func TestBoundariesLegacyCaseFallback(t *testing.T) {
	// Points written before handle normalization carry the original case.
	var store = &fakeStore{points: map[string][]vectorstore.Point{
		"KaspaCurrency": {point("a", "2024-02-01T00:00:00Z")},
	}}
	var x = NewIndex(store, "kaspa_social", 0)

	var b, err = x.Boundaries(context.Background(), message.SourceMicroblog, "KaspaCurrency")
	require.NoError(t, err)
	require.True(t, b.HasData)
	require.Equal(t, 2, store.calls) // lower-cased scan first, then original case
}

func TestBoundariesSkipUnparseable(t *testing.T) {
	var store = &fakeStore{points: map[string][]vectorstore.Point{
		"kaspacurrency": {
			point("a", "2024-01-02T00:00:00Z"),
			{ID: "broken", Payload: map[string]any{"createdAt": 12345}},
			{ID: "garbled", Payload: map[string]any{"createdAt": "not-a-time"}},
		},
	}}
	var x = NewIndex(store, "kaspa_social", 0)

	var b, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.NoError(t, err)
	require.True(t, b.HasData)
	require.Equal(t, b.Earliest, b.Latest)
}

func TestBoundariesCacheAndInvalidate(t *testing.T) {
	var store = &fakeStore{points: map[string][]vectorstore.Point{
		"kaspacurrency": {point("a", "2024-01-02T00:00:00Z")},
	}}
	var x = NewIndex(store, "kaspa_social", time.Minute)

	var _, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.NoError(t, err)
	_, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.NoError(t, err)
	require.Equal(t, 1, store.calls)

	x.Invalidate(message.SourceMicroblog, "kaspacurrency")
	_, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.NoError(t, err)
	require.Equal(t, 2, store.calls)
}

func TestBoundariesStoreError(t *testing.T) {
	var x = NewIndex(&fakeStore{err: errors.New("store down")}, "kaspa_social", 0)
	var _, err = x.Boundaries(context.Background(), message.SourceMicroblog, "kaspacurrency")
	require.ErrorContains(t, err, "store down")
}
