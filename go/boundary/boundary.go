// Package boundary derives per-handle {earliest, latest} timestamps from
// points already stored in the vector collection. Boundaries are always
// derived: the vector store is the ground truth, and the small cache here is
// a per-run convenience, never an authority.
package boundary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
)

// scanLimit bounds the payload scan per boundary query.
const scanLimit = 1000

// Boundary is the derived timestamp range of one partition handle.
type Boundary struct {
	Earliest time.Time
	Latest   time.Time
	HasData  bool
}

// Index answers boundary queries against a vector collection.
type Index struct {
	store      vectorstore.Store
	collection string
	cache      *expirable.LRU[string, Boundary]
}

// NewIndex builds a boundary index over |store|. Cached results expire after
// |cacheTTL|; a zero TTL disables caching entirely.
func NewIndex(store vectorstore.Store, collection string, cacheTTL time.Duration) *Index {
	var cache *expirable.LRU[string, Boundary]
	if cacheTTL > 0 {
		cache = expirable.NewLRU[string, Boundary](256, nil, cacheTTL)
	}
	return &Index{store: store, collection: collection, cache: cache}
}

// Boundaries returns the stored timestamp range for |(source, handle)|.
// An empty handle partition yields {HasData: false} with zero times.
func (x *Index) Boundaries(ctx context.Context, source message.Source, handle string) (Boundary, error) {
	var key = string(source) + "/" + handle
	if x.cache != nil {
		if b, ok := x.cache.Get(key); ok {
			return b, nil
		}
	}

	var lower = strings.ToLower(handle)
	var points, err = x.scan(ctx, source, lower)
	if err != nil {
		return Boundary{}, err
	}

	// Legacy points written before handle normalization carry original-case
	// handles; retry with the original case when it differs.
	if len(points) == 0 && handle != lower {
		if points, err = x.scan(ctx, source, handle); err != nil {
			return Boundary{}, err
		}
	}

	var b Boundary
	for _, p := range points {
		var createdAt, ok = parseCreatedAt(p.Payload)
		if !ok {
			log.WithFields(log.Fields{"point": p.ID, "handle": handle}).
				Warn("stored point has unparseable createdAt, skipped in boundary scan")
			continue
		}
		if !b.HasData {
			b = Boundary{Earliest: createdAt, Latest: createdAt, HasData: true}
			continue
		}
		if createdAt.Before(b.Earliest) {
			b.Earliest = createdAt
		}
		if createdAt.After(b.Latest) {
			b.Latest = createdAt
		}
	}

	if x.cache != nil {
		x.cache.Add(key, b)
	}
	return b, nil
}

// Invalidate drops the cached boundary of a handle, forcing the next query
// back to the store. Called after successful writes.
func (x *Index) Invalidate(source message.Source, handle string) {
	if x.cache != nil {
		x.cache.Remove(string(source) + "/" + handle)
	}
}

func (x *Index) scan(ctx context.Context, source message.Source, handle string) ([]vectorstore.Point, error) {
	var points, err = x.store.SearchFiltered(ctx, x.collection, vectorstore.SearchParams{
		Filter: []vectorstore.MatchCondition{
			{Key: "authorHandle", Value: handle},
			{Key: "source", Value: string(source)},
		},
		Limit:       scanLimit,
		WithPayload: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scanning boundaries of %q: %w", handle, err)
	}
	return points, nil
}

func parseCreatedAt(payload map[string]any) (time.Time, bool) {
	var raw, ok = payload["createdAt"].(string)
	if !ok {
		return time.Time{}, false
	}
	var t, err = time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
