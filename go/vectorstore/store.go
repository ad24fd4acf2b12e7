// Package vectorstore is a thin typed gateway over the vector database. It
// owns the collection contract (dimension, distance, index parameters) and
// rejects points which violate it; everything else is a pass-through with
// bounded retries.
package vectorstore

import (
	"context"
	"fmt"
)

// CollectionSpec describes a vector collection. Distance is always cosine and
// the HNSW / optimizer parameters are fixed constants of the deployment, so
// only the name and dimension vary.
type CollectionSpec struct {
	Name       string
	Dimensions uint64
}

// Validate the spec.
func (s CollectionSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("expected collection name")
	}
	if s.Dimensions == 0 {
		return fmt.Errorf("expected non-zero collection dimensions")
	}
	return nil
}

// Fixed collection parameters, applied bit-exact at creation.
const (
	hnswM                 = 16
	hnswEfConstruct       = 100
	hnswFullScanThreshold = 10000

	optimizerDeletedThreshold     = 0.2
	optimizerVacuumMinVectorCount = 1000
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string // UUID string.
	Vector  []float32
	Payload map[string]any
}

// MatchCondition is an exact-match payload filter clause. Clauses are ANDed.
type MatchCondition struct {
	Key   string
	Value string
}

// SearchParams parameterizes a filtered search. A nil Vector means a
// filter-only scan: no similarity ranking, score threshold zero.
type SearchParams struct {
	Vector         []float32
	Filter         []MatchCondition
	Limit          uint64
	WithPayload    bool
	WithVector     bool
	ScoreThreshold float32
}

// Store is the gateway contract consumed by the rest of the pipeline.
type Store interface {
	// EnsureCollection creates the collection if absent, or validates that an
	// existing collection matches the spec. A dimension or distance mismatch
	// is an error: the gateway never silently reconfigures a collection.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// UpsertBatch writes points atomically. Re-upserting an existing id
	// overwrites it; this is the pipeline's idempotence boundary. Points whose
	// vector length differs from the collection dimension are rejected before
	// anything is written.
	UpsertBatch(ctx context.Context, collection string, points []Point) (stored int, err error)

	// GetPoint returns the point with |id|, or nil if absent.
	GetPoint(ctx context.Context, collection, id string) (*Point, error)

	// DeleteByIDs removes points and returns the count requested for removal.
	DeleteByIDs(ctx context.Context, collection string, ids []string) (int, error)

	// SearchFiltered runs a similarity search, or a filter-only scan when
	// params.Vector is nil.
	SearchFiltered(ctx context.Context, collection string, params SearchParams) ([]Point, error)

	// Healthy probes the store.
	Healthy(ctx context.Context) error
}

// DimensionError reports a point whose vector violates the collection
// dimension invariant. The batch it belonged to was not written.
type DimensionError struct {
	PointID string
	Index   int
	Got     int
	Want    int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("point %s (index %d): vector length %d does not match collection dimension %d",
		e.PointID, e.Index, e.Got, e.Want)
}
