package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	log "github.com/sirupsen/logrus"
)

// Config is the Qdrant gateway configuration.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Dimensions uint64
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("expected vector store host")
	}
	if c.Dimensions == 0 {
		return fmt.Errorf("expected non-zero vector dimensions")
	}
	return nil
}

// Qdrant implements Store over the Qdrant gRPC client. It is a
// process-lifetime resource and safe for concurrent callers.
type Qdrant struct {
	client *qdrant.Client
	dims   uint64
}

var _ Store = (*Qdrant)(nil)

// NewQdrant dials the vector store.
func NewQdrant(cfg Config) (*Qdrant, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating vector store config: %w", err)
	}
	var client, err = qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing vector store: %w", err)
	}
	return &Qdrant{client: client, dims: cfg.Dimensions}, nil
}

// Close releases the underlying connection.
func (q *Qdrant) Close() error { return q.client.Close() }

// EnsureCollection implements Store.
func (q *Qdrant) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("validating collection spec: %w", err)
	}

	var exists bool
	if err := withRetry(ctx, "collection-exists", func() (err error) {
		exists, err = q.client.CollectionExists(ctx, spec.Name)
		return err
	}); err != nil {
		return fmt.Errorf("checking collection %q: %w", spec.Name, err)
	}

	if exists {
		var info, err = q.client.GetCollectionInfo(ctx, spec.Name)
		if err != nil {
			return fmt.Errorf("fetching collection %q info: %w", spec.Name, err)
		}
		var params = info.GetConfig().GetParams().GetVectorsConfig().GetParams()
		if got := params.GetSize(); got != spec.Dimensions {
			return fmt.Errorf("collection %q has dimension %d but %d is configured; refusing to reconfigure",
				spec.Name, got, spec.Dimensions)
		}
		if got := params.GetDistance(); got != qdrant.Distance_Cosine {
			return fmt.Errorf("collection %q has distance %s but Cosine is required; refusing to reconfigure",
				spec.Name, got)
		}
		return nil
	}

	var err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     spec.Dimensions,
			Distance: qdrant.Distance_Cosine,
		}),
		OnDiskPayload: qdrant.PtrOf(true),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:                 qdrant.PtrOf(uint64(hnswM)),
			EfConstruct:       qdrant.PtrOf(uint64(hnswEfConstruct)),
			FullScanThreshold: qdrant.PtrOf(uint64(hnswFullScanThreshold)),
		},
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			DeletedThreshold:      qdrant.PtrOf(float64(optimizerDeletedThreshold)),
			VacuumMinVectorNumber: qdrant.PtrOf(uint64(optimizerVacuumMinVectorCount)),
		},
	})
	if err != nil {
		return fmt.Errorf("creating collection %q: %w", spec.Name, err)
	}
	log.WithFields(log.Fields{"collection": spec.Name, "dimensions": spec.Dimensions}).
		Info("created vector collection")
	return nil
}

// UpsertBatch implements Store.
func (q *Qdrant) UpsertBatch(ctx context.Context, collection string, points []Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	// Enforce the dimension invariant before anything is written, so a bad
	// point rejects the batch rather than being silently dropped.
	for i, p := range points {
		if uint64(len(p.Vector)) != q.dims {
			return 0, &DimensionError{PointID: p.ID, Index: i, Got: len(p.Vector), Want: int(q.dims)}
		}
	}

	var structs = make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		}
	}

	if err := withRetry(ctx, "upsert", func() error {
		var _, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         structs,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}); err != nil {
		return 0, fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return len(points), nil
}

// GetPoint implements Store.
func (q *Qdrant) GetPoint(ctx context.Context, collection, id string) (*Point, error) {
	var records []*qdrant.RetrievedPoint
	if err := withRetry(ctx, "get-point", func() (err error) {
		records, err = q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(id)},
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("fetching point %s: %w", id, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	var rec = records[0]
	return &Point{
		ID:      rec.GetId().GetUuid(),
		Vector:  rec.GetVectors().GetVector().GetData(),
		Payload: payloadToMap(rec.GetPayload()),
	}, nil
}

// DeleteByIDs implements Store.
func (q *Qdrant) DeleteByIDs(ctx context.Context, collection string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var pointIDs = make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	if err := withRetry(ctx, "delete", func() error {
		var _, err = q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points:         qdrant.NewPointsSelector(pointIDs...),
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}); err != nil {
		return 0, fmt.Errorf("deleting %d points: %w", len(ids), err)
	}
	return len(ids), nil
}

// SearchFiltered implements Store. A nil vector is a filter-only scan,
// realized as a payload scroll rather than a zero-vector similarity query.
func (q *Qdrant) SearchFiltered(ctx context.Context, collection string, params SearchParams) ([]Point, error) {
	var filter *qdrant.Filter
	if len(params.Filter) != 0 {
		var must = make([]*qdrant.Condition, len(params.Filter))
		for i, m := range params.Filter {
			must[i] = qdrant.NewMatch(m.Key, m.Value)
		}
		filter = &qdrant.Filter{Must: must}
	}

	if params.Vector == nil {
		var records []*qdrant.RetrievedPoint
		if err := withRetry(ctx, "scroll", func() (err error) {
			records, err = q.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: collection,
				Filter:         filter,
				Limit:          qdrant.PtrOf(uint32(params.Limit)),
				WithPayload:    qdrant.NewWithPayload(params.WithPayload),
				WithVectors:    qdrant.NewWithVectors(params.WithVector),
			})
			return err
		}); err != nil {
			return nil, fmt.Errorf("scrolling collection %q: %w", collection, err)
		}
		var out = make([]Point, len(records))
		for i, rec := range records {
			out[i] = Point{
				ID:      rec.GetId().GetUuid(),
				Vector:  rec.GetVectors().GetVector().GetData(),
				Payload: payloadToMap(rec.GetPayload()),
			}
		}
		return out, nil
	}

	var scored []*qdrant.ScoredPoint
	if err := withRetry(ctx, "query", func() (err error) {
		scored, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQueryDense(params.Vector),
			Filter:         filter,
			Limit:          qdrant.PtrOf(params.Limit),
			ScoreThreshold: qdrant.PtrOf(params.ScoreThreshold),
			WithPayload:    qdrant.NewWithPayload(params.WithPayload),
			WithVectors:    qdrant.NewWithVectors(params.WithVector),
		})
		return err
	}); err != nil {
		return nil, fmt.Errorf("querying collection %q: %w", collection, err)
	}
	var out = make([]Point, len(scored))
	for i, rec := range scored {
		out[i] = Point{
			ID:      rec.GetId().GetUuid(),
			Vector:  rec.GetVectors().GetVector().GetData(),
			Payload: payloadToMap(rec.GetPayload()),
		}
	}
	return out, nil
}

// Healthy implements Store.
func (q *Qdrant) Healthy(ctx context.Context) error {
	var _, err = q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("vector store health check: %w", err)
	}
	return nil
}
