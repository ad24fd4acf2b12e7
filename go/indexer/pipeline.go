package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	"github.com/KASPACOM/ai-agent-sub001/go/transform"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
	log "github.com/sirupsen/logrus"
)

type direction int

const (
	directionForward direction = iota
	directionBackward
)

func (d direction) String() string {
	if d == directionBackward {
		return "backward"
	}
	return "forward"
}

// runPhase performs one directional fetch for an account and pushes the
// results through normalize, embed and store, folding counters into |acct|.
func (ix *Indexer) runPhase(ctx context.Context, acct *message.AccountReport, handle string, dir direction, pivot time.Time, budget int, logger *log.Entry) error {
	logger = logger.WithFields(log.Fields{"direction": dir.String(), "pivot": pivot, "budget": budget})

	var res sources.FetchResult
	var err error
	switch dir {
	case directionForward:
		res, err = ix.adapter.FetchForward(ctx, handle, pivot, budget)
	default:
		res, err = ix.adapter.FetchBackward(ctx, handle, pivot, budget)
	}
	acct.RequestsUsed += res.RequestsUsed
	if err != nil {
		return fmt.Errorf("fetching %s of %q: %w", dir, handle, err)
	}
	acct.RateLimited = acct.RateLimited || res.RateLimited
	acct.HasMoreData = acct.HasMoreData || res.HasMore || !res.Done

	var msgs, skipped, warnings = ix.normalizer.NormalizeBatch(ix.withinPivot(res.Records, dir, pivot))
	for _, w := range warnings {
		logger.Warn(w)
	}
	acct.Processed += len(res.Records)
	if skipped > 0 {
		logger.WithField("skipped", skipped).Info("records skipped by normalization")
	}
	if len(msgs) == 0 {
		return nil
	}
	return ix.storeMessages(ctx, acct, msgs, logger)
}

// withinPivot drops records on the wrong side of the boundary pivot. Adapters
// already bound their queries; this guards against providers that return the
// pivot item itself, which would be re-stored as a duplicate point.
func (ix *Indexer) withinPivot(records []message.Raw, dir direction, pivot time.Time) []message.Raw {
	if pivot.IsZero() {
		return records
	}
	var out = records[:0]
	for _, r := range records {
		if dir == directionForward && !r.CreatedAt.After(pivot) {
			continue
		}
		if dir == directionBackward && !r.CreatedAt.Before(pivot) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// storeMessages embeds canonical messages chunk by chunk and upserts them.
// A chunk whose bulk upsert fails is retried point by point so one poison
// item cannot sink its whole chunk.
func (ix *Indexer) storeMessages(ctx context.Context, acct *message.AccountReport, msgs []*message.CanonicalMessage, logger *log.Entry) error {
	for start := 0; start < len(msgs); start += ix.cfg.BatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var end = start + ix.cfg.BatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := ix.storeChunk(ctx, acct, msgs[start:end], logger); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) storeChunk(ctx context.Context, acct *message.AccountReport, chunk []*message.CanonicalMessage, logger *log.Entry) error {
	var texts = make([]string, len(chunk))
	for i, m := range chunk {
		texts[i] = m.Text
	}
	var embedded, err = ix.embedder.Embed(ctx, texts)
	if err != nil {
		// Only a wholesale dimension mismatch or cancellation escapes Embed;
		// both invalidate the run.
		return fmt.Errorf("embedding chunk of %d: %w", len(chunk), err)
	}

	var storedAt = time.Now().UTC()
	var points = make([]vectorstore.Point, 0, len(chunk))
	var flushed = make([]*message.CanonicalMessage, 0, len(chunk))
	for i, m := range chunk {
		if embedded.Errors[i] != nil {
			m.Status = message.StatusFailed
			m.Errors = append(m.Errors, embedded.Errors[i].Error())
			acct.Errors++
			continue
		}
		if err := m.AdvanceTo(message.StatusEmbedded); err != nil {
			return err
		}
		acct.Embedded++
		flushed = append(flushed, m)
		points = append(points, vectorstore.Point{
			ID:      transform.PointID(m.ID),
			Vector:  embedded.Vectors[i],
			Payload: m.Payload(storedAt, ix.embedder.Dimensions()),
		})
	}
	if len(points) == 0 {
		return nil
	}

	var stored, err2 = ix.store.UpsertBatch(ctx, ix.cfg.Collection, points)
	if err2 != nil {
		logger.WithFields(log.Fields{"size": len(points), "err": err2}).
			Warn("bulk upsert failed, retrying points individually")
		for i, pt := range points {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := ix.store.UpsertBatch(ctx, ix.cfg.Collection, []vectorstore.Point{pt}); err != nil {
				logger.WithFields(log.Fields{"point": pt.ID, "err": err}).Warn("storing point failed")
				flushed[i].Status = message.StatusFailed
				flushed[i].Errors = append(flushed[i].Errors, err.Error())
				acct.Errors++
				continue
			}
			if err := flushed[i].AdvanceTo(message.StatusStored); err != nil {
				return err
			}
			acct.Stored++
		}
		return nil
	}
	for _, m := range flushed {
		if err := m.AdvanceTo(message.StatusStored); err != nil {
			return err
		}
	}
	acct.Stored += stored
	return nil
}
