// Package indexer binds sources, normalization, embedding and storage into
// the per-source indexing state machine. Each run asks the rotation policy
// for an account plan, catches up bidirectionally per account under a shared
// request budget, and reports a RunReport upward. Nothing above per-item
// errors escapes a run as a raw error.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/boundary"
	"github.com/KASPACOM/ai-agent-sub001/go/embedding"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/rotation"
	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	"github.com/KASPACOM/ai-agent-sub001/go/transform"
	"github.com/KASPACOM/ai-agent-sub001/go/vectorstore"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config parameterizes an Indexer.
type Config struct {
	Collection  string
	Budget      int // Global source-request budget per run.
	BatchSize   int // Embedding chunk size.
	Parallelism int // Bounded parallel accounts; 1 means sequential.
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	return c
}

// Indexer drives indexing runs for one source.
type Indexer struct {
	source     message.Source
	adapter    sources.Adapter
	normalizer *transform.Normalizer
	embedder   *embedding.Service
	store      vectorstore.Store
	boundaries *boundary.Index
	policy     *rotation.Policy
	cfg        Config
}

// New builds an Indexer. All collaborators are process-lifetime resources
// shared with other indexers.
func New(
	adapter sources.Adapter,
	normalizer *transform.Normalizer,
	embedder *embedding.Service,
	store vectorstore.Store,
	boundaries *boundary.Index,
	policy *rotation.Policy,
	cfg Config,
) *Indexer {
	return &Indexer{
		source:     adapter.Source(),
		adapter:    adapter,
		normalizer: normalizer,
		embedder:   embedder,
		store:      store,
		boundaries: boundaries,
		policy:     policy,
		cfg:        cfg.withDefaults(),
	}
}

// Source identifies the platform this indexer drives.
func (ix *Indexer) Source() message.Source { return ix.source }

// fatalRunError aborts the whole run: the model contract or credentials are
// broken and retrying other accounts would only burn budget.
type fatalRunError struct{ err error }

func (e *fatalRunError) Error() string { return e.err.Error() }
func (e *fatalRunError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	return errors.Is(err, embedding.ErrDimensionMismatch) ||
		errors.Is(err, sources.ErrUnauthorized) ||
		errors.Is(err, sources.ErrFatal)
}

// Run executes one indexing run and always returns a report; a fatal error
// is recorded on the report rather than raised.
func (ix *Indexer) Run(ctx context.Context) message.RunReport {
	var started = time.Now()
	var report = message.RunReport{
		RunID:     uuid.NewString(),
		Source:    ix.source,
		StartedAt: started.UTC(),
	}
	var logger = log.WithFields(log.Fields{"source": ix.source, "runId": report.RunID})
	logger.Info("indexing run started")

	var accounts, err = ix.adapter.Accounts(ctx)
	if err != nil {
		return ix.finishFatal(report, started, fmt.Errorf("listing accounts: %w", err), logger)
	}
	plan, err := ix.policy.Plan(ix.source, accounts, ix.cfg.Budget)
	if err != nil {
		return ix.finishFatal(report, started, fmt.Errorf("planning rotation: %w", err), logger)
	}
	if len(plan) == 0 {
		logger.Info("no accounts eligible this run")
		report.Success = true
		report.ProcessingTime = time.Since(started)
		return report
	}

	// The global budget is shared by (possibly concurrent) accounts. Each
	// account reserves its allocation up front and refunds what it doesn't
	// use; a drained counter stops further account starts.
	var budget atomic.Int64
	budget.Store(int64(ix.cfg.Budget))

	var mu sync.Mutex // Guards report merging and the fatal slot.
	var fatal error

	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(ix.cfg.Parallelism)

	for _, alloc := range plan {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			var take = reserve(&budget, alloc.Requests)
			if take == 0 {
				return nil
			}
			var acct, err = ix.processAccount(groupCtx, alloc, take, logger)
			budget.Add(int64(take - acct.RequestsUsed))

			mu.Lock()
			report.Merge(acct)
			if err != nil && isFatal(err) && fatal == nil {
				fatal = err
			}
			mu.Unlock()

			if err != nil && isFatal(err) {
				return &fatalRunError{err: err} // Cancels groupCtx.
			}
			return nil
		})
	}
	_ = group.Wait()

	if fatal != nil {
		return ix.finishFatal(report, started, fatal, logger)
	}
	report.Success = true
	report.ProcessingTime = time.Since(started)
	logger.WithFields(log.Fields{
		"stored":       report.Stored,
		"processed":    report.Processed,
		"errors":       report.Errors,
		"requestsUsed": report.RequestsUsed,
		"rateLimited":  report.RateLimited,
		"elapsed":      report.ProcessingTime,
	}).Info("indexing run finished")
	return report
}

func (ix *Indexer) finishFatal(report message.RunReport, started time.Time, err error, logger *log.Entry) message.RunReport {
	report.Success = false
	report.FatalError = err.Error()
	report.ProcessingTime = time.Since(started)
	logger.WithError(err).Error("indexing run failed")
	return report
}

// reserve atomically takes up to |want| from the budget counter.
func reserve(budget *atomic.Int64, want int) int {
	for {
		var cur = budget.Load()
		if cur <= 0 {
			return 0
		}
		var take = int64(want)
		if take > cur {
			take = cur
		}
		if budget.CompareAndSwap(cur, cur-take) {
			return int(take)
		}
	}
}

// processAccount catches one account up: forward for new items, then
// backward for historical backfill when boundaries exist. Strictly
// sequential within the account.
func (ix *Indexer) processAccount(ctx context.Context, alloc rotation.Allocation, budget int, logger *log.Entry) (message.AccountReport, error) {
	var started = time.Now()
	var acct = message.AccountReport{Handle: alloc.Handle}
	logger = logger.WithFields(log.Fields{"handle": alloc.Handle, "allocated": budget, "reason": alloc.Reason})

	var finish = func(err error) (message.AccountReport, error) {
		acct.Elapsed = time.Since(started)
		var fb = rotation.Feedback{
			Allocated:    budget,
			RequestsUsed: acct.RequestsUsed,
			Processed:    acct.Stored,
			RateLimited:  acct.RateLimited,
			HasMore:      acct.HasMoreData,
			Done:         !acct.HasMoreData,
			Failed:       err != nil,
		}
		if err != nil {
			acct.FailureReason = err.Error()
			fb.FailureReason = err.Error()
			logger.WithError(err).Warn("account indexing failed")
		}
		if fbErr := ix.policy.Feedback(ix.source, alloc.Handle, fb); fbErr != nil {
			logger.WithError(fbErr).Warn("recording rotation feedback failed")
		}
		if acct.Stored > 0 {
			ix.boundaries.Invalidate(ix.source, alloc.Handle)
		}
		acct.WasCompleted = err == nil && !acct.RateLimited && acct.RequestsUsed < budget
		return acct, err
	}

	var bounds, err = ix.boundaries.Boundaries(ctx, ix.source, alloc.Handle)
	if err != nil {
		return finish(fmt.Errorf("querying boundaries: %w", err))
	}

	if !bounds.HasData {
		// Cold start: a single forward sweep over the configured lookback.
		if err := ix.runPhase(ctx, &acct, alloc.Handle, directionForward, time.Time{}, budget, logger); err != nil {
			return finish(err)
		}
		return finish(nil)
	}

	// Warm account: new items first on half the allocation, then backfill
	// with whatever remains.
	var fwdBudget = (budget + 1) / 2
	if err := ix.runPhase(ctx, &acct, alloc.Handle, directionForward, bounds.Latest, fwdBudget, logger); err != nil {
		return finish(err)
	}
	if acct.RateLimited {
		return finish(nil)
	}
	var remaining = budget - acct.RequestsUsed
	if remaining > 0 {
		if err := ix.runPhase(ctx, &acct, alloc.Handle, directionBackward, bounds.Earliest, remaining, logger); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}
