// Package scheduler owns the periodic execution of indexing runs. Cron
// expressions are evaluated in UTC, one run per source may be in flight at a
// time, and every finished run is folded into the stats registry.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/indexer"
	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/stats"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Config maps sources to cron expressions. Specs use the standard five-field
// syntax plus the @every / @daily descriptors.
type Config struct {
	Specs      map[message.Source]string
	HealthSpec string
}

func (c Config) withDefaults() Config {
	if c.Specs == nil {
		c.Specs = make(map[message.Source]string)
	}
	if c.Specs[message.SourceMicroblog] == "" {
		c.Specs[message.SourceMicroblog] = "@every 15m"
	}
	if c.Specs[message.SourceGroupchat] == "" {
		c.Specs[message.SourceGroupchat] = "@every 24h"
	}
	if c.HealthSpec == "" {
		c.HealthSpec = "@every 5m"
	}
	return c
}

// JobStatus describes one scheduled source job.
type JobStatus struct {
	Source      message.Source `json:"source"`
	Spec        string         `json:"spec"`
	Running     bool           `json:"running"`
	NextRun     time.Time      `json:"nextRun"`
	PrevRun     time.Time      `json:"prevRun,omitzero"`
	SkippedRuns int            `json:"skippedRuns"`
	LastRunID   string         `json:"lastRunId,omitempty"`
	LastSuccess bool           `json:"lastSuccess"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running   bool        `json:"running"`
	StartedAt time.Time   `json:"startedAt,omitzero"`
	Jobs      []JobStatus `json:"jobs"`
}

type sourceJob struct {
	ix      *indexer.Indexer
	spec    string
	entry   cron.EntryID
	running atomic.Bool
	skipped atomic.Int64
	last    atomic.Pointer[message.RunReport]
}

// Scheduler runs indexers on their cron cadence.
type Scheduler struct {
	cfg      Config
	registry *stats.Registry
	health   *stats.Health

	mu        sync.Mutex
	cron      *cron.Cron
	jobs      []*sourceJob
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// New builds a Scheduler over |indexers|. Start must be called before any
// job fires.
func New(registry *stats.Registry, health *stats.Health, cfg Config, indexers ...*indexer.Indexer) *Scheduler {
	cfg = cfg.withDefaults()
	var s = &Scheduler{cfg: cfg, registry: registry, health: health}
	for _, ix := range indexers {
		s.jobs = append(s.jobs, &sourceJob{ix: ix, spec: cfg.Specs[ix.Source()]})
	}
	return s
}

// Start schedules all jobs and begins ticking. It fails fast on a malformed
// cron expression.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	var c = cron.New(cron.WithLocation(time.UTC))
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, job := range s.jobs {
		var entry, err = c.AddFunc(job.spec, func() { s.runSource(job) })
		if err != nil {
			s.cancel()
			return fmt.Errorf("scheduling %s on %q: %w", job.ix.Source(), job.spec, err)
		}
		job.entry = entry
		log.WithFields(log.Fields{"source": job.ix.Source(), "spec": job.spec}).Info("scheduled source")
	}
	if s.health != nil {
		if _, err := c.AddFunc(s.cfg.HealthSpec, s.runHealth); err != nil {
			s.cancel()
			return fmt.Errorf("scheduling health probe on %q: %w", s.cfg.HealthSpec, err)
		}
	}

	c.Start()
	s.cron = c
	s.startedAt = time.Now().UTC()
	return nil
}

// Stop cancels in-flight runs and waits for them to drain, bounded by |ctx|.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	var c = s.cron
	var cancel = s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	var drained = c.Stop()
	if cancel != nil {
		cancel()
	}
	select {
	case <-drained.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled runs to drain: %w", ctx.Err())
	}
}

// Reset stops the scheduler and starts it again with fresh cron entries.
func (s *Scheduler) Reset(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start()
}

// RunNow triggers one source immediately, outside its cadence. It still
// honors the single-flight rule.
func (s *Scheduler) RunNow(source message.Source) error {
	for _, job := range s.jobs {
		if job.ix.Source() == source {
			s.runSource(job)
			return nil
		}
	}
	return fmt.Errorf("no scheduled job for source %q", source)
}

// Status reports all jobs with their cron timing.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	var c = s.cron
	var status = Status{Running: c != nil, StartedAt: s.startedAt}
	s.mu.Unlock()

	for _, job := range s.jobs {
		var js = JobStatus{
			Source:      job.ix.Source(),
			Spec:        job.spec,
			Running:     job.running.Load(),
			SkippedRuns: int(job.skipped.Load()),
		}
		if c != nil {
			var entry = c.Entry(job.entry)
			js.NextRun = entry.Next
			js.PrevRun = entry.Prev
		}
		if report := job.last.Load(); report != nil {
			js.LastRunID = report.RunID
			js.LastSuccess = report.Success
		}
		status.Jobs = append(status.Jobs, js)
	}
	return status
}

func (s *Scheduler) runSource(job *sourceJob) {
	var source = job.ix.Source()
	if !job.running.CompareAndSwap(false, true) {
		job.skipped.Add(1)
		log.WithField("source", source).Warn("previous run still in flight, skipping this tick")
		return
	}
	defer job.running.Store(false)

	s.mu.Lock()
	var ctx = s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	var report = job.ix.Run(ctx)
	job.last.Store(&report)
	if s.registry != nil {
		s.registry.Record(report)
	}
}

func (s *Scheduler) runHealth() {
	s.mu.Lock()
	var ctx = s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	var report = s.health.Check(ctx)
	if !report.OK() {
		log.WithFields(log.Fields{
			"vectorStore": report.VectorStore,
			"embedding":   report.Embedding,
		}).Error("dependency health probe failed")
		return
	}
	log.Debug("dependency health probe passed")
}
