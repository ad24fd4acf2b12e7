package stats

import (
	"context"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
)

// Prober is a named dependency health probe.
type Prober interface {
	Healthy(ctx context.Context) error
}

// HealthReport is the outcome of probing the pipeline's dependencies.
type HealthReport struct {
	VectorStoreOK bool                         `json:"vectorStoreOK"`
	EmbeddingOK   bool                         `json:"embeddingOK"`
	VectorStore   string                       `json:"vectorStoreError,omitempty"`
	Embedding     string                       `json:"embeddingError,omitempty"`
	LastRun       map[message.Source]time.Time `json:"lastRun"`
	CheckedAt     time.Time                    `json:"checkedAt"`
}

// OK reports whether every dependency probe passed.
func (h HealthReport) OK() bool { return h.VectorStoreOK && h.EmbeddingOK }

// Health probes the vector store and the embedding provider.
type Health struct {
	vectorStore Prober
	embedding   Prober
	registry    *Registry
	timeout     time.Duration
}

// NewHealth builds a Health over the two dependency probes.
func NewHealth(vectorStore, embedding Prober, registry *Registry) *Health {
	return &Health{
		vectorStore: vectorStore,
		embedding:   embedding,
		registry:    registry,
		timeout:     30 * time.Second,
	}
}

// Check runs both probes with a per-probe timeout.
func (h *Health) Check(ctx context.Context) HealthReport {
	var report = HealthReport{
		LastRun:   make(map[message.Source]time.Time),
		CheckedAt: time.Now().UTC(),
	}

	var probe = func(p Prober) (bool, string) {
		var probeCtx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
		if err := p.Healthy(probeCtx); err != nil {
			return false, err.Error()
		}
		return true, ""
	}
	report.VectorStoreOK, report.VectorStore = probe(h.vectorStore)
	report.EmbeddingOK, report.Embedding = probe(h.embedding)

	if h.registry != nil {
		for source, s := range h.registry.Snapshot() {
			report.LastRun[source] = s.LastRunAt
		}
	}
	return report
}
