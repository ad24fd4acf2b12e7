// Package embedding converts message text into dense vectors through an
// external provider. The Service owns batching, pacing, and bounded retry;
// providers only know how to embed one batch.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Provider embeds a single batch of texts. Implementations are
// process-lifetime resources and must tolerate concurrent callers.
type Provider interface {
	// EmbedBatch returns one vector per input text, aligned by index, and the
	// provider-reported token usage.
	EmbedBatch(ctx context.Context, texts []string) (vectors [][]float32, tokens int, err error)
}

// RateLimitError signals a provider 429. Reset is how long until the limit
// window renews; providers report at least a minute when unsure.
type RateLimitError struct {
	Reset time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("embedding provider rate limited (reset in %s)", e.Reset)
}

// ErrDimensionMismatch is returned when the provider yields a whole sub-batch
// of vectors at a different dimension than configured: the model contract
// itself is broken and the run cannot proceed. An isolated wrong-dimension
// vector is a per-item error instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Config parameterizes the embedding Service.
type Config struct {
	Model        string
	Dimensions   int
	BatchSize    int           // Maximum texts per provider call.
	MaxRetries   int           // Per sub-batch.
	Pause        time.Duration // Minimum delay between sub-batches.
	CallTimeout  time.Duration
	MaxResetWait time.Duration // Upper bound honored for 429 reset waits.
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("expected embedding model")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("expected positive embedding dimensions")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Pause <= 0 {
		c.Pause = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.MaxResetWait <= 0 {
		c.MaxResetWait = 5 * time.Minute
	}
	return c
}

// Result of embedding a batch of texts. Vectors and Errors are aligned with
// the input by index; exactly one of the two is set per item.
type Result struct {
	Vectors    [][]float32
	TokensUsed int
	Errors     []error
}

// Service is the batched embedding client.
type Service struct {
	provider Provider
	cfg      Config
}

// NewService wraps a Provider with batching, pacing and retry.
func NewService(p Provider, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating embedding config: %w", err)
	}
	return &Service{provider: p, cfg: cfg.withDefaults()}, nil
}

// Dimensions returns the configured vector dimension.
func (s *Service) Dimensions() int { return s.cfg.Dimensions }

// Model returns the configured model id.
func (s *Service) Model() string { return s.cfg.Model }

// Embed converts texts into vectors. Sub-batch failures past all retries and
// isolated wrong-dimension vectors are recorded per item in Result.Errors and
// do not fail the call; a wholesale dimension mismatch does, wrapping
// ErrDimensionMismatch.
func (s *Service) Embed(ctx context.Context, texts []string) (Result, error) {
	var res = Result{
		Vectors: make([][]float32, len(texts)),
		Errors:  make([]error, len(texts)),
	}

	for start := 0; start < len(texts); start += s.cfg.BatchSize {
		if start > 0 {
			select {
			case <-time.After(s.cfg.Pause):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}

		var end = start + s.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		var vectors, tokens, err = s.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			log.WithFields(log.Fields{"offset": start, "size": end - start, "err": err}).
				Warn("embedding sub-batch failed past retries")
			for i := start; i < end; i++ {
				res.Errors[i] = err
			}
			continue
		}

		var mismatched int
		for _, v := range vectors {
			if len(v) != s.cfg.Dimensions {
				mismatched++
			}
		}
		if mismatched == len(vectors) {
			return res, fmt.Errorf("all %d vectors have wrong dimensions, want %d: %w",
				len(vectors), s.cfg.Dimensions, ErrDimensionMismatch)
		}

		res.TokensUsed += tokens
		for i, v := range vectors {
			if len(v) != s.cfg.Dimensions {
				log.WithFields(log.Fields{"index": start + i, "got": len(v), "want": s.cfg.Dimensions}).
					Warn("provider returned a wrong-dimension vector")
				res.Errors[start+i] = fmt.Errorf("vector has %d dimensions, want %d", len(v), s.cfg.Dimensions)
				continue
			}
			res.Vectors[start+i] = v
		}
	}
	return res, nil
}

// EmbedOne embeds a single text through the batch path.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	var res, err = s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if res.Errors[0] != nil {
		return nil, res.Errors[0]
	}
	return res.Vectors[0], nil
}

// Healthy probes the provider with a minimal request.
func (s *Service) Healthy(ctx context.Context) error {
	var _, err = s.EmbedOne(ctx, "ok")
	if err != nil {
		return fmt.Errorf("embedding health check: %w", err)
	}
	return nil
}

func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float32, int, error) {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		var vectors [][]float32
		var tokens int

		var callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
		vectors, tokens, err = s.provider.EmbedBatch(callCtx, texts)
		cancel()

		if err == nil {
			if len(vectors) != len(texts) {
				return nil, 0, fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(texts))
			}
			return vectors, tokens, nil
		}

		var rle *RateLimitError
		if errors.As(err, &rle) {
			var wait = rle.Reset
			if wait < time.Minute {
				wait = time.Minute
			}
			if wait > s.cfg.MaxResetWait {
				return nil, 0, fmt.Errorf("rate limit reset %s exceeds maximum wait %s: %w",
					rle.Reset, s.cfg.MaxResetWait, err)
			}
			log.WithFields(log.Fields{"wait": wait, "attempt": attempt}).
				Info("embedding provider rate limited, waiting for reset")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return nil, 0, fmt.Errorf("embedding batch of %d after %d attempts: %w", len(texts), s.cfg.MaxRetries, err)
}
