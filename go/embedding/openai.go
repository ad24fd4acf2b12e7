package embedding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIProvider embeds through the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	client openai.Client
	model  string
	dims   int
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a provider for the given model and dimension.
// The Service owns retries, so the underlying client performs none.
func NewOpenAIProvider(apiKey, model string, dims int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("expected embedding provider API key")
	}
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
		model: model,
		dims:  dims,
	}, nil
}

// EmbedBatch implements Provider.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	var resp, err = p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: openai.Int(int64(p.dims)),
	})
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) && apierr.StatusCode == 429 {
			return nil, 0, &RateLimitError{Reset: retryAfter(apierr)}
		}
		return nil, 0, fmt.Errorf("embedding request: %w", err)
	}

	var vectors = make([][]float32, len(texts))
	for _, item := range resp.Data {
		var v = make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			v[i] = float32(f)
		}
		vectors[item.Index] = v
	}
	return vectors, int(resp.Usage.TotalTokens), nil
}

// retryAfter extracts the provider's reset hint, defaulting to one minute.
func retryAfter(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return time.Minute
	}
	if raw := apierr.Response.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
