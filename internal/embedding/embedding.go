// Package embedding turns text into fixed-length vectors using OpenAI's
// embedding API. It is stateless: requests are batched and retried, but no
// embeddings are cached across calls.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

const (
	// Model is the OpenAI embedding model.
	Model = "text-embedding-3-small"

	// Dimension is the vector size produced by Model. The store's vector
	// size must match it.
	Dimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute
	// rate limits. OpenAI accepts up to 2048 texts per request.
	DefaultBatchSize = 100
)

var (
	// ErrConfiguration indicates missing credentials or settings. Detected
	// at construction, never mid-batch.
	ErrConfiguration = errors.New("embedding provider misconfigured")

	// ErrProviderUnavailable indicates the provider kept failing after the
	// retry budget was exhausted. Retryable later; not a data error.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	errBadResponse = errors.New("unexpected embeddings response")
)

// Provider generates embeddings for documents and queries. The concrete
// implementation is OpenAI-backed; consumers depend on this interface so
// tests can substitute a deterministic fake.
type Provider interface {
	// EmbedDocuments returns one vector per input text, order-preserving.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// OpenAI implements Provider against the OpenAI embeddings endpoint.
type OpenAI struct {
	client    openai.Client
	batchSize int
	logger    *slog.Logger
}

// Option configures an OpenAI provider.
type Option func(*OpenAI)

// WithBatchSize overrides the provider batch size.
func WithBatchSize(n int) Option {
	return func(o *OpenAI) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *OpenAI) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpenAI creates the provider. It fails fast with ErrConfiguration when
// OPENAI_API_KEY is absent so a missing credential never surfaces mid-batch.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY environment variable not set", ErrConfiguration)
	}

	o := &OpenAI{
		// openai-go reads OPENAI_API_KEY from the environment.
		client:    openai.NewClient(),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// EmbedDocuments generates embeddings for the given texts, one vector per
// input in input order. Oversized requests are split into sequential
// batches; each batch is retried with exponential backoff on rate-limit and
// transient failures.
func (o *OpenAI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += o.batchSize {
		end := min(i+o.batchSize, len(texts))
		vectors, err := o.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

// EmbedQuery embeds a single query text.
func (o *OpenAI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatchWithRetry embeds one batch, retrying rate-limit (HTTP 429),
// server-side (5xx) and network errors with exponential backoff. Other API
// errors are permanent. Exhausting the retry budget yields
// ErrProviderUnavailable.
func (o *OpenAI) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: Model,
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d embeddings for %d texts", errBadResponse, len(resp.Data), len(texts)))
		}

		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errBadResponse) {
			return nil, err
		}
		// backoff unwraps Permanent errors, so reclassify: a still-retryable
		// error here means the retry budget ran out.
		if isRetryable(err) {
			o.logger.Warn("embedding retries exhausted", "texts", len(texts), "error", err)
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, err
	}
	return vectors, nil
}

// isRetryable reports whether the error is a rate limit (429), server
// error (5xx) or a non-API failure such as a network timeout.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Transport-level failure, worth retrying.
	return true
}

// toFloat32 converts the API's float64 vectors to the store's float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
