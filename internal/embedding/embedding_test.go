package embedding

import (
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := NewOpenAI()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewOpenAIOptions(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	o, err := NewOpenAI(WithBatchSize(10))
	require.NoError(t, err)
	assert.Equal(t, 10, o.batchSize)

	o, err = NewOpenAI(WithBatchSize(-1))
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, o.batchSize)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&openai.Error{StatusCode: 429}))
	assert.True(t, isRetryable(&openai.Error{StatusCode: 500}))
	assert.True(t, isRetryable(&openai.Error{StatusCode: 503}))
	assert.False(t, isRetryable(&openai.Error{StatusCode: 400}))
	assert.False(t, isRetryable(&openai.Error{StatusCode: 401}))

	// Transport failures have no status code and are worth retrying.
	assert.True(t, isRetryable(errors.New("connection reset")))
}

func TestToFloat32(t *testing.T) {
	got := toFloat32([]float64{0.5, -1.25, 2})
	assert.Equal(t, []float32{0.5, -1.25, 2}, got)
	assert.Empty(t, toFloat32(nil))
}
