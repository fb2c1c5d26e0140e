package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/testutil"
)

// flakyProvider fails the first failures calls, then succeeds.
type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	p.calls++
	if p.calls <= p.failures {
		return pgvector.Vector{}, errors.New("provider unavailable")
	}
	return pgvector.NewVector([]float32{1, 2, 3}), nil
}

func (p *flakyProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, 0, len(texts))
	for _, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}
	return vecs, nil
}

func (p *flakyProvider) Dimensions() int      { return 3 }
func (p *flakyProvider) ModelVersion() string { return "test/flaky" }

func newTestProducer(provider Provider) *Producer {
	// Only embed() is exercised here; no database or queue work happens.
	return NewProducer(nil, nil, provider, ProducerOptions{RateLimit: 1000, Burst: 1000}, testutil.TestLogger())
}

func TestEmbedProviderFailureIsTransient(t *testing.T) {
	p := newTestProducer(&flakyProvider{failures: 1})

	_, err := p.embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))

	vec, err := p.embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vec.Slice())
}

func TestEmbedCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	provider := &flakyProvider{failures: 100}
	p := newTestProducer(provider)

	for i := 0; i < 5; i++ {
		_, err := p.embed(context.Background(), "text")
		require.Error(t, err)
		assert.True(t, fault.IsTransient(err))
	}

	callsBefore := provider.calls
	_, err := p.embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, callsBefore, provider.calls, "open breaker must not reach the provider")
}

func TestEmbedRespectsCanceledContext(t *testing.T) {
	p := newTestProducer(&flakyProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.embed(ctx, "text")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
}
