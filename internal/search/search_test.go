package search

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansei-ai/hansei/internal/model"
)

func TestRankOrdersByScore(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	results := []Result{
		{DecisionID: a, Score: 0.4},
		{DecisionID: b, Score: 0.9},
		{DecisionID: c, Score: 0.7},
	}
	decisions := map[uuid.UUID]model.Decision{
		a: {ID: a}, b: {ID: b}, c: {ID: c},
	}

	rank(results, decisions)

	assert.Equal(t, []uuid.UUID{b, c, a}, []uuid.UUID{results[0].DecisionID, results[1].DecisionID, results[2].DecisionID})
}

func TestRankBreaksTiesByRecency(t *testing.T) {
	older, newer := uuid.New(), uuid.New()
	now := time.Now()
	results := []Result{
		{DecisionID: older, Score: 0.8},
		{DecisionID: newer, Score: 0.8},
	}
	decisions := map[uuid.UUID]model.Decision{
		older: {ID: older, CreatedAt: now.Add(-48 * time.Hour)},
		newer: {ID: newer, CreatedAt: now},
	}

	rank(results, decisions)

	assert.Equal(t, newer, results[0].DecisionID, "equal scores should surface the newer decision first")
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "https with REST port maps to gRPC", url: "https://xyz.cloud.qdrant.io:6333", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "http localhost", url: "http://localhost:6333", wantHost: "localhost", wantPort: 6334},
		{name: "explicit gRPC port kept", url: "http://qdrant:6334", wantHost: "qdrant", wantPort: 6334},
		{name: "custom port kept", url: "https://qdrant.internal:7443", wantHost: "qdrant.internal", wantPort: 7443, wantTLS: true},
		{name: "no port defaults to gRPC", url: "http://qdrant", wantHost: "qdrant", wantPort: 6334},
		{name: "garbage", url: "://nope", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}
