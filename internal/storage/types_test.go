package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float64{1}, []float64{1, 2}), "length mismatch")
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 1}), "zero vector")
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"hey how are you", "hey how are you", 1},
		{"Hey, how are you?", "hey how are you doing", 0.8},
		{"pizza", "hiking", 0},
		{"", "anything", 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, TokenOverlap(tt.a, tt.b), 1e-9, "%q vs %q", tt.a, tt.b)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"i'm", "going", "hiking", "2day"}, Tokenize("I'm going HIKING, 2day!"))
}

func TestEmbeddingCodec(t *testing.T) {
	in := []float64{0.25, -1.5, 3e-9}
	out, err := DecodeEmbedding(EncodeEmbedding(in), len(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeEmbedding(EncodeEmbedding(in), 2)
	assert.Error(t, err)
	_, err = DecodeEmbedding(nil, 0)
	assert.Error(t, err)
}
