package generate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/model/modeltest"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

func TestSamplerGreedyAtZeroTemperature(t *testing.T) {
	s := NewSampler(config.Generation{Temperature: 0}, 1)
	logits := []float32{0.1, 2.5, -1, 2.4}
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, s.Sample(logits))
	}
}

func TestSamplerTopKOne(t *testing.T) {
	s := NewSampler(config.Generation{Temperature: 0.8, TopK: 1, TopP: 1}, 1)
	logits := []float32{0.1, 2.5, -1, 2.4}
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, s.Sample(logits))
	}
}

func TestSamplerTightNucleus(t *testing.T) {
	// With a sharply peaked distribution and a tiny nucleus, only the
	// peak survives.
	s := NewSampler(config.Generation{Temperature: 1, TopK: 0, TopP: 0.01}, 1)
	logits := []float32{10, 0, 0, 0}
	for i := 0; i < 10; i++ {
		assert.Equal(t, 0, s.Sample(logits))
	}
}

func TestSamplerStaysInRange(t *testing.T) {
	s := NewSampler(config.Generation{Temperature: 1.5, TopK: 3, TopP: 0.9}, 7)
	logits := []float32{0.3, 0.1, 0.2, 0.25, 0.15}
	for i := 0; i < 50; i++ {
		id := s.Sample(logits)
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, len(logits))
	}
}

func loadToy(t *testing.T) (*model.Handle, *tokenizer.Tokenizer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	require.NoError(t, modeltest.Write(path, 1))
	h, err := model.LoadQuantized(path, "toy-gemma", config.Quant{Bits: 8, Scheme: "q8_0", ComputeType: "f32"})
	require.NoError(t, err)
	tok, err := tokenizer.New(h.Tokenizer.Tokens, h.Tokenizer.BOS, h.Tokenizer.EOS)
	require.NoError(t, err)
	return h, tok
}

func TestGenerateProducesBoundedOutput(t *testing.T) {
	h, tok := loadToy(t)
	cfg := config.Generation{MaxTokens: 8, Temperature: 0}

	out, err := Generate(context.Background(), h, nil, tok, "hello", cfg, 1)
	require.NoError(t, err)

	// The toy weights are random, so only shape properties hold: the
	// completion is bounded and contains no control tokens.
	assert.LessOrEqual(t, len(tok.Encode(out, false)), 8)
	assert.NotContains(t, out, "<start_of_turn>")
	assert.NotContains(t, out, "<end_of_turn>")
}

func TestGenerateDeterministicWhenGreedy(t *testing.T) {
	h, tok := loadToy(t)
	cfg := config.Generation{MaxTokens: 6, Temperature: 0}

	a, err := Generate(context.Background(), h, nil, tok, "hello", cfg, 1)
	require.NoError(t, err)
	b, err := Generate(context.Background(), h, nil, tok, "hello", cfg, 99)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateRejectsZeroBudget(t *testing.T) {
	h, tok := loadToy(t)
	_, err := Generate(context.Background(), h, nil, tok, "hello", config.Generation{}, 1)
	require.Error(t, err)
}
