package train

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/model/modeltest"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

func newToy(t *testing.T) (*model.Handle, *lora.Adapter, *tokenizer.Tokenizer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	require.NoError(t, modeltest.Write(path, 1))
	h, err := model.LoadQuantized(path, "toy-gemma", config.Quant{Bits: 8, Scheme: "q8_0", ComputeType: "f32"})
	require.NoError(t, err)

	a, err := lora.Wrap(h, config.Adapter{Rank: 2, Alpha: 4, Bias: "none", TaskType: "CAUSAL_LM"}, 7)
	require.NoError(t, err)

	tok, err := tokenizer.New(h.Tokenizer.Tokens, h.Tokenizer.BOS, h.Tokenizer.EOS)
	require.NoError(t, err)
	return h, a, tok
}

func trainingConfig(dir string) config.Training {
	return config.Training{
		OutputDir:      dir,
		BatchSize:      1,
		GradAccumSteps: 1,
		Optimizer:      "adamw",
		LearningRate:   1e-2,
		WeightDecay:    0,
		Scheduler:      "constant",
		WarmupSteps:    0,
		MaxSteps:       3,
		EvalSteps:      0,
		SaveSteps:      0,
		LoggingSteps:   0,
		Seed:           42,
		SeqLen:         32,
	}
}

func TestBuildExampleMasksPrompt(t *testing.T) {
	_, _, tok := newToy(t)
	ex := BuildExample(tok, dataset.Record{Prompt: "hello", Completion: "world"}, 64)

	promptIDs := tok.Encode(RenderPrompt("hello"), true)
	require.Greater(t, len(ex.Input), len(promptIDs)-1)
	assert.Len(t, ex.Target, len(ex.Input))
	assert.Len(t, ex.Mask, len(ex.Input))

	// Prompt positions are masked out, completion and eos are kept.
	for i := 0; i < len(promptIDs)-1; i++ {
		assert.False(t, ex.Mask[i], "position %d", i)
	}
	unmasked := 0
	for _, m := range ex.Mask {
		if m {
			unmasked++
		}
	}
	assert.Equal(t, 2, unmasked) // "world" and eos
	assert.Equal(t, tok.EOS(), ex.Target[len(ex.Target)-1])
}

func TestBuildExampleTruncates(t *testing.T) {
	_, _, tok := newToy(t)
	ex := BuildExample(tok, dataset.Record{Prompt: "hello hello hello hello", Completion: "world world world"}, 8)
	assert.Len(t, ex.Input, 8)
	assert.Len(t, ex.Target, 8)
}

func TestLearningRateSchedule(t *testing.T) {
	cfg := config.Training{LearningRate: 1e-3, Scheduler: "cosine", WarmupSteps: 10, MaxSteps: 100}

	assert.InDelta(t, 1e-4, LearningRate(cfg, 0), 1e-12)
	assert.InDelta(t, 5e-4, LearningRate(cfg, 4), 1e-12)
	assert.InDelta(t, 1e-3, LearningRate(cfg, 10), 1e-12)

	mid := LearningRate(cfg, 55)
	assert.InDelta(t, 5e-4, mid, 1e-6)
	assert.Greater(t, LearningRate(cfg, 30), LearningRate(cfg, 70))
	assert.InDelta(t, 0, LearningRate(cfg, 100), 1e-9)

	cfg.Scheduler = "constant"
	assert.Equal(t, 1e-3, LearningRate(cfg, 99))
}

// The backward pass is checked against central finite differences of the
// actual loss, sampling coordinates from several pairs so attention, the
// gated FFN and the shared kv heads are all covered.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	h, a, tok := newToy(t)

	// Zero-initialized B factors would zero out every A gradient, so
	// randomize all pairs before probing.
	rng := rand.New(rand.NewSource(11))
	a.Pairs(func(_ int, _ string, p *lora.Pair) {
		for i := range p.B.Data {
			p.B.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	})

	ex := BuildExample(tok, dataset.Record{Prompt: "hello", Completion: "world abc"}, 32)
	lossAt := func() float64 {
		logits, _ := Forward(h, a, ex.Input)
		return Loss(logits, ex.Target, ex.Mask)
	}

	a.Pairs(func(_ int, _ string, p *lora.Pair) { p.ZeroGrad() })
	logits, cache := Forward(h, a, ex.Input)
	_, dlogits := LossAndGrad(logits, ex.Target, ex.Mask)
	Backward(h, a, cache, dlogits)

	const eps = 1e-2
	probe := func(name string, param, grad *tensor.Tensor, idx int) {
		orig := param.Data[idx]
		param.Data[idx] = orig + eps
		up := lossAt()
		param.Data[idx] = orig - eps
		down := lossAt()
		param.Data[idx] = orig

		numeric := (up - down) / (2 * eps)
		analytic := float64(grad.Data[idx])
		tol := 1e-3 + 0.05*math.Abs(numeric)
		assert.InDelta(t, numeric, analytic, tol, "%s[%d]", name, idx)
	}

	for _, target := range []string{"attn_q", "attn_k", "attn_v", "attn_output", "ffn_gate", "ffn_up", "ffn_down"} {
		p := a.Pair(0, target)
		require.NotNil(t, p)
		probe(target+".A", p.A, p.GradA, 0)
		probe(target+".A", p.A, p.GradA, len(p.A.Data)/2)
		probe(target+".B", p.B, p.GradB, 1)
	}
	p := a.Pair(modeltest.Layers-1, "attn_v")
	probe("last.attn_v.A", p.A, p.GradA, 3)
	probe("last.attn_v.B", p.B, p.GradB, 0)
}

// Applying the adapter at forward time and folding it into the weights must
// compute the same function.
func TestMergedForwardMatchesAdapted(t *testing.T) {
	h, a, tok := newToy(t)

	rng := rand.New(rand.NewSource(5))
	a.Pairs(func(_ int, _ string, p *lora.Pair) {
		for i := range p.B.Data {
			p.B.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	})

	ids := tok.Encode(RenderPrompt("hello"), true)
	adapted, _ := Forward(h, a, ids)

	merged, _, _ := newToy(t)
	merged.State = model.StateBase
	require.NoError(t, lora.Merge(merged, a))
	folded, _ := Forward(merged, nil, ids)

	require.Equal(t, adapted.Rows, folded.Rows)
	for i := range adapted.Data {
		assert.InDelta(t, adapted.Data[i], folded.Data[i], 1e-3)
	}
}

func TestDropoutOnlyPerturbsTraining(t *testing.T) {
	h, a, tok := newToy(t)
	a.Dropout = 0.5

	rng := rand.New(rand.NewSource(5))
	a.Pairs(func(_ int, _ string, p *lora.Pair) {
		for i := range p.B.Data {
			p.B.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	})

	ids := tok.Encode(RenderPrompt("hello"), true)
	clean, _ := Forward(h, a, ids)
	again, _ := Forward(h, a, ids)
	require.Equal(t, clean.Data, again.Data)

	masked, _ := ForwardTrain(h, a, ids, rand.New(rand.NewSource(9)))
	require.NotEqual(t, clean.Data, masked.Data)
}

func TestRunStopsAtExactBudget(t *testing.T) {
	h, a, tok := newToy(t)
	dir := t.TempDir()
	cfg := trainingConfig(dir)
	cfg.MaxSteps = 3
	cfg.SaveSteps = 2
	cfg.EvalSteps = 2
	cfg.LoggingSteps = 1

	tr, err := New(h, a, tok, cfg, nil)
	require.NoError(t, err)

	recs := []dataset.Record{
		{Prompt: "hello", Completion: "world"},
		{Prompt: "abc", Completion: "xyz"},
	}
	res, err := tr.Run(context.Background(), recs, recs[:1])
	require.NoError(t, err)

	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 3, a.Steps)
	assert.Equal(t, model.StateTrained, h.State)
	assert.False(t, math.IsNaN(res.EvalLoss))

	// Only step 2 hit the save cadence.
	_, err = os.Stat(filepath.Join(dir, "checkpoint-2", "adapter.gguf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "checkpoint-3"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunZeroBudgetIsValid(t *testing.T) {
	h, a, tok := newToy(t)
	cfg := trainingConfig(t.TempDir())
	cfg.MaxSteps = 0

	tr, err := New(h, a, tok, cfg, nil)
	require.NoError(t, err)

	res, err := tr.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, model.StateTrained, h.State)

	// Untouched adapter: B is still all zeros.
	for _, v := range a.Pair(0, "attn_q").B.Data {
		assert.Zero(t, v)
	}
}

func TestRunLossDecreases(t *testing.T) {
	h, a, tok := newToy(t)
	cfg := trainingConfig(t.TempDir())
	cfg.MaxSteps = 10

	tr, err := New(h, a, tok, cfg, nil)
	require.NoError(t, err)

	recs := []dataset.Record{{Prompt: "hello", Completion: "world"}}
	initial := tr.EvaluateRecords(recs)
	res, err := tr.Run(context.Background(), recs, nil)
	require.NoError(t, err)
	assert.Less(t, res.TrainLoss, initial)
}

type recordingReporter struct {
	calls []string
}

func (r *recordingReporter) Report(step int, split string, loss, lr float64) {
	r.calls = append(r.calls, split)
}

func TestRunReportsAtCadence(t *testing.T) {
	h, a, tok := newToy(t)
	cfg := trainingConfig(t.TempDir())
	cfg.MaxSteps = 4
	cfg.LoggingSteps = 2
	cfg.EvalSteps = 4

	rep := &recordingReporter{}
	tr, err := New(h, a, tok, cfg, rep)
	require.NoError(t, err)

	recs := []dataset.Record{{Prompt: "hello", Completion: "world"}}
	_, err = tr.Run(context.Background(), recs, recs)
	require.NoError(t, err)

	// Steps 2 and 4 log train loss; step 4 also reports validation.
	assert.Equal(t, []string{"train", "train", "validation"}, rep.calls)
}

func TestRunCancellation(t *testing.T) {
	h, a, tok := newToy(t)
	cfg := trainingConfig(t.TempDir())
	cfg.MaxSteps = 100

	tr, err := New(h, a, tok, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Run(ctx, []dataset.Record{{Prompt: "a", Completion: "b"}}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
