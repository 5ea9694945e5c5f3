package lora

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/model/modeltest"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

func loadToy(t *testing.T) *model.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	require.NoError(t, modeltest.Write(path, 1))
	h, err := model.LoadQuantized(path, "toy-gemma", config.Quant{Bits: 8, Scheme: "q8_0", ComputeType: "f32"})
	require.NoError(t, err)
	return h
}

func adapterConfig() config.Adapter {
	return config.Adapter{Rank: 2, Alpha: 4, Dropout: 0, Bias: "none", TaskType: "CAUSAL_LM"}
}

func TestWrapInjectsEveryDiscoveredTarget(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)

	assert.Equal(t, model.StateAdapted, h.State)
	assert.Equal(t, "toy-gemma", a.BaseModel)
	assert.Equal(t, []string{
		"attn_k", "attn_output", "attn_q", "attn_v",
		"ffn_down", "ffn_gate", "ffn_up",
	}, a.Targets)
	require.Len(t, a.Layers, modeltest.Layers)

	p := a.Pair(0, "attn_q")
	require.NotNil(t, p)
	assert.Equal(t, 2, p.A.Rows)
	assert.Equal(t, modeltest.Dim, p.A.Cols)
	assert.Equal(t, modeltest.Heads*modeltest.HeadDim, p.B.Rows)
	assert.Equal(t, 2, p.B.Cols)

	// B starts at zero so the adapted model initially matches the base.
	for _, v := range p.B.Data {
		assert.Zero(t, v)
	}
	x := tensor.NewRandn(3, modeltest.Dim, 1, rand.New(rand.NewSource(1)))
	delta := p.Delta(x, a.Scaling())
	for _, v := range delta.Data {
		assert.Zero(t, v)
	}
}

func TestWrapRequiresQuantizedState(t *testing.T) {
	h := loadToy(t)
	h.State = model.StateBase
	_, err := Wrap(h, adapterConfig(), 7)
	require.Error(t, err)
}

func TestTrainableFractionIsSmall(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)

	trainable := a.TrainableParams()
	total := h.TotalParams() + trainable
	assert.Positive(t, trainable)
	assert.Less(t, float64(trainable)/float64(total), 0.10)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)
	a.Steps = 42

	// Give B nonzero values so the round trip is not trivially zeros.
	rng := rand.New(rand.NewSource(9))
	a.Pairs(func(_ int, _ string, p *Pair) {
		for i := range p.B.Data {
			p.B.Data[i] = float32(rng.NormFloat64())
		}
	})

	dir := t.TempDir()
	require.NoError(t, Save(a, dir))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, a.BaseModel, got.BaseModel)
	assert.Equal(t, a.Rank, got.Rank)
	assert.Equal(t, a.Alpha, got.Alpha)
	assert.Equal(t, a.Targets, got.Targets)
	assert.Equal(t, a.Steps, got.Steps)
	require.Len(t, got.Layers, len(a.Layers))

	for i := range a.Layers {
		for _, target := range a.Targets {
			want, gotPair := a.Pair(i, target), got.Pair(i, target)
			require.NotNil(t, gotPair, "layer %d target %s", i, target)
			assert.Equal(t, want.A.Data, gotPair.A.Data)
			assert.Equal(t, want.B.Data, gotPair.B.Data)
		}
	}
}

func TestMergeFoldsDelta(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	a.Pairs(func(_ int, _ string, p *Pair) {
		for i := range p.B.Data {
			p.B.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	})

	base := loadToy(t)
	base.State = model.StateBase
	before := base.Layers[0].AttnQ.Clone()

	require.NoError(t, Merge(base, a))
	assert.Equal(t, model.StateMerged, base.State)

	p := a.Pair(0, "attn_q")
	delta := tensor.MatMul(p.B, p.A)
	scaling := a.Scaling()
	for i := range before.Data {
		assert.InDelta(t, before.Data[i]+scaling*delta.Data[i], base.Layers[0].AttnQ.Data[i], 1e-6)
	}
}

func TestMergeRejectsWrongBaseModel(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)

	other := loadToy(t)
	other.State = model.StateBase
	other.ID = "some-other-model"
	err = Merge(other, a)
	require.ErrorIs(t, err, ErrBaseModelMismatch)
}

func TestMergeRequiresBaseState(t *testing.T) {
	h := loadToy(t)
	a, err := Wrap(h, adapterConfig(), 7)
	require.NoError(t, err)

	// Still in the adapted state, not a fresh float load.
	err = Merge(h, a)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrBaseModelMismatch)
}
