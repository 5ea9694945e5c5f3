package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/model/modeltest"
)

func writeSourceDataset(t *testing.T, dir string, n int) string {
	t.Helper()
	items := make([]map[string]string, n)
	for i := range items {
		items[i] = map[string]string{
			"q": fmt.Sprintf("hello %c", 'a'+i%26),
			"a": fmt.Sprintf("world %c", 'a'+i%26),
		}
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	path := filepath.Join(dir, "source.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func runConfig(t *testing.T) *config.Run {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "toy.gguf")
	require.NoError(t, modeltest.Write(modelPath, 1))

	cfg := config.Default()
	cfg.Model = modelPath // direct path, no registry round trip
	cfg.AdapterDir = filepath.Join(dir, "adapter")
	cfg.MergedDir = filepath.Join(dir, "merged")
	cfg.Dataset.SourcePath = writeSourceDataset(t, dir, 12)
	cfg.Dataset.TransformedPath = filepath.Join(dir, "dataset.json")
	cfg.Dataset.PromptField = "q"
	cfg.Dataset.CompletionField = "a"
	cfg.Quant = config.Quant{Bits: 8, Scheme: "q8_0", ComputeType: "f32"}
	cfg.Adapter.Rank = 2
	cfg.Adapter.Alpha = 4
	cfg.Training.OutputDir = filepath.Join(dir, "checkpoints")
	cfg.Training.LoggingDir = filepath.Join(dir, "logs")
	cfg.Training.BatchSize = 1
	cfg.Training.GradAccumSteps = 1
	cfg.Training.MaxSteps = 0
	cfg.Training.WarmupSteps = 0
	cfg.Training.SeqLen = 32
	cfg.Generation.MaxTokens = 4
	return &cfg
}

func TestPrepareSplitsDeterministically(t *testing.T) {
	cfg := runConfig(t)
	s1, err := Prepare(cfg)
	require.NoError(t, err)
	defer s1.Release()
	s2, err := Prepare(cfg)
	require.NoError(t, err)
	defer s2.Release()

	assert.Equal(t, s1.Train.Records(), s2.Train.Records())
	assert.Equal(t, s1.Test.Records(), s2.Test.Records())
	assert.Equal(t, 12, s1.Train.NumRows()+s1.Validation.NumRows()+s1.Test.NumRows())

	// The intermediate file is on disk.
	_, err = os.Stat(cfg.Dataset.TransformedPath)
	assert.NoError(t, err)
}

// A zero-step budget must still run every stage end to end: the adapter is
// saved untrained and the merge is a no-op on the weights.
func TestRunZeroStepBudget(t *testing.T) {
	cfg := runConfig(t)

	sum, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 0, sum.Steps)
	assert.NotEmpty(t, sum.Query)

	_, err = os.Stat(sum.AdapterPath)
	assert.NoError(t, err)
	_, err = os.Stat(sum.MergedPath)
	assert.NoError(t, err)

	// Zero steps leave B at zero, so merged weights equal the base.
	base, err := model.LoadQuantized(cfg.Model, cfg.Model, cfg.Quant)
	require.NoError(t, err)
	merged, err := model.LoadFloat(sum.MergedPath, cfg.Model)
	require.NoError(t, err)
	assert.Equal(t, base.Layers[0].AttnQ.Data, merged.Layers[0].AttnQ.Data)
	assert.Equal(t, base.Layers[1].FFNDown.Data, merged.Layers[1].FFNDown.Data)

	a, err := lora.Load(sum.AdapterPath)
	require.NoError(t, err)
	assert.Equal(t, 0, a.Steps)
	assert.Equal(t, cfg.Model, a.BaseModel)
}

func TestRunTrainsAndCheckpoints(t *testing.T) {
	cfg := runConfig(t)
	cfg.Training.MaxSteps = 2
	cfg.Training.SaveSteps = 1
	cfg.Training.EvalSteps = 1
	cfg.Training.LoggingSteps = 1

	sum, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Steps)
	for _, step := range []int{1, 2} {
		_, err := os.Stat(filepath.Join(cfg.Training.OutputDir, fmt.Sprintf("checkpoint-%d", step), "adapter.gguf"))
		assert.NoError(t, err, "checkpoint %d", step)
	}

	a, err := lora.Load(sum.AdapterPath)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Steps)

	// Training moved B off zero, so the merge changed the weights.
	base, err := model.LoadQuantized(cfg.Model, cfg.Model, cfg.Quant)
	require.NoError(t, err)
	merged, err := model.LoadFloat(sum.MergedPath, cfg.Model)
	require.NoError(t, err)
	assert.NotEqual(t, base.Layers[0].AttnQ.Data, merged.Layers[0].AttnQ.Data)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := runConfig(t)
	cfg.Adapter.Rank = 0
	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
}
