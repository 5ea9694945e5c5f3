// Package pipeline wires the full fine-tune: dataset projection and split,
// quantized model load, adapter injection, the training run, adapter save,
// merge into float weights, and a qualitative generation from the held-out
// split. Each stage is exposed on its own so the CLI can run them
// separately.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/generate"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/registry"
	"github.com/23skdu/longbow-fletcher/internal/telemetry"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
	"github.com/23skdu/longbow-fletcher/internal/train"
)

// Summary reports what a finished end-to-end run produced.
type Summary struct {
	Steps       int
	TrainLoss   float64
	EvalLoss    float64
	TestLoss    float64
	AdapterPath string
	MergedPath  string
	Query       string
	Completion  string
}

// TrainOutcome is what the training stage leaves behind for later stages.
type TrainOutcome struct {
	Steps       int
	TrainLoss   float64
	EvalLoss    float64
	TestLoss    float64
	AdapterPath string
	ModelPath   string
	SampleQuery string
}

// Prepare projects the source dataset into prompt/completion records,
// writes the intermediate file, and returns the deterministic split.
func Prepare(cfg *config.Run) (*dataset.Split, error) {
	records, err := dataset.Transform(cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("transforming dataset: %w", err)
	}
	if err := dataset.WriteRecords(cfg.Dataset.TransformedPath, records); err != nil {
		return nil, fmt.Errorf("writing transformed dataset: %w", err)
	}
	split, err := dataset.Partition(records, cfg.Dataset.TrainFraction, cfg.Dataset.ValFraction, cfg.Dataset.Seed)
	if err != nil {
		return nil, fmt.Errorf("splitting dataset: %w", err)
	}
	logger.Log.Info("dataset prepared",
		"records", len(records),
		"train", split.Train.NumRows(), "validation", split.Validation.NumRows(), "test", split.Test.NumRows(),
		"path", cfg.Dataset.TransformedPath)
	return split, nil
}

// Train runs the stages through adapter save: prepare the dataset, resolve
// and load the quantized base, inject the adapter, train for the budget,
// evaluate on the held-out split, and persist the adapter.
func Train(ctx context.Context, cfg *config.Run) (*TrainOutcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	split, err := Prepare(cfg)
	if err != nil {
		return nil, err
	}
	defer split.Release()

	reg, err := registry.NewClient(cfg.Registry)
	if err != nil {
		return nil, err
	}
	modelPath, err := reg.Resolve(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving model %s: %w", cfg.Model, err)
	}

	h, err := model.LoadQuantized(modelPath, cfg.Model, cfg.Quant)
	if err != nil {
		return nil, err
	}
	metrics.TotalParameters.Set(float64(h.TotalParams()))

	tok, err := tokenizer.New(h.Tokenizer.Tokens, h.Tokenizer.BOS, h.Tokenizer.EOS)
	if err != nil {
		return nil, err
	}

	adapter, err := lora.Wrap(h, cfg.Adapter, cfg.Training.Seed)
	if err != nil {
		return nil, err
	}
	metrics.TrainableParameters.Set(float64(adapter.TrainableParams()))

	var reporter train.Reporter
	if cfg.Training.ReportTo != "" {
		tc, err := telemetry.New(cfg.Training.ReportTo)
		if err != nil {
			logger.Log.Warn("telemetry sink unavailable, continuing without it",
				"addr", cfg.Training.ReportTo, "error", err.Error())
		} else {
			defer func() { _ = tc.Close() }()
			reporter = tc
		}
	}

	trainer, err := train.New(h, adapter, tok, cfg.Training, reporter)
	if err != nil {
		return nil, err
	}
	res, err := trainer.Run(ctx, split.Train.Records(), split.Validation.Records())
	if err != nil {
		return nil, err
	}

	testLoss := trainer.EvaluateRecords(split.Test.Records())
	logger.Log.Info("held-out evaluation", "test_loss", fmt.Sprintf("%.4f", testLoss))

	if err := lora.Save(adapter, cfg.AdapterDir); err != nil {
		return nil, fmt.Errorf("saving adapter: %w", err)
	}

	return &TrainOutcome{
		Steps:       res.Steps,
		TrainLoss:   res.TrainLoss,
		EvalLoss:    res.EvalLoss,
		TestLoss:    testLoss,
		AdapterPath: filepath.Join(cfg.AdapterDir, "adapter.gguf"),
		ModelPath:   modelPath,
		SampleQuery: split.Test.Records()[0].Prompt,
	}, nil
}

// Merge loads the saved adapter and a float-precision copy of the base
// model, folds the adapter in, and writes the merged checkpoint. It returns
// the merged model path.
func Merge(ctx context.Context, cfg *config.Run) (string, error) {
	adapter, err := lora.Load(cfg.AdapterDir)
	if err != nil {
		return "", err
	}

	reg, err := registry.NewClient(cfg.Registry)
	if err != nil {
		return "", err
	}
	modelPath, err := reg.Resolve(ctx, cfg.Model)
	if err != nil {
		return "", fmt.Errorf("resolving model %s: %w", cfg.Model, err)
	}

	h, err := model.LoadFloat(modelPath, cfg.Model)
	if err != nil {
		return "", err
	}
	if err := lora.Merge(h, adapter); err != nil {
		return "", err
	}

	if err := os.MkdirAll(cfg.MergedDir, 0o755); err != nil {
		return "", err
	}
	mergedPath := filepath.Join(cfg.MergedDir, "model.gguf")
	if err := h.SaveGGUF(mergedPath); err != nil {
		return "", fmt.Errorf("saving merged model: %w", err)
	}
	logger.Log.Info("merged model saved", "path", mergedPath)
	return mergedPath, nil
}

// Sample decodes one query with the merged checkpoint.
func Sample(ctx context.Context, cfg *config.Run, query string) (string, error) {
	mergedPath := filepath.Join(cfg.MergedDir, "model.gguf")
	h, err := model.LoadFloat(mergedPath, cfg.Model)
	if err != nil {
		return "", err
	}
	tok, err := tokenizer.New(h.Tokenizer.Tokens, h.Tokenizer.BOS, h.Tokenizer.EOS)
	if err != nil {
		return "", err
	}
	completion, err := generate.Generate(ctx, h, nil, tok, query, cfg.Generation, cfg.Training.Seed)
	if err != nil {
		return "", err
	}
	logger.Log.Info("sample generation", "query", query, "completion", completion)
	return completion, nil
}

// Run executes the whole pipeline and returns its summary.
func Run(ctx context.Context, cfg *config.Run) (*Summary, error) {
	out, err := Train(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Drop the training-stage model before the merge loads its float
	// copy; the two together would double peak memory.
	runtime.GC()
	debug.FreeOSMemory()

	mergedPath, err := Merge(ctx, cfg)
	if err != nil {
		return nil, err
	}

	completion, err := Sample(ctx, cfg, out.SampleQuery)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Steps:       out.Steps,
		TrainLoss:   out.TrainLoss,
		EvalLoss:    out.EvalLoss,
		TestLoss:    out.TestLoss,
		AdapterPath: out.AdapterPath,
		MergedPath:  mergedPath,
		Query:       out.SampleQuery,
		Completion:  completion,
	}, nil
}
