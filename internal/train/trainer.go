package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// Reporter receives loss observations as they happen. Implementations must
// not block the training loop for long; failures are the reporter's problem.
type Reporter interface {
	Report(step int, split string, loss, lr float64)
}

// Result summarizes a finished run.
type Result struct {
	Steps     int
	TrainLoss float64 // mean loss of the final optimizer step
	EvalLoss  float64 // most recent validation loss, NaN when never evaluated
}

// Trainer drives the fixed-budget adapter fine-tune: gradient accumulation
// over micro-batches, AdamW on the adapter pairs only, and logging, eval
// and checkpoint cadences measured in optimizer steps.
type Trainer struct {
	model    *model.Handle
	adapter  *lora.Adapter
	tok      *tokenizer.Tokenizer
	cfg      config.Training
	reporter Reporter
}

func New(h *model.Handle, a *lora.Adapter, tok *tokenizer.Tokenizer, cfg config.Training, reporter Reporter) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h.State != model.StateAdapted {
		return nil, fmt.Errorf("cannot train a model in state %s", h.State)
	}
	return &Trainer{model: h, adapter: a, tok: tok, cfg: cfg, reporter: reporter}, nil
}

// steps resolves the optimizer-step budget. A positive max_steps wins;
// otherwise the budget is derived from epochs over the training split.
func (t *Trainer) steps(numExamples int) int {
	if t.cfg.MaxSteps > 0 || t.cfg.Epochs <= 0 {
		return t.cfg.MaxSteps
	}
	perStep := t.cfg.BatchSize * t.cfg.GradAccumSteps
	return int(math.Ceil(t.cfg.Epochs * float64(numExamples) / float64(perStep)))
}

// Run trains for the configured budget and moves the handle to the trained
// state. A zero budget is valid: the adapter comes back untouched.
func (t *Trainer) Run(ctx context.Context, trainRecs, valRecs []dataset.Record) (*Result, error) {
	examples := BuildExamples(t.tok, trainRecs, t.cfg.SeqLen)
	valExamples := BuildExamples(t.tok, valRecs, t.cfg.SeqLen)

	cfg := t.cfg
	cfg.MaxSteps = t.steps(len(examples))
	if cfg.MaxSteps > 0 && len(examples) == 0 {
		return nil, fmt.Errorf("training split is empty")
	}

	metrics.DatasetExamples.WithLabelValues("train").Set(float64(len(examples)))
	metrics.DatasetExamples.WithLabelValues("validation").Set(float64(len(valExamples)))
	logger.Log.Info("training started",
		"max_steps", cfg.MaxSteps,
		"batch_size", cfg.BatchSize, "grad_accum_steps", cfg.GradAccumSteps,
		"train_examples", len(examples), "val_examples", len(valExamples))

	res := &Result{Steps: cfg.MaxSteps, EvalLoss: math.NaN()}
	opt := NewAdamW(cfg.WeightDecay)
	rng := rand.New(rand.NewSource(cfg.Seed))
	perm := rng.Perm(max(len(examples), 1))
	cursor := 0
	perStep := cfg.BatchSize * cfg.GradAccumSteps

	for step := 0; step < cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()

		t.adapter.Pairs(func(_ int, _ string, p *lora.Pair) { p.ZeroGrad() })

		var stepLoss float64
		var stepTokens int
		for micro := 0; micro < perStep; micro++ {
			if cursor >= len(examples) {
				perm = rng.Perm(len(examples))
				cursor = 0
			}
			ex := &examples[perm[cursor]]
			cursor++

			logits, cache := ForwardTrain(t.model, t.adapter, ex.Input, rng)
			loss, dlogits := LossAndGrad(logits, ex.Target, ex.Mask)
			dlogits.ScaleInPlace(1 / float32(perStep))
			Backward(t.model, t.adapter, cache, dlogits)

			stepLoss += loss / float64(perStep)
			stepTokens += ex.Tokens()
		}

		lr := LearningRate(cfg, step)
		opt.Step(t.adapter, lr)
		done := step + 1
		res.TrainLoss = stepLoss

		metrics.TrainingSteps.Inc()
		metrics.TrainingTokens.Add(float64(stepTokens))
		metrics.TrainingLoss.Set(stepLoss)
		metrics.LearningRate.Set(lr)
		metrics.StepDuration.Observe(time.Since(started).Seconds())

		if cfg.LoggingSteps > 0 && done%cfg.LoggingSteps == 0 {
			logger.Log.Info("train step",
				"step", done, "loss", fmt.Sprintf("%.4f", stepLoss),
				"lr", fmt.Sprintf("%.2e", lr), "tokens", stepTokens)
			if t.reporter != nil {
				t.reporter.Report(done, "train", stepLoss, lr)
			}
		}
		if cfg.EvalSteps > 0 && done%cfg.EvalSteps == 0 && len(valExamples) > 0 {
			res.EvalLoss = t.Evaluate(valExamples)
			metrics.EvalLoss.Set(res.EvalLoss)
			logger.Log.Info("eval",
				"step", done, "loss", fmt.Sprintf("%.4f", res.EvalLoss))
			if t.reporter != nil {
				t.reporter.Report(done, "validation", res.EvalLoss, lr)
			}
		}
		if cfg.SaveSteps > 0 && done%cfg.SaveSteps == 0 {
			ckptStart := time.Now()
			t.adapter.Steps = done
			dir := filepath.Join(cfg.OutputDir, fmt.Sprintf("checkpoint-%d", done))
			if err := lora.Save(t.adapter, dir); err != nil {
				return nil, fmt.Errorf("checkpoint at step %d: %w", done, err)
			}
			metrics.CheckpointDuration.Observe(time.Since(ckptStart).Seconds())
		}
	}

	t.adapter.Steps = cfg.MaxSteps
	t.model.State = model.StateTrained
	logger.Log.Info("training finished",
		"steps", cfg.MaxSteps, "final_loss", fmt.Sprintf("%.4f", res.TrainLoss))
	return res, nil
}

// Evaluate returns the mean masked cross-entropy over a split, without
// touching any gradient state.
func (t *Trainer) Evaluate(examples []Example) float64 {
	if len(examples) == 0 {
		return 0
	}
	var total float64
	for i := range examples {
		ex := &examples[i]
		logits, _ := Forward(t.model, t.adapter, ex.Input)
		total += Loss(logits, ex.Target, ex.Mask)
	}
	return total / float64(len(examples))
}

// EvaluateRecords is Evaluate over raw records, used for the held-out test
// split after training.
func (t *Trainer) EvaluateRecords(records []dataset.Record) float64 {
	return t.Evaluate(BuildExamples(t.tok, records, t.cfg.SeqLen))
}
