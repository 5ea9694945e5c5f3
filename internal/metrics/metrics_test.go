package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGaugesRecordLatestValue(t *testing.T) {
	TrainingLoss.Set(2.5)
	if got := testutil.ToFloat64(TrainingLoss); got != 2.5 {
		t.Errorf("training_loss = %f, want 2.5", got)
	}

	EvalLoss.Set(1.25)
	if got := testutil.ToFloat64(EvalLoss); got != 1.25 {
		t.Errorf("eval_loss = %f, want 1.25", got)
	}

	DatasetExamples.WithLabelValues("train").Set(8)
	DatasetExamples.WithLabelValues("validation").Set(1)
	if got := testutil.ToFloat64(DatasetExamples.WithLabelValues("train")); got != 8 {
		t.Errorf("dataset_examples{train} = %f, want 8", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(TrainingSteps)
	TrainingSteps.Inc()
	TrainingSteps.Inc()
	if got := testutil.ToFloat64(TrainingSteps) - before; got != 2 {
		t.Errorf("training_steps_total delta = %f, want 2", got)
	}
}
