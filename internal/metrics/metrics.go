package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrainingSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "training_steps_total",
		Help: "The total number of completed optimizer steps",
	})

	TrainingTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "training_tokens_total",
		Help: "The total number of tokens consumed by training",
	})

	TrainingLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "training_loss",
		Help: "Training loss at the most recent logged step",
	})

	EvalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eval_loss",
		Help: "Validation loss at the most recent evaluation",
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learning_rate",
		Help: "Learning rate applied at the most recent step",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "training_step_duration_seconds",
		Help: "Duration of individual optimizer steps",
	})

	CheckpointDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "checkpoint_write_duration_seconds",
		Help: "Duration of adapter checkpoint writes",
	})

	DatasetExamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dataset_examples",
		Help: "Number of examples per dataset partition",
	}, []string{"split"})

	TrainableParameters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainable_parameters",
		Help: "Number of trainable adapter parameters",
	})

	TotalParameters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "total_parameters",
		Help: "Total parameter count of the wrapped model",
	})
)

// Serve exposes /metrics on addr. Blocks; intended for a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
