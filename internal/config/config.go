package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Arch describes the decoder architecture read from a model file's
// metadata. Everything the forward pass needs, nothing it does not.
type Arch struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
	RopeTheta    float32
}

func (c *Arch) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be a multiple of kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	return nil
}

func (c *Arch) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// Quant is the quantization configuration applied at model-load time.
// Immutable once constructed.
type Quant struct {
	Bits        int    `mapstructure:"bits"`
	DoubleQuant bool   `mapstructure:"double_quant"`
	Scheme      string `mapstructure:"scheme"`
	ComputeType string `mapstructure:"compute_type"`
}

func (q *Quant) Validate() error {
	if q.Bits != 4 && q.Bits != 8 {
		return fmt.Errorf("invalid quant bits: %d (supported: 4, 8)", q.Bits)
	}
	switch strings.ToLower(q.Scheme) {
	case "q4_k", "q8_0":
	default:
		return fmt.Errorf("invalid quant scheme: %q (supported: q4_k, q8_0)", q.Scheme)
	}
	switch strings.ToLower(q.ComputeType) {
	case "f32", "f16":
	default:
		return fmt.Errorf("invalid compute type: %q (supported: f32, f16)", q.ComputeType)
	}
	return nil
}

// Adapter is the low-rank adapter configuration. TargetModules is usually
// left empty and filled by target discovery after the model is loaded.
type Adapter struct {
	Rank          int      `mapstructure:"rank"`
	Alpha         float32  `mapstructure:"alpha"`
	Dropout       float32  `mapstructure:"dropout"`
	TargetModules []string `mapstructure:"target_modules"`
	Bias          string   `mapstructure:"bias"`
	TaskType      string   `mapstructure:"task_type"`
}

func (a *Adapter) Validate() error {
	if a.Rank <= 0 {
		return fmt.Errorf("invalid adapter rank: %d (must be positive)", a.Rank)
	}
	if a.Alpha <= 0 {
		return fmt.Errorf("invalid adapter alpha: %f (must be positive)", a.Alpha)
	}
	if a.Dropout < 0 || a.Dropout >= 1 {
		return fmt.Errorf("invalid adapter dropout: %f (must be in [0,1))", a.Dropout)
	}
	if a.Bias != "none" {
		return fmt.Errorf("invalid bias policy: %q (supported: none)", a.Bias)
	}
	if a.TaskType != "CAUSAL_LM" {
		return fmt.Errorf("invalid task type: %q (supported: CAUSAL_LM)", a.TaskType)
	}
	return nil
}

// Scaling returns alpha/rank, the factor applied to the low-rank delta.
func (a *Adapter) Scaling() float32 {
	return a.Alpha / float32(a.Rank)
}

// Dataset controls the source projection, the intermediate file and the
// train/validation/test split. The source schema is a configuration input;
// the projection never guesses field names.
type Dataset struct {
	SourcePath      string  `mapstructure:"source_path"`
	TransformedPath string  `mapstructure:"transformed_path"`
	PromptField     string  `mapstructure:"prompt_field"`
	CompletionField string  `mapstructure:"completion_field"`
	TrainFraction   float64 `mapstructure:"train_fraction"`
	ValFraction     float64 `mapstructure:"val_fraction"`
	Seed            int64   `mapstructure:"seed"`
}

func (d *Dataset) Validate() error {
	if d.SourcePath == "" {
		return fmt.Errorf("dataset source_path is required")
	}
	if d.TransformedPath == "" {
		return fmt.Errorf("dataset transformed_path is required")
	}
	if d.PromptField == "" || d.CompletionField == "" {
		return fmt.Errorf("dataset prompt_field and completion_field are required")
	}
	if d.TrainFraction <= 0 || d.ValFraction <= 0 || d.TrainFraction+d.ValFraction >= 1 {
		return fmt.Errorf("invalid split fractions: train=%f val=%f (test gets the rest)", d.TrainFraction, d.ValFraction)
	}
	return nil
}

// Registry locates the model registry and the local blob cache.
type Registry struct {
	BaseURL  string `mapstructure:"base_url"`
	CacheDir string `mapstructure:"cache_dir"`
	TokenEnv string `mapstructure:"token_env"`
}

// Training is the full training configuration surface.
type Training struct {
	OutputDir      string  `mapstructure:"output_dir"`
	BatchSize      int     `mapstructure:"batch_size"`
	GradAccumSteps int     `mapstructure:"grad_accum_steps"`
	Optimizer      string  `mapstructure:"optimizer"`
	LearningRate   float64 `mapstructure:"learning_rate"`
	WeightDecay    float64 `mapstructure:"weight_decay"`
	Scheduler      string  `mapstructure:"scheduler"`
	WarmupSteps    int     `mapstructure:"warmup_steps"`
	MaxSteps       int     `mapstructure:"max_steps"`
	Epochs         float64 `mapstructure:"epochs"`
	EvalSteps      int     `mapstructure:"eval_steps"`
	SaveSteps      int     `mapstructure:"save_steps"`
	LoggingSteps   int     `mapstructure:"logging_steps"`
	LoggingDir     string  `mapstructure:"logging_dir"`
	ReportTo       string  `mapstructure:"report_to"`
	Seed           int64   `mapstructure:"seed"`
	SeqLen         int     `mapstructure:"seq_len"`
}

func (t *Training) Validate() error {
	if t.OutputDir == "" {
		return fmt.Errorf("training output_dir is required")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", t.BatchSize)
	}
	if t.GradAccumSteps <= 0 {
		return fmt.Errorf("invalid grad_accum_steps: %d (must be positive)", t.GradAccumSteps)
	}
	if t.Optimizer != "adamw" {
		return fmt.Errorf("invalid optimizer: %q (supported: adamw)", t.Optimizer)
	}
	if t.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %f (must be positive)", t.LearningRate)
	}
	switch t.Scheduler {
	case "cosine", "constant":
	default:
		return fmt.Errorf("invalid scheduler: %q (supported: cosine, constant)", t.Scheduler)
	}
	if t.MaxSteps < 0 {
		return fmt.Errorf("invalid max_steps: %d (must be non-negative)", t.MaxSteps)
	}
	if t.EvalSteps < 0 || t.SaveSteps < 0 || t.LoggingSteps < 0 {
		return fmt.Errorf("cadence steps must be non-negative")
	}
	if t.SeqLen <= 1 {
		return fmt.Errorf("invalid seq_len: %d (must be > 1)", t.SeqLen)
	}
	return nil
}

// Generation configures the qualitative smoke-test generation.
type Generation struct {
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	TopK        int     `mapstructure:"top_k"`
	TopP        float64 `mapstructure:"top_p"`
}

// Run is the top-level pipeline configuration.
type Run struct {
	Model      string     `mapstructure:"model"`
	AdapterDir string     `mapstructure:"adapter_dir"`
	MergedDir  string     `mapstructure:"merged_dir"`
	Registry   Registry   `mapstructure:"registry"`
	Dataset    Dataset    `mapstructure:"dataset"`
	Quant      Quant      `mapstructure:"quant"`
	Adapter    Adapter    `mapstructure:"adapter"`
	Training   Training   `mapstructure:"training"`
	Generation Generation `mapstructure:"generation"`
}

func (r *Run) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model identifier is required")
	}
	if r.AdapterDir == "" {
		return fmt.Errorf("adapter_dir is required")
	}
	if r.MergedDir == "" {
		return fmt.Errorf("merged_dir is required")
	}
	if err := r.Dataset.Validate(); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if err := r.Quant.Validate(); err != nil {
		return fmt.Errorf("quant: %w", err)
	}
	if err := r.Adapter.Validate(); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	if err := r.Training.Validate(); err != nil {
		return fmt.Errorf("training: %w", err)
	}
	return nil
}

// Default returns the run configuration with every documented default
// filled in. Callers overlay file and flag values on top.
func Default() Run {
	return Run{
		AdapterDir: "out/adapter",
		MergedDir:  "out/merged",
		Registry: Registry{
			BaseURL:  "https://registry.fletcher.local",
			CacheDir: "",
			TokenEnv: "FLETCHER_TOKEN",
		},
		Dataset: Dataset{
			TransformedPath: "data/dataset.json",
			PromptField:     "prompt",
			CompletionField: "completion",
			TrainFraction:   0.8,
			ValFraction:     0.1,
			Seed:            42,
		},
		Quant: Quant{
			Bits:        4,
			DoubleQuant: true,
			Scheme:      "q4_k",
			ComputeType: "f16",
		},
		Adapter: Adapter{
			Rank:     16,
			Alpha:    32,
			Dropout:  0.05,
			Bias:     "none",
			TaskType: "CAUSAL_LM",
		},
		Training: Training{
			OutputDir:      "out/checkpoints",
			BatchSize:      4,
			GradAccumSteps: 4,
			Optimizer:      "adamw",
			LearningRate:   2e-4,
			WeightDecay:    0.01,
			Scheduler:      "cosine",
			WarmupSteps:    10,
			MaxSteps:       250,
			Epochs:         0,
			EvalSteps:      50,
			SaveSteps:      50,
			LoggingSteps:   10,
			LoggingDir:     "out/logs",
			ReportTo:       "",
			Seed:           42,
			SeqLen:         512,
		},
		Generation: Generation{
			MaxTokens:   128,
			Temperature: 0,
			TopK:        40,
			TopP:        0.9,
		},
	}
}

// Load reads a YAML run configuration from path, overlaid on Default.
func Load(path string) (*Run, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	run := Default()
	if err := v.Unmarshal(&run); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &run, nil
}
