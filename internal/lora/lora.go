package lora

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// ErrBaseModelMismatch is returned when an adapter is applied to a model
// other than the one it was trained against.
var ErrBaseModelMismatch = errors.New("adapter was trained against a different base model")

const adapterFileName = "adapter.gguf"

// Pair is one low-rank decomposition: y += scaling * B(Ax). A is rank×in
// with small gaussian init, B is out×rank and starts at zero so the wrapped
// model initially computes exactly the base forward pass.
type Pair struct {
	A *tensor.Tensor
	B *tensor.Tensor

	GradA *tensor.Tensor
	GradB *tensor.Tensor
}

func newPair(out, in, rank int, rng *rand.Rand) *Pair {
	return &Pair{
		A:     tensor.NewRandn(rank, in, 0.02, rng),
		B:     tensor.New(out, rank),
		GradA: tensor.New(rank, in),
		GradB: tensor.New(out, rank),
	}
}

// Delta computes scaling * (x Aᵀ) Bᵀ for a T×in activation matrix.
func (p *Pair) Delta(x *tensor.Tensor, scaling float32) *tensor.Tensor {
	h := tensor.MatMulT(x, p.A)
	d := tensor.MatMulT(h, p.B)
	d.ScaleInPlace(scaling)
	return d
}

func (p *Pair) ZeroGrad() {
	p.GradA.Zero()
	p.GradB.Zero()
}

// Adapter holds every injected pair plus the provenance needed to refuse
// merging into the wrong base model.
type Adapter struct {
	BaseModel string
	Rank      int
	Alpha     float32
	Dropout   float32
	Targets   []string
	Steps     int

	// Layers[i][target] is the pair injected at layer i's target sublayer.
	Layers []map[string]*Pair
}

func (a *Adapter) Scaling() float32 {
	return a.Alpha / float32(a.Rank)
}

// Pair returns the pair for layer i's target, or nil when the target is
// not adapted.
func (a *Adapter) Pair(layer int, target string) *Pair {
	if layer < 0 || layer >= len(a.Layers) {
		return nil
	}
	return a.Layers[layer][target]
}

// Pairs iterates every pair in a fixed order: layer-major, targets sorted.
func (a *Adapter) Pairs(fn func(layer int, target string, p *Pair)) {
	for i := range a.Layers {
		for _, target := range a.Targets {
			if p := a.Layers[i][target]; p != nil {
				fn(i, target, p)
			}
		}
	}
}

// TrainableParams counts the adapter's own parameters.
func (a *Adapter) TrainableParams() int64 {
	var n int64
	a.Pairs(func(_ int, _ string, p *Pair) {
		n += int64(p.A.NumElements() + p.B.NumElements())
	})
	return n
}

// Wrap injects a pair alongside every target sublayer of every decoder
// block and moves the handle into the adapted state. If cfg.TargetModules
// is empty the targets are discovered from the handle's quantized tensors.
func Wrap(h *model.Handle, cfg config.Adapter, seed int64) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h.State != model.StateQuantized {
		return nil, fmt.Errorf("cannot wrap a model in state %s", h.State)
	}

	targets := cfg.TargetModules
	if len(targets) == 0 {
		targets = h.DiscoverTargets()
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no target modules to adapt")
	}
	targets = append([]string(nil), targets...)
	sort.Strings(targets)

	rng := rand.New(rand.NewSource(seed))
	a := &Adapter{
		BaseModel: h.ID,
		Rank:      cfg.Rank,
		Alpha:     cfg.Alpha,
		Dropout:   cfg.Dropout,
		Targets:   targets,
		Layers:    make([]map[string]*Pair, len(h.Layers)),
	}
	for i := range h.Layers {
		a.Layers[i] = make(map[string]*Pair, len(targets))
		for _, target := range targets {
			w := weightFor(&h.Layers[i], target)
			if w == nil {
				return nil, fmt.Errorf("unknown target module %q", target)
			}
			a.Layers[i][target] = newPair(w.Rows, w.Cols, cfg.Rank, rng)
		}
	}

	h.State = model.StateAdapted
	trainable := a.TrainableParams()
	total := h.TotalParams() + trainable
	logger.Log.Info("adapter injected",
		"targets", strings.Join(targets, ","),
		"rank", cfg.Rank, "alpha", cfg.Alpha,
		"trainable_params", trainable, "total_params", total,
		"trainable_pct", fmt.Sprintf("%.4f", 100*float64(trainable)/float64(total)))
	return a, nil
}

func weightFor(l *model.Layer, target string) *tensor.Tensor {
	switch target {
	case "attn_q":
		return l.AttnQ
	case "attn_k":
		return l.AttnK
	case "attn_v":
		return l.AttnV
	case "attn_output":
		return l.AttnOut
	case "ffn_gate":
		return l.FFNGate
	case "ffn_up":
		return l.FFNUp
	case "ffn_down":
		return l.FFNDown
	default:
		return nil
	}
}

// Merge folds the adapter into a float-precision copy of the base weights:
// W += scaling * B A per adapted sublayer. The handle must be the same base
// model the adapter was trained against.
func Merge(h *model.Handle, a *Adapter) error {
	if h.ID != a.BaseModel {
		return fmt.Errorf("%w: adapter for %q, model is %q", ErrBaseModelMismatch, a.BaseModel, h.ID)
	}
	if h.State != model.StateBase {
		return fmt.Errorf("cannot merge into a model in state %s", h.State)
	}
	if len(a.Layers) != len(h.Layers) {
		return fmt.Errorf("adapter has %d layers, model has %d", len(a.Layers), len(h.Layers))
	}

	scaling := a.Scaling()
	for i := range h.Layers {
		for _, target := range a.Targets {
			p := a.Layers[i][target]
			if p == nil {
				continue
			}
			w := weightFor(&h.Layers[i], target)
			if w == nil {
				return fmt.Errorf("unknown target module %q", target)
			}
			delta := tensor.MatMul(p.B, p.A)
			if delta.Rows != w.Rows || delta.Cols != w.Cols {
				return fmt.Errorf("layer %d %s: delta is %dx%d, weight is %dx%d",
					i, target, delta.Rows, delta.Cols, w.Rows, w.Cols)
			}
			for j, d := range delta.Data {
				w.Data[j] += scaling * d
			}
		}
	}

	h.State = model.StateMerged
	logger.Log.Info("adapter merged", "base_model", a.BaseModel, "targets", len(a.Targets))
	return nil
}

// Save writes the adapter weights and provenance to dir/adapter.gguf.
func Save(a *Adapter, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	w := gguf.NewWriter()
	w.AddString("general.type", "adapter")
	w.AddString("adapter.type", "lora")
	w.AddString("adapter.base_model", a.BaseModel)
	w.AddUint32("adapter.lora.rank", uint32(a.Rank))
	w.AddFloat32("adapter.lora.alpha", a.Alpha)
	w.AddFloat32("adapter.lora.dropout", a.Dropout)
	w.AddStringArray("adapter.lora.target_modules", a.Targets)
	w.AddUint32("adapter.training.steps", uint32(a.Steps))

	var addErr error
	a.Pairs(func(layer int, target string, p *Pair) {
		if addErr != nil {
			return
		}
		prefix := fmt.Sprintf("blk.%d.%s.", layer, target)
		addErr = w.AddTensorF32(prefix+"lora_a", []uint64{uint64(p.A.Cols), uint64(p.A.Rows)}, p.A.Data)
		if addErr != nil {
			return
		}
		addErr = w.AddTensorF32(prefix+"lora_b", []uint64{uint64(p.B.Cols), uint64(p.B.Rows)}, p.B.Data)
	})
	if addErr != nil {
		return addErr
	}

	path := filepath.Join(dir, adapterFileName)
	if err := w.WriteFile(path); err != nil {
		return err
	}
	logger.Log.Info("adapter saved", "path", path, "steps", a.Steps, "params", a.TrainableParams())
	return nil
}

// Load reads an adapter saved by Save. dir may name the directory or the
// file itself.
func Load(dir string) (*Adapter, error) {
	path := dir
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(dir, adapterFileName)
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading adapter %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if typ, _ := f.KV["general.type"].(string); typ != "adapter" {
		return nil, fmt.Errorf("%s is not an adapter file", path)
	}

	a := &Adapter{}
	a.BaseModel, _ = f.KV["adapter.base_model"].(string)
	if v, ok := f.KV["adapter.lora.rank"].(uint32); ok {
		a.Rank = int(v)
	}
	if v, ok := f.KV["adapter.lora.alpha"].(float32); ok {
		a.Alpha = v
	}
	if v, ok := f.KV["adapter.lora.dropout"].(float32); ok {
		a.Dropout = v
	}
	if v, ok := f.KV["adapter.training.steps"].(uint32); ok {
		a.Steps = int(v)
	}
	if raw, ok := f.KV["adapter.lora.target_modules"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				a.Targets = append(a.Targets, s)
			}
		}
	}
	if a.Rank <= 0 {
		return nil, fmt.Errorf("adapter %s: missing rank", path)
	}

	layers := 0
	for _, t := range f.Tensors {
		layer, _, role, err := parseTensorName(t.Name)
		if err != nil {
			return nil, err
		}
		if role == "lora_a" && layer+1 > layers {
			layers = layer + 1
		}
	}

	a.Layers = make([]map[string]*Pair, layers)
	for i := range a.Layers {
		a.Layers[i] = make(map[string]*Pair, len(a.Targets))
	}
	for _, t := range f.Tensors {
		layer, target, role, err := parseTensorName(t.Name)
		if err != nil {
			return nil, err
		}
		data, err := gguf.Dequantize(t)
		if err != nil {
			return nil, err
		}
		rows, cols := int(t.Dimensions[1]), int(t.Dimensions[0])
		mat := tensor.FromSlice(rows, cols, data)

		p := a.Layers[layer][target]
		if p == nil {
			p = &Pair{}
			a.Layers[layer][target] = p
		}
		if role == "lora_a" {
			p.A = mat
		} else {
			p.B = mat
		}
	}

	for i := range a.Layers {
		for target, p := range a.Layers[i] {
			if p.A == nil || p.B == nil {
				return nil, fmt.Errorf("adapter %s: layer %d %s is missing a factor", path, i, target)
			}
			p.GradA = tensor.New(p.A.Rows, p.A.Cols)
			p.GradB = tensor.New(p.B.Rows, p.B.Cols)
		}
	}
	return a, nil
}

// parseTensorName splits "blk.N.<target>.lora_a" into its parts.
func parseTensorName(name string) (layer int, target, role string, err error) {
	parts := strings.Split(name, ".")
	if len(parts) < 4 || parts[0] != "blk" {
		return 0, "", "", fmt.Errorf("unexpected adapter tensor %q", name)
	}
	layer, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", "", fmt.Errorf("unexpected adapter tensor %q", name)
	}
	role = parts[len(parts)-1]
	if role != "lora_a" && role != "lora_b" {
		return 0, "", "", fmt.Errorf("unexpected adapter tensor %q", name)
	}
	target = strings.Join(parts[2:len(parts)-1], ".")
	return layer, target, role, nil
}
