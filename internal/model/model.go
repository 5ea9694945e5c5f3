package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/gguf"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// State tags where a handle sits in the base → quantized-loaded →
// adapter-wrapped → trained → merged lifecycle. Stage functions consume a
// handle in one state and return it in the next; there is no concurrent
// access, ownership is sequential.
type State int

const (
	StateBase State = iota
	StateQuantized
	StateAdapted
	StateTrained
	StateMerged
)

func (s State) String() string {
	switch s {
	case StateBase:
		return "base"
	case StateQuantized:
		return "quantized"
	case StateAdapted:
		return "adapted"
	case StateTrained:
		return "trained"
	case StateMerged:
		return "merged"
	default:
		return fmt.Sprintf("unknown_state_%d", int(s))
	}
}

// Layer holds one decoder block's weights, dequantized to float32.
// Linear weights are out×in.
type Layer struct {
	AttnNorm []float32
	FFNNorm  []float32

	AttnQ   *tensor.Tensor
	AttnK   *tensor.Tensor
	AttnV   *tensor.Tensor
	AttnOut *tensor.Tensor

	FFNGate *tensor.Tensor
	FFNUp   *tensor.Tensor
	FFNDown *tensor.Tensor
}

// Tokenizer metadata carried alongside the weights so persisting the
// merged model keeps the vocabulary with it.
type TokenizerKV struct {
	Model  string
	Tokens []string
	Scores []float32
	BOS    int
	EOS    int
}

// Handle owns a loaded model. Large, mutable, passed by pointer from stage
// to stage; exactly one stage acts on it at a time.
type Handle struct {
	ID    string // base model identifier the weights came from
	State State
	Arch  config.Arch

	TokenEmbed *tensor.Tensor // vocab×dim
	Output     *tensor.Tensor // vocab×dim head projection
	OutputNorm []float32

	Layers []Layer

	// SourceTypes records each tensor's stored GGML type before
	// dequantization; target discovery reads it.
	SourceTypes map[string]gguf.GGMLType

	Tokenizer TokenizerKV
}

// LoadQuantized loads a model whose linear weights are block-quantized,
// honoring the quantization configuration. The returned handle is in
// StateQuantized.
func LoadQuantized(path, id string, quant config.Quant) (*Handle, error) {
	if err := quant.Validate(); err != nil {
		return nil, err
	}
	h, err := load(path, id)
	if err != nil {
		return nil, err
	}
	h.State = StateQuantized
	logger.Log.Info("model loaded",
		"id", id, "state", h.State.String(),
		"layers", h.Arch.Layers, "dim", h.Arch.Dim,
		"quant_bits", quant.Bits, "quant_scheme", quant.Scheme)
	return h, nil
}

// LoadFloat loads the model for the merge stage at full precision.
// The returned handle is in StateBase.
func LoadFloat(path, id string) (*Handle, error) {
	h, err := load(path, id)
	if err != nil {
		return nil, err
	}
	h.State = StateBase
	logger.Log.Info("model loaded", "id", id, "state", h.State.String())
	return h, nil
}

func load(path, id string) (*Handle, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	arch, err := archFromKV(f.KV)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizerFromKV(f.KV)
	if err != nil {
		return nil, err
	}
	arch.VocabSize = len(tok.Tokens)
	if err := arch.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", id, err)
	}

	h := &Handle{
		ID:          id,
		Arch:        arch,
		SourceTypes: make(map[string]gguf.GGMLType, len(f.Tensors)),
		Tokenizer:   tok,
		Layers:      make([]Layer, arch.Layers),
	}
	for _, t := range f.Tensors {
		h.SourceTypes[t.Name] = t.Type
	}

	if h.TokenEmbed, err = loadMatrix(f, "token_embd.weight", arch.VocabSize, arch.Dim); err != nil {
		return nil, err
	}
	if h.Output, err = loadMatrix(f, "output.weight", arch.VocabSize, arch.Dim); err != nil {
		return nil, err
	}
	if h.OutputNorm, err = loadVector(f, "output_norm.weight", arch.Dim); err != nil {
		return nil, err
	}

	qDim := arch.Heads * arch.HeadDim
	kvDim := arch.KVHeads * arch.HeadDim
	for i := 0; i < arch.Layers; i++ {
		l := &h.Layers[i]
		prefix := fmt.Sprintf("blk.%d.", i)
		if l.AttnNorm, err = loadVector(f, prefix+"attn_norm.weight", arch.Dim); err != nil {
			return nil, err
		}
		if l.FFNNorm, err = loadVector(f, prefix+"ffn_norm.weight", arch.Dim); err != nil {
			return nil, err
		}
		if l.AttnQ, err = loadMatrix(f, prefix+"attn_q.weight", qDim, arch.Dim); err != nil {
			return nil, err
		}
		if l.AttnK, err = loadMatrix(f, prefix+"attn_k.weight", kvDim, arch.Dim); err != nil {
			return nil, err
		}
		if l.AttnV, err = loadMatrix(f, prefix+"attn_v.weight", kvDim, arch.Dim); err != nil {
			return nil, err
		}
		if l.AttnOut, err = loadMatrix(f, prefix+"attn_output.weight", arch.Dim, qDim); err != nil {
			return nil, err
		}
		if l.FFNGate, err = loadMatrix(f, prefix+"ffn_gate.weight", arch.HiddenDim, arch.Dim); err != nil {
			return nil, err
		}
		if l.FFNUp, err = loadMatrix(f, prefix+"ffn_up.weight", arch.HiddenDim, arch.Dim); err != nil {
			return nil, err
		}
		if l.FFNDown, err = loadMatrix(f, prefix+"ffn_down.weight", arch.Dim, arch.HiddenDim); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// loadMatrix dequantizes a named tensor into a rows×cols matrix. GGML ne
// order is {in, out}, so rows is ne[1] and cols is ne[0].
func loadMatrix(f *gguf.GGUFFile, name string, rows, cols int) (*tensor.Tensor, error) {
	t := f.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("tensor %s missing", name)
	}
	if len(t.Dimensions) != 2 || int(t.Dimensions[0]) != cols || int(t.Dimensions[1]) != rows {
		return nil, fmt.Errorf("tensor %s: dims %v, want {%d, %d}", name, t.Dimensions, cols, rows)
	}
	data, err := gguf.Dequantize(t)
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(rows, cols, data), nil
}

func loadVector(f *gguf.GGUFFile, name string, n int) ([]float32, error) {
	t := f.Tensor(name)
	if t == nil {
		return nil, fmt.Errorf("tensor %s missing", name)
	}
	if int(t.NumElements()) != n {
		return nil, fmt.Errorf("tensor %s: %d elements, want %d", name, t.NumElements(), n)
	}
	return gguf.Dequantize(t)
}

func archFromKV(kv map[string]interface{}) (config.Arch, error) {
	arch, _ := kv["general.architecture"].(string)
	if arch == "" {
		return config.Arch{}, fmt.Errorf("general.architecture missing")
	}

	c := config.Arch{Architecture: arch}
	c.Dim = int(kvInt(kv, arch+".embedding_length", arch+".hidden_size"))
	c.Layers = int(kvInt(kv, arch+".block_count", arch+".layer_count"))
	c.Heads = int(kvInt(kv, arch+".attention.head_count", ""))
	c.KVHeads = int(kvInt(kv, arch+".attention.head_count_kv", ""))
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	c.HiddenDim = int(kvInt(kv, arch+".feed_forward_length", arch+".intermediate_size"))
	c.SeqLen = int(kvInt(kv, arch+".context_length", "general.context_length"))
	if c.SeqLen == 0 {
		c.SeqLen = 2048
	}
	c.HeadDim = int(kvInt(kv, arch+".attention.key_length", ""))
	if c.HeadDim == 0 && c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}
	c.Eps = kvFloat(kv, arch+".attention.layer_norm_rms_epsilon", 1e-6)
	c.RopeTheta = kvFloat(kv, arch+".rope.freq_base", 10000)
	return c, nil
}

func tokenizerFromKV(kv map[string]interface{}) (TokenizerKV, error) {
	raw, ok := kv["tokenizer.ggml.tokens"].([]interface{})
	if !ok {
		return TokenizerKV{}, fmt.Errorf("tokenizer.ggml.tokens missing")
	}
	tokens := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return TokenizerKV{}, fmt.Errorf("token %d is not a string", i)
		}
		tokens[i] = s
	}

	tok := TokenizerKV{
		Tokens: tokens,
		BOS:    int(kvInt(kv, "tokenizer.ggml.bos_token_id", "")),
		EOS:    int(kvInt(kv, "tokenizer.ggml.eos_token_id", "")),
	}
	if m, ok := kv["tokenizer.ggml.model"].(string); ok {
		tok.Model = m
	}
	if raw, ok := kv["tokenizer.ggml.scores"].([]interface{}); ok {
		tok.Scores = make([]float32, len(raw))
		for i, v := range raw {
			if f, ok := v.(float32); ok {
				tok.Scores[i] = f
			}
		}
	}
	return tok, nil
}

func kvInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if key == "" {
			continue
		}
		switch v := kv[key].(type) {
		case uint32:
			return uint64(v)
		case uint64:
			return v
		case int32:
			return uint64(v)
		case int64:
			return uint64(v)
		}
	}
	return 0
}

func kvFloat(kv map[string]interface{}, key string, def float32) float32 {
	if v, ok := kv[key].(float32); ok {
		return v
	}
	return def
}

// DiscoverTargets enumerates the distinct sublayer names whose linear
// weights are stored quantized, excluding the output head projection.
// The result is sorted; downstream treats it as a set.
func (h *Handle) DiscoverTargets() []string {
	seen := make(map[string]bool)
	for name, typ := range h.SourceTypes {
		if !typ.IsQuantized() || !strings.HasSuffix(name, ".weight") {
			continue
		}
		base := strings.TrimSuffix(name, ".weight")
		segs := strings.Split(base, ".")
		seen[segs[len(segs)-1]] = true
	}
	delete(seen, "output")
	delete(seen, "lm_head")

	targets := make([]string, 0, len(seen))
	for name := range seen {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	return targets
}

// TotalParams counts every weight element in the handle.
func (h *Handle) TotalParams() int64 {
	total := int64(h.TokenEmbed.NumElements() + h.Output.NumElements() + len(h.OutputNorm))
	for i := range h.Layers {
		l := &h.Layers[i]
		total += int64(len(l.AttnNorm) + len(l.FFNNorm))
		for _, t := range []*tensor.Tensor{l.AttnQ, l.AttnK, l.AttnV, l.AttnOut, l.FFNGate, l.FFNUp, l.FFNDown} {
			total += int64(t.NumElements())
		}
	}
	return total
}

// SaveGGUF persists the handle's weights and tokenizer as a float32 GGUF
// file. Used for the merged model (the adapter has its own format).
func (h *Handle) SaveGGUF(path string) error {
	arch := h.Arch.GetArchitecture()
	w := gguf.NewWriter()
	w.AddString("general.architecture", arch)
	w.AddString("general.name", h.ID)
	w.AddUint32(arch+".embedding_length", uint32(h.Arch.Dim))
	w.AddUint32(arch+".block_count", uint32(h.Arch.Layers))
	w.AddUint32(arch+".attention.head_count", uint32(h.Arch.Heads))
	w.AddUint32(arch+".attention.head_count_kv", uint32(h.Arch.KVHeads))
	w.AddUint32(arch+".attention.key_length", uint32(h.Arch.HeadDim))
	w.AddUint32(arch+".feed_forward_length", uint32(h.Arch.HiddenDim))
	w.AddUint32(arch+".context_length", uint32(h.Arch.SeqLen))
	w.AddFloat32(arch+".attention.layer_norm_rms_epsilon", h.Arch.Eps)
	w.AddFloat32(arch+".rope.freq_base", h.Arch.RopeTheta)

	if h.Tokenizer.Model != "" {
		w.AddString("tokenizer.ggml.model", h.Tokenizer.Model)
	}
	w.AddStringArray("tokenizer.ggml.tokens", h.Tokenizer.Tokens)
	if len(h.Tokenizer.Scores) > 0 {
		w.AddFloat32Array("tokenizer.ggml.scores", h.Tokenizer.Scores)
	}
	w.AddUint32("tokenizer.ggml.bos_token_id", uint32(h.Tokenizer.BOS))
	w.AddUint32("tokenizer.ggml.eos_token_id", uint32(h.Tokenizer.EOS))

	addMatrix := func(name string, t *tensor.Tensor) error {
		return w.AddTensorF32(name, []uint64{uint64(t.Cols), uint64(t.Rows)}, t.Data)
	}
	addVector := func(name string, v []float32) error {
		return w.AddTensorF32(name, []uint64{uint64(len(v))}, v)
	}

	if err := addMatrix("token_embd.weight", h.TokenEmbed); err != nil {
		return err
	}
	if err := addVector("output_norm.weight", h.OutputNorm); err != nil {
		return err
	}
	if err := addMatrix("output.weight", h.Output); err != nil {
		return err
	}
	for i := range h.Layers {
		l := &h.Layers[i]
		prefix := fmt.Sprintf("blk.%d.", i)
		parts := []struct {
			name string
			mat  *tensor.Tensor
			vec  []float32
		}{
			{name: prefix + "attn_norm.weight", vec: l.AttnNorm},
			{name: prefix + "ffn_norm.weight", vec: l.FFNNorm},
			{name: prefix + "attn_q.weight", mat: l.AttnQ},
			{name: prefix + "attn_k.weight", mat: l.AttnK},
			{name: prefix + "attn_v.weight", mat: l.AttnV},
			{name: prefix + "attn_output.weight", mat: l.AttnOut},
			{name: prefix + "ffn_gate.weight", mat: l.FFNGate},
			{name: prefix + "ffn_up.weight", mat: l.FFNUp},
			{name: prefix + "ffn_down.weight", mat: l.FFNDown},
		}
		for _, p := range parts {
			var err error
			if p.mat != nil {
				err = addMatrix(p.name, p.mat)
			} else {
				err = addVector(p.name, p.vec)
			}
			if err != nil {
				return err
			}
		}
	}

	return w.WriteFile(path)
}
