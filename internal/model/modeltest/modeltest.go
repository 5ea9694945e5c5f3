// Package modeltest builds small decoder checkpoints for tests. The toy
// model is architecturally faithful (grouped-query attention, gated FFN,
// byte-fallback vocabulary) but tiny enough that tests run in milliseconds.
package modeltest

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-fletcher/internal/gguf"
)

const (
	Dim       = 8
	HiddenDim = 16
	Layers    = 2
	Heads     = 2
	KVHeads   = 1
	HeadDim   = 4
	SeqLen    = 64
)

// Tokens returns the toy vocabulary: specials, a few whole words, single
// letters, and the full byte-fallback set.
func Tokens() []string {
	tokens := []string{
		"<pad>", "<eos>", "<bos>",
		"<start_of_turn>", "<end_of_turn>",
		"user", "model", "\n",
		"hello", "world", " ",
	}
	for c := 'a'; c <= 'z'; c++ {
		tokens = append(tokens, string(c))
	}
	for b := 0; b < 256; b++ {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
	}
	// Pad the vocabulary to a multiple of four so the Q8_0 output head
	// lands on whole 32-element blocks.
	for i := 0; len(tokens)%4 != 0; i++ {
		tokens = append(tokens, fmt.Sprintf("<unused%d>", i))
	}
	return tokens
}

// Write writes a toy gemma-architecture checkpoint to path. Norm weights
// and embeddings are stored as F32, every linear projection as Q8_0, so a
// loader sees a genuinely quantized model. The same seed always produces
// the same file.
func Write(path string, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	randn := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * 0.05)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	tokens := Tokens()
	w := gguf.NewWriter()
	w.AddString("general.architecture", "gemma")
	w.AddString("general.name", "toy-gemma")
	w.AddUint32("gemma.embedding_length", Dim)
	w.AddUint32("gemma.block_count", Layers)
	w.AddUint32("gemma.attention.head_count", Heads)
	w.AddUint32("gemma.attention.head_count_kv", KVHeads)
	w.AddUint32("gemma.attention.key_length", HeadDim)
	w.AddUint32("gemma.feed_forward_length", HiddenDim)
	w.AddUint32("gemma.context_length", SeqLen)
	w.AddFloat32("gemma.attention.layer_norm_rms_epsilon", 1e-6)
	w.AddFloat32("gemma.rope.freq_base", 10000)
	w.AddString("tokenizer.ggml.model", "llama")
	w.AddStringArray("tokenizer.ggml.tokens", tokens)
	w.AddUint32("tokenizer.ggml.bos_token_id", 2)
	w.AddUint32("tokenizer.ggml.eos_token_id", 1)

	vocab := len(tokens)
	if err := w.AddTensorF32("token_embd.weight", []uint64{Dim, uint64(vocab)}, randn(vocab*Dim)); err != nil {
		return err
	}
	if err := w.AddTensorF32("output_norm.weight", []uint64{Dim}, ones(Dim)); err != nil {
		return err
	}
	if err := w.AddTensorQ8("output.weight", []uint64{Dim, uint64(vocab)}, randn(vocab*Dim)); err != nil {
		return err
	}

	qDim := Heads * HeadDim
	kvDim := KVHeads * HeadDim
	for i := 0; i < Layers; i++ {
		prefix := fmt.Sprintf("blk.%d.", i)
		if err := w.AddTensorF32(prefix+"attn_norm.weight", []uint64{Dim}, ones(Dim)); err != nil {
			return err
		}
		if err := w.AddTensorF32(prefix+"ffn_norm.weight", []uint64{Dim}, ones(Dim)); err != nil {
			return err
		}
		quantized := []struct {
			name string
			in   int
			out  int
		}{
			{"attn_q.weight", Dim, qDim},
			{"attn_k.weight", Dim, kvDim},
			{"attn_v.weight", Dim, kvDim},
			{"attn_output.weight", qDim, Dim},
			{"ffn_gate.weight", Dim, HiddenDim},
			{"ffn_up.weight", Dim, HiddenDim},
			{"ffn_down.weight", HiddenDim, Dim},
		}
		for _, q := range quantized {
			if err := w.AddTensorQ8(prefix+q.name, []uint64{uint64(q.in), uint64(q.out)}, randn(q.in*q.out)); err != nil {
				return err
			}
		}
	}

	return w.WriteFile(path)
}
