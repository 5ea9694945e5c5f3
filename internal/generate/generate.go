// Package generate runs autoregressive decoding for the qualitative check
// after a fine-tune. Throughput is not the point; the forward pass is the
// training one, re-run over the whole prefix each step.
package generate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
	"github.com/23skdu/longbow-fletcher/internal/train"
)

// Sampler picks the next token from a logit row: temperature scaling, then
// top-k, then top-p nucleus truncation. Zero temperature is greedy.
type Sampler struct {
	temperature float64
	topK        int
	topP        float64
	rng         *rand.Rand
}

func NewSampler(cfg config.Generation, seed int64) *Sampler {
	return &Sampler{
		temperature: cfg.Temperature,
		topK:        cfg.TopK,
		topP:        cfg.TopP,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (s *Sampler) Sample(logits []float32) int {
	if s.temperature <= 0 {
		best := 0
		for i, v := range logits {
			if v > logits[best] {
				best = i
			}
		}
		return best
	}

	type cand struct {
		id    int
		logit float64
	}
	cands := make([]cand, len(logits))
	for i, v := range logits {
		cands[i] = cand{i, float64(v) / s.temperature}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].logit > cands[j].logit })

	if s.topK > 0 && s.topK < len(cands) {
		cands = cands[:s.topK]
	}

	// Softmax over the survivors.
	maxLogit := cands[0].logit
	var sum float64
	probs := make([]float64, len(cands))
	for i, c := range cands {
		p := math.Exp(c.logit - maxLogit)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}

	// Nucleus cut: keep the smallest prefix whose mass reaches top_p.
	keep := len(cands)
	if s.topP > 0 && s.topP < 1 {
		var mass float64
		for i, p := range probs {
			mass += p
			if mass >= s.topP {
				keep = i + 1
				break
			}
		}
	}

	var kept float64
	for _, p := range probs[:keep] {
		kept += p
	}
	r := s.rng.Float64() * kept
	for i := 0; i < keep; i++ {
		r -= probs[i]
		if r <= 0 {
			return cands[i].id
		}
	}
	return cands[keep-1].id
}

// Generate renders the query through the conversation template, decodes up
// to max_tokens, and returns the completion text with control tokens
// stripped. Decoding stops at eos, the end-of-turn marker, or the context
// limit. a may be nil to decode with base weights only.
func Generate(ctx context.Context, h *model.Handle, a *lora.Adapter, tok *tokenizer.Tokenizer, query string, cfg config.Generation, seed int64) (string, error) {
	if cfg.MaxTokens <= 0 {
		return "", fmt.Errorf("invalid max_tokens: %d", cfg.MaxTokens)
	}

	ids := tok.Encode(train.RenderPrompt(query), true)
	promptLen := len(ids)
	endOfTurn, hasEOT := tok.TokenID("<end_of_turn>")
	sampler := NewSampler(cfg, seed)

	for i := 0; i < cfg.MaxTokens && len(ids) < h.Arch.SeqLen; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logits, _ := train.Forward(h, a, ids)
		next := sampler.Sample(logits.Row(logits.Rows - 1))
		if next == tok.EOS() || (hasEOT && next == endOfTurn) {
			break
		}
		ids = append(ids, next)
	}

	out := tok.Decode(ids[promptLen:])
	logger.Log.Info("generation finished",
		"prompt_tokens", promptLen, "generated_tokens", len(ids)-promptLen)
	return out, nil
}
