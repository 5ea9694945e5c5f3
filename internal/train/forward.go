package train

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/model"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// dropout is the training-time mask source for the adapter branch. Nil
// means no dropout (evaluation, generation, or a zero rate).
type dropout struct {
	rate float32
	rng  *rand.Rand
}

// linCache keeps what a projection's backward pass needs: the adapter-branch
// input (masked during training), the rank-space activation x Aᵀ, and the
// inverted-dropout mask when one was drawn.
type linCache struct {
	x    *tensor.Tensor
	hA   *tensor.Tensor
	mask *tensor.Tensor
}

// linear computes x Wᵀ, plus scaling·(x Aᵀ) Bᵀ when a pair is attached.
// Dropout applies only to the adapter branch, the way the base weights never
// see it.
func linear(x *tensor.Tensor, w *tensor.Tensor, p *lora.Pair, scaling float32, drop *dropout) (*tensor.Tensor, linCache) {
	y := tensor.MatMulT(x, w)
	c := linCache{x: x}
	if p != nil {
		xa := x
		if drop != nil && drop.rate > 0 {
			keepInv := 1 / (1 - drop.rate)
			c.mask = tensor.New(x.Rows, x.Cols)
			xa = tensor.New(x.Rows, x.Cols)
			for i, v := range x.Data {
				if drop.rng.Float32() >= drop.rate {
					c.mask.Data[i] = keepInv
					xa.Data[i] = v * keepInv
				}
			}
			c.x = xa
		}
		c.hA = tensor.MatMulT(xa, p.A)
		delta := tensor.MatMulT(c.hA, p.B)
		for i, d := range delta.Data {
			y.Data[i] += scaling * d
		}
	}
	return y, c
}

// linearBackward propagates dy to the input and accumulates pair gradients.
// The frozen weight w gets no gradient.
func linearBackward(dy *tensor.Tensor, c linCache, w *tensor.Tensor, p *lora.Pair, scaling float32) *tensor.Tensor {
	dx := tensor.MatMul(dy, w)
	if p != nil {
		// dB += scaling · dyᵀ hA
		scaled := dy.Clone()
		scaled.ScaleInPlace(scaling)
		tensor.AccumOuterT(p.GradB, scaled, c.hA)
		// dhA = scaling · dy B, then dA += dhAᵀ x and dx += dhA A,
		// the latter re-masked when dropout was applied.
		dhA := tensor.MatMul(scaled, p.B)
		tensor.AccumOuterT(p.GradA, dhA, c.x)
		branch := tensor.MatMul(dhA, p.A)
		if c.mask != nil {
			for i := range branch.Data {
				branch.Data[i] *= c.mask.Data[i]
			}
		}
		tensor.AddInPlace(dx, branch)
	}
	return dx
}

func rmsNorm(x *tensor.Tensor, w []float32, eps float32) (*tensor.Tensor, []float32) {
	y := tensor.New(x.Rows, x.Cols)
	inv := make([]float32, x.Rows)
	for i := 0; i < x.Rows; i++ {
		row := x.Row(i)
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		r := float32(1 / math.Sqrt(ss/float64(x.Cols)+float64(eps)))
		inv[i] = r
		out := y.Row(i)
		for j, v := range row {
			out[j] = v * r * w[j]
		}
	}
	return y, inv
}

func rmsNormBackward(dy, x *tensor.Tensor, w []float32, inv []float32) *tensor.Tensor {
	dx := tensor.New(x.Rows, x.Cols)
	n := float64(x.Cols)
	for i := 0; i < x.Rows; i++ {
		dyRow, xRow, dxRow := dy.Row(i), x.Row(i), dx.Row(i)
		r := float64(inv[i])
		var dot float64
		for j := range xRow {
			dot += float64(dyRow[j]) * float64(w[j]) * float64(xRow[j])
		}
		coef := r * r * r * dot / n
		for j := range xRow {
			g := float64(dyRow[j]) * float64(w[j])
			dxRow[j] = float32(r*g - coef*float64(xRow[j]))
		}
	}
	return dx
}

// applyRoPE rotates adjacent column pairs of every head in place. Row index
// is the position. backward rotates by the negated angle, which is the
// transpose of the forward rotation.
func applyRoPE(x *tensor.Tensor, heads, headDim int, base float32, backward bool) {
	half := headDim / 2
	for t := 0; t < x.Rows; t++ {
		row := x.Row(t)
		for h := 0; h < heads; h++ {
			off := h * headDim
			for i := 0; i < half; i++ {
				freq := math.Pow(float64(base), -2*float64(i)/float64(headDim))
				angle := float64(t) * freq
				sin, cos := math.Sincos(angle)
				if backward {
					sin = -sin
				}
				a, b := float64(row[off+2*i]), float64(row[off+2*i+1])
				row[off+2*i] = float32(cos*a - sin*b)
				row[off+2*i+1] = float32(sin*a + cos*b)
			}
		}
	}
}

// attention runs causal grouped-query attention. q is T×(heads·headDim);
// k and v are T×(kvHeads·headDim); query head h reads kv head h/(heads/kvHeads).
// Returns the concatenated head contexts and the per-head probability
// matrices for the backward pass.
func attention(q, k, v *tensor.Tensor, heads, kvHeads, headDim int) (*tensor.Tensor, []*tensor.Tensor) {
	T := q.Rows
	group := heads / kvHeads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	ctx := tensor.New(T, heads*headDim)
	probs := make([]*tensor.Tensor, heads)
	scores := make([]float32, T)
	for h := 0; h < heads; h++ {
		qOff := h * headDim
		kvOff := (h / group) * headDim
		p := tensor.New(T, T)
		probs[h] = p
		for t := 0; t < T; t++ {
			qRow := q.Row(t)[qOff : qOff+headDim]
			for s := 0; s <= t; s++ {
				kRow := k.Row(s)[kvOff : kvOff+headDim]
				var dot float32
				for i := range qRow {
					dot += qRow[i] * kRow[i]
				}
				scores[s] = dot * scale
			}
			tensor.SoftmaxRow(scores[:t+1], p.Row(t)[:t+1])

			out := ctx.Row(t)[qOff : qOff+headDim]
			pRow := p.Row(t)
			for s := 0; s <= t; s++ {
				w := pRow[s]
				if w == 0 {
					continue
				}
				vRow := v.Row(s)[kvOff : kvOff+headDim]
				for i := range out {
					out[i] += w * vRow[i]
				}
			}
		}
	}
	return ctx, probs
}

func attentionBackward(dctx, q, k, v *tensor.Tensor, probs []*tensor.Tensor, heads, kvHeads, headDim int) (dq, dk, dv *tensor.Tensor) {
	T := q.Rows
	group := heads / kvHeads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	dq = tensor.New(T, heads*headDim)
	dk = tensor.New(T, kvHeads*headDim)
	dv = tensor.New(T, kvHeads*headDim)

	dp := make([]float32, T)
	ds := make([]float32, T)
	for h := 0; h < heads; h++ {
		qOff := h * headDim
		kvOff := (h / group) * headDim
		p := probs[h]
		for t := 0; t < T; t++ {
			pRow := p.Row(t)
			dOut := dctx.Row(t)[qOff : qOff+headDim]

			// dv[s] += p[t,s]·dctx[t]; dp[t,s] = dctx[t]·v[s]
			for s := 0; s <= t; s++ {
				vRow := v.Row(s)[kvOff : kvOff+headDim]
				dvRow := dv.Row(s)[kvOff : kvOff+headDim]
				var dot float32
				w := pRow[s]
				for i := range dOut {
					dvRow[i] += w * dOut[i]
					dot += dOut[i] * vRow[i]
				}
				dp[s] = dot
			}

			// softmax backward over the causal prefix
			var inner float32
			for s := 0; s <= t; s++ {
				inner += pRow[s] * dp[s]
			}
			for s := 0; s <= t; s++ {
				ds[s] = pRow[s] * (dp[s] - inner) * scale
			}

			dqRow := dq.Row(t)[qOff : qOff+headDim]
			qRow := q.Row(t)[qOff : qOff+headDim]
			for s := 0; s <= t; s++ {
				g := ds[s]
				if g == 0 {
					continue
				}
				kRow := k.Row(s)[kvOff : kvOff+headDim]
				dkRow := dk.Row(s)[kvOff : kvOff+headDim]
				for i := range qRow {
					dqRow[i] += g * kRow[i]
					dkRow[i] += g * qRow[i]
				}
			}
		}
	}
	return dq, dk, dv
}

type layerCache struct {
	x     *tensor.Tensor // block input
	xn    *tensor.Tensor
	xnInv []float32

	q, k, v *tensor.Tensor // post-rope
	probs   []*tensor.Tensor
	ctx     *tensor.Tensor

	x2    *tensor.Tensor
	fn    *tensor.Tensor
	fnInv []float32
	gate  *tensor.Tensor // pre-activation
	up    *tensor.Tensor
	act   *tensor.Tensor // gelu(gate)·up

	qc, kc, vc, oc, gc, uc, dc linCache
}

type forwardCache struct {
	tokens []int
	layers []layerCache
	x3     *tensor.Tensor // final block output
	xf     *tensor.Tensor // after output norm
	xfInv  []float32
}

// Forward runs the decoder over a token sequence and returns the logits
// plus the activations the backward pass consumes. a may be nil for a
// plain base-weight forward.
func Forward(h *model.Handle, a *lora.Adapter, tokens []int) (*tensor.Tensor, *forwardCache) {
	return forward(h, a, tokens, nil)
}

// ForwardTrain is Forward with adapter dropout drawn from rng. Evaluation
// and generation go through Forward and never see a mask.
func ForwardTrain(h *model.Handle, a *lora.Adapter, tokens []int, rng *rand.Rand) (*tensor.Tensor, *forwardCache) {
	var drop *dropout
	if a != nil && a.Dropout > 0 && rng != nil {
		drop = &dropout{rate: a.Dropout, rng: rng}
	}
	return forward(h, a, tokens, drop)
}

func forward(h *model.Handle, a *lora.Adapter, tokens []int, drop *dropout) (*tensor.Tensor, *forwardCache) {
	arch := h.Arch
	T := len(tokens)
	scaling := float32(0)
	pair := func(layer int, target string) *lora.Pair { return nil }
	if a != nil {
		scaling = a.Scaling()
		pair = a.Pair
	}

	// Token embeddings, scaled by sqrt(dim).
	embedScale := float32(math.Sqrt(float64(arch.Dim)))
	x := tensor.New(T, arch.Dim)
	for t, id := range tokens {
		src := h.TokenEmbed.Row(id)
		dst := x.Row(t)
		for j := range dst {
			dst[j] = src[j] * embedScale
		}
	}

	cache := &forwardCache{
		tokens: append([]int(nil), tokens...),
		layers: make([]layerCache, arch.Layers),
	}

	for i := 0; i < arch.Layers; i++ {
		l := &h.Layers[i]
		lc := &cache.layers[i]
		lc.x = x

		lc.xn, lc.xnInv = rmsNorm(x, l.AttnNorm, arch.Eps)
		lc.q, lc.qc = linear(lc.xn, l.AttnQ, pair(i, "attn_q"), scaling, drop)
		lc.k, lc.kc = linear(lc.xn, l.AttnK, pair(i, "attn_k"), scaling, drop)
		lc.v, lc.vc = linear(lc.xn, l.AttnV, pair(i, "attn_v"), scaling, drop)
		applyRoPE(lc.q, arch.Heads, arch.HeadDim, arch.RopeTheta, false)
		applyRoPE(lc.k, arch.KVHeads, arch.HeadDim, arch.RopeTheta, false)

		lc.ctx, lc.probs = attention(lc.q, lc.k, lc.v, arch.Heads, arch.KVHeads, arch.HeadDim)
		attnOut, oc := linear(lc.ctx, l.AttnOut, pair(i, "attn_output"), scaling, drop)
		lc.oc = oc

		lc.x2 = x.Clone()
		tensor.AddInPlace(lc.x2, attnOut)

		lc.fn, lc.fnInv = rmsNorm(lc.x2, l.FFNNorm, arch.Eps)
		lc.gate, lc.gc = linear(lc.fn, l.FFNGate, pair(i, "ffn_gate"), scaling, drop)
		lc.up, lc.uc = linear(lc.fn, l.FFNUp, pair(i, "ffn_up"), scaling, drop)

		lc.act = tensor.New(T, arch.HiddenDim)
		for j, g := range lc.gate.Data {
			lc.act.Data[j] = tensor.GELU(g) * lc.up.Data[j]
		}
		down, dc := linear(lc.act, l.FFNDown, pair(i, "ffn_down"), scaling, drop)
		lc.dc = dc

		x = lc.x2.Clone()
		tensor.AddInPlace(x, down)
	}

	cache.x3 = x
	cache.xf, cache.xfInv = rmsNorm(x, h.OutputNorm, arch.Eps)
	logits := tensor.MatMulT(cache.xf, h.Output)
	return logits, cache
}

// Backward pushes dlogits through the whole decoder, accumulating gradients
// only into the adapter pairs. Base weights stay frozen.
func Backward(h *model.Handle, a *lora.Adapter, cache *forwardCache, dlogits *tensor.Tensor) {
	arch := h.Arch
	scaling := a.Scaling()

	dxf := tensor.MatMul(dlogits, h.Output)
	dx := rmsNormBackward(dxf, cache.x3, h.OutputNorm, cache.xfInv)

	for i := arch.Layers - 1; i >= 0; i-- {
		l := &h.Layers[i]
		lc := &cache.layers[i]

		// FFN branch: x3 = x2 + down(act)
		dAct := linearBackward(dx, lc.dc, l.FFNDown, a.Pair(i, "ffn_down"), scaling)

		dGate := tensor.New(dAct.Rows, dAct.Cols)
		dUp := tensor.New(dAct.Rows, dAct.Cols)
		for j, da := range dAct.Data {
			g := lc.gate.Data[j]
			dGate.Data[j] = da * lc.up.Data[j] * tensor.GELUGrad(g)
			dUp.Data[j] = da * tensor.GELU(g)
		}

		dFn := linearBackward(dGate, lc.gc, l.FFNGate, a.Pair(i, "ffn_gate"), scaling)
		tensor.AddInPlace(dFn, linearBackward(dUp, lc.uc, l.FFNUp, a.Pair(i, "ffn_up"), scaling))

		dx2 := rmsNormBackward(dFn, lc.x2, l.FFNNorm, lc.fnInv)
		tensor.AddInPlace(dx2, dx) // residual

		// Attention branch: x2 = x + attn_output(ctx)
		dCtx := linearBackward(dx2, lc.oc, l.AttnOut, a.Pair(i, "attn_output"), scaling)
		dq, dk, dv := attentionBackward(dCtx, lc.q, lc.k, lc.v, lc.probs, arch.Heads, arch.KVHeads, arch.HeadDim)
		applyRoPE(dq, arch.Heads, arch.HeadDim, arch.RopeTheta, true)
		applyRoPE(dk, arch.KVHeads, arch.HeadDim, arch.RopeTheta, true)

		dXn := linearBackward(dq, lc.qc, l.AttnQ, a.Pair(i, "attn_q"), scaling)
		tensor.AddInPlace(dXn, linearBackward(dk, lc.kc, l.AttnK, a.Pair(i, "attn_k"), scaling))
		tensor.AddInPlace(dXn, linearBackward(dv, lc.vc, l.AttnV, a.Pair(i, "attn_v"), scaling))

		dx = rmsNormBackward(dXn, lc.x, l.AttnNorm, lc.xnInv)
		tensor.AddInPlace(dx, dx2) // residual
	}
	// Embedding table is frozen; dx stops here.
}
