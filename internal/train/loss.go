package train

import (
	"math"

	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// LossAndGrad computes mean cross-entropy over the masked positions and
// the matching logit gradient. Unmasked positions contribute nothing to
// either. A fully-unmasked sequence yields zero loss and a zero gradient.
func LossAndGrad(logits *tensor.Tensor, targets []int, mask []bool) (float64, *tensor.Tensor) {
	dlogits := tensor.New(logits.Rows, logits.Cols)
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	if n == 0 {
		return 0, dlogits
	}

	var loss float64
	inv := 1 / float32(n)
	probs := make([]float32, logits.Cols)
	for t := 0; t < logits.Rows; t++ {
		if !mask[t] {
			continue
		}
		tensor.SoftmaxRow(logits.Row(t), probs)
		p := probs[targets[t]]
		if p < 1e-10 {
			p = 1e-10
		}
		loss -= math.Log(float64(p))

		dRow := dlogits.Row(t)
		for j, q := range probs {
			dRow[j] = q * inv
		}
		dRow[targets[t]] -= inv
	}
	return loss / float64(n), dlogits
}

// Loss is the evaluation-only variant.
func Loss(logits *tensor.Tensor, targets []int, mask []bool) float64 {
	n := 0
	var loss float64
	probs := make([]float32, logits.Cols)
	for t := 0; t < logits.Rows; t++ {
		if !mask[t] {
			continue
		}
		n++
		tensor.SoftmaxRow(logits.Row(t), probs)
		p := probs[targets[t]]
		if p < 1e-10 {
			p = 1e-10
		}
		loss -= math.Log(float64(p))
	}
	if n == 0 {
		return 0
	}
	return loss / float64(n)
}
