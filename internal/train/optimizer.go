package train

import (
	"math"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/lora"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// AdamW with decoupled weight decay, tracking first and second moments per
// adapter tensor.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	step int
	m    map[*tensor.Tensor][]float64
	v    map[*tensor.Tensor][]float64
}

func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}
}

// Step applies one update to every adapter pair from its accumulated
// gradients. Gradients are not cleared; the caller owns that.
func (o *AdamW) Step(a *lora.Adapter, lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))

	a.Pairs(func(_ int, _ string, p *lora.Pair) {
		o.update(p.A, p.GradA, lr, c1, c2)
		o.update(p.B, p.GradB, lr, c1, c2)
	})
}

func (o *AdamW) update(param, grad *tensor.Tensor, lr, c1, c2 float64) {
	m := o.m[param]
	if m == nil {
		m = make([]float64, len(param.Data))
		o.m[param] = m
		o.v[param] = make([]float64, len(param.Data))
	}
	v := o.v[param]

	for i := range param.Data {
		g := float64(grad.Data[i])
		m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
		v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
		mhat := m[i] / c1
		vhat := v[i] / c2
		w := float64(param.Data[i])
		w -= lr * (mhat/(math.Sqrt(vhat)+o.Eps) + o.WeightDecay*w)
		param.Data[i] = float32(w)
	}
}

// LearningRate returns the scheduled rate for a zero-based optimizer step:
// linear warmup, then either a cosine decay to zero at max_steps or a
// constant plateau.
func LearningRate(cfg config.Training, step int) float64 {
	base := cfg.LearningRate
	if cfg.WarmupSteps > 0 && step < cfg.WarmupSteps {
		return base * float64(step+1) / float64(cfg.WarmupSteps)
	}
	if cfg.Scheduler == "constant" || cfg.MaxSteps <= cfg.WarmupSteps {
		return base
	}
	progress := float64(step-cfg.WarmupSteps) / float64(cfg.MaxSteps-cfg.WarmupSteps)
	if progress > 1 {
		progress = 1
	}
	return base * 0.5 * (1 + math.Cos(math.Pi*progress))
}
