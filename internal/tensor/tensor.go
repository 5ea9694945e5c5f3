package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense row-major float32 matrix. Vectors are 1×n or n×1 as
// the caller prefers; Data is always Rows*Cols long.
type Tensor struct {
	Rows, Cols int
	Data       []float32
}

func New(rows, cols int) *Tensor {
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromSlice wraps existing data without copying. len(data) must equal rows*cols.
func FromSlice(rows, cols int, data []float32) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: %d elements cannot fill %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// NewRandn fills a tensor with N(0, std²) samples from rng.
func NewRandn(rows, cols int, std float64, rng *rand.Rand) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

func (t *Tensor) At(i, j int) float32 {
	return t.Data[i*t.Cols+j]
}

func (t *Tensor) Set(i, j int, v float32) {
	t.Data[i*t.Cols+j] = v
}

func (t *Tensor) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

func (t *Tensor) Clone() *Tensor {
	out := New(t.Rows, t.Cols)
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// NumElements returns Rows*Cols.
func (t *Tensor) NumElements() int {
	return t.Rows * t.Cols
}

// MatMul computes a@b for a [m,k] and b [k,n].
func MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("tensor: matmul shape mismatch %dx%d @ %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for k := 0; k < a.Cols; k++ {
			av := arow[k]
			if av == 0 {
				continue
			}
			brow := b.Row(k)
			for j := 0; j < b.Cols; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	return out
}

// MatMulT computes a@bᵀ for a [m,k] and b [n,k]. This is the natural
// orientation for GGML linear weights, which are stored out×in.
func MatMulT(a, b *Tensor) *Tensor {
	if a.Cols != b.Cols {
		panic(fmt.Sprintf("tensor: matmulT shape mismatch %dx%d @ (%dx%d)T", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Rows)
	for i := 0; i < a.Rows; i++ {
		arow := a.Row(i)
		orow := out.Row(i)
		for j := 0; j < b.Rows; j++ {
			brow := b.Row(j)
			var sum float32
			for k := 0; k < a.Cols; k++ {
				sum += arow[k] * brow[k]
			}
			orow[j] = sum
		}
	}
	return out
}

// AccumOuterT accumulates dst += aᵀ@b for a [m,rows], b [m,cols],
// dst [rows,cols]. Used for weight-gradient accumulation.
func AccumOuterT(dst, a, b *Tensor) {
	if a.Rows != b.Rows || dst.Rows != a.Cols || dst.Cols != b.Cols {
		panic("tensor: accumOuterT shape mismatch")
	}
	for m := 0; m < a.Rows; m++ {
		arow := a.Row(m)
		brow := b.Row(m)
		for i := 0; i < dst.Rows; i++ {
			av := arow[i]
			if av == 0 {
				continue
			}
			drow := dst.Row(i)
			for j := 0; j < dst.Cols; j++ {
				drow[j] += av * brow[j]
			}
		}
	}
}

// AddInPlace computes a += b elementwise.
func AddInPlace(a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic("tensor: add shape mismatch")
	}
	for i := range a.Data {
		a.Data[i] += b.Data[i]
	}
}

// ScaleInPlace multiplies every element by s.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Argmax returns the index of the largest value in a row vector.
func Argmax(row []float32) int {
	best := 0
	for i := 1; i < len(row); i++ {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

// SoftmaxRow computes a numerically stable softmax of row into out.
func SoftmaxRow(row, out []float32) {
	maxv := row[0]
	for _, v := range row[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxv)))
		out[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range out {
		out[i] *= inv
	}
}

const geluCoeff = 0.7978845608028654 // sqrt(2/pi)

// GELU applies the tanh-approximated Gaussian error linear unit.
func GELU(x float32) float32 {
	x64 := float64(x)
	return float32(0.5 * x64 * (1 + math.Tanh(geluCoeff*(x64+0.044715*x64*x64*x64))))
}

// GELUGrad is the derivative of GELU at x.
func GELUGrad(x float32) float32 {
	x64 := float64(x)
	inner := geluCoeff * (x64 + 0.044715*x64*x64*x64)
	tanh := math.Tanh(inner)
	sech2 := 1 - tanh*tanh
	dinner := geluCoeff * (1 + 3*0.044715*x64*x64)
	return float32(0.5*(1+tanh) + 0.5*x64*sech2*dinner)
}
