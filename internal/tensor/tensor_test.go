package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := FromSlice(2, 3, []float32{1, 2, 3, 4, 5, 6})
	b := FromSlice(3, 2, []float32{7, 8, 9, 10, 11, 12})
	got := MatMul(a, b)

	want := []float32{58, 64, 139, 154}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("matmul[%d] = %f, want %f", i, got.Data[i], want[i])
		}
	}
}

func TestMatMulT(t *testing.T) {
	x := FromSlice(2, 3, []float32{1, 2, 3, 4, 5, 6})
	w := FromSlice(2, 3, []float32{1, 0, 1, 0, 1, 0}) // 2 outputs of 3 inputs
	got := MatMulT(x, w)

	want := []float32{4, 2, 10, 5}
	for i := range want {
		if got.Data[i] != want[i] {
			t.Errorf("matmulT[%d] = %f, want %f", i, got.Data[i], want[i])
		}
	}
}

func TestMatMulTMatchesMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := NewRandn(4, 6, 1, rng)
	w := NewRandn(5, 6, 1, rng)

	// Transpose w by hand and compare.
	wt := New(6, 5)
	for i := 0; i < 5; i++ {
		for j := 0; j < 6; j++ {
			wt.Set(j, i, w.At(i, j))
		}
	}

	a := MatMulT(x, w)
	b := MatMul(x, wt)
	for i := range a.Data {
		if math.Abs(float64(a.Data[i]-b.Data[i])) > 1e-5 {
			t.Fatalf("mismatch at %d: %f vs %f", i, a.Data[i], b.Data[i])
		}
	}
}

func TestAccumOuterT(t *testing.T) {
	// dst += aT@b with a [1,2], b [1,3]
	a := FromSlice(1, 2, []float32{2, 3})
	b := FromSlice(1, 3, []float32{1, 10, 100})
	dst := New(2, 3)
	AccumOuterT(dst, a, b)
	AccumOuterT(dst, a, b)

	want := []float32{4, 40, 400, 6, 60, 600}
	for i := range want {
		if dst.Data[i] != want[i] {
			t.Errorf("dst[%d] = %f, want %f", i, dst.Data[i], want[i])
		}
	}
}

func TestSoftmaxRow(t *testing.T) {
	row := []float32{1, 2, 3}
	out := make([]float32, 3)
	SoftmaxRow(row, out)

	var sum float32
	for _, v := range out {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sum = %f, want 1", sum)
	}
	if !(out[2] > out[1] && out[1] > out[0]) {
		t.Errorf("softmax not monotone: %v", out)
	}
}

func TestGELUGradMatchesFiniteDifference(t *testing.T) {
	for _, x := range []float32{-3, -1, -0.1, 0, 0.1, 1, 3} {
		const h = 1e-3
		numeric := (GELU(x+h) - GELU(x-h)) / (2 * h)
		analytic := GELUGrad(x)
		if math.Abs(float64(numeric-analytic)) > 1e-2 {
			t.Errorf("GELUGrad(%f) = %f, finite difference %f", x, analytic, numeric)
		}
	}
}

func TestNewRandnDeterministic(t *testing.T) {
	a := NewRandn(3, 3, 0.02, rand.New(rand.NewSource(42)))
	b := NewRandn(3, 3, 0.02, rand.New(rand.NewSource(42)))
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("same seed produced different tensors")
		}
	}
}

func TestArgmax(t *testing.T) {
	if got := Argmax([]float32{0.1, -2, 5, 3}); got != 2 {
		t.Errorf("argmax = %d, want 2", got)
	}
}
