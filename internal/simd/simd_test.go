package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecMul(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{2, 2, 2, 2, 0}
	expected := []float32{2, 4, 6, 8, 0}

	VecMul(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMul(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestExpFast(t *testing.T) {
	for _, x := range []float32{-10, -2, -0.5, 0, 0.5, 2, 10} {
		got := float64(ExpFast(x))
		want := math.Exp(float64(x))
		relErr := math.Abs(got-want) / want
		if relErr > 0.01 {
			t.Errorf("ExpFast(%f) = %f, want %f (rel err %f)", x, got, want, relErr)
		}
	}
}

func TestSigmoid(t *testing.T) {
	if got := Sigmoid(0); got != 0.5 {
		t.Errorf("Sigmoid(0) = %f, want 0.5", got)
	}
	if got := Sigmoid(20); got < 0.999 {
		t.Errorf("Sigmoid(20) = %f, want ~1", got)
	}
	if got := Sigmoid(-20); got > 0.001 {
		t.Errorf("Sigmoid(-20) = %f, want ~0", got)
	}
}

func TestGeluMatchesReference(t *testing.T) {
	data := []float32{-3, -1, -0.1, 0, 0.1, 1, 3}
	ref := make([]float64, len(data))
	for i, x := range data {
		x64 := float64(x)
		inner := math.Sqrt(2/math.Pi) * (x64 + 0.044715*x64*x64*x64)
		ref[i] = 0.5 * x64 * (1 + math.Tanh(inner))
	}

	Gelu(data)

	for i, v := range data {
		if math.Abs(float64(v)-ref[i]) > 1e-6 {
			t.Errorf("Gelu(%d) = %f, want %f", i, v, ref[i])
		}
	}

	// GELU(0) must be exactly 0.
	zero := []float32{0}
	Gelu(zero)
	if zero[0] != 0 {
		t.Errorf("Gelu(0) = %f, want 0", zero[0])
	}
}

func TestSoftmaxFast(t *testing.T) {
	row := []float32{1, 2, 3, 4}
	SoftmaxFast(row)

	var sum float64
	for _, v := range row {
		sum += float64(v)
	}
	if math.Abs(sum-1.0) > 1e-4 {
		t.Errorf("softmax sum = %f, want 1.0", sum)
	}
	for i := 1; i < len(row); i++ {
		if row[i] <= row[i-1] {
			t.Errorf("softmax not monotone at %d: %v", i, row)
		}
	}
}
