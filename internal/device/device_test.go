package device

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMul(t *testing.T) {
	b := NewCPUBackend()

	a := b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
	w := b.NewTensor(3, 2, []float32{7, 8, 9, 10, 11, 12})

	out := b.NewTensor(2, 2, nil)
	out.Mul(a, w)

	require.Equal(t, float32(58), out.At(0, 0))
	require.Equal(t, float32(64), out.At(0, 1))
	require.Equal(t, float32(139), out.At(1, 0))
	require.Equal(t, float32(154), out.At(1, 1))
}

func TestMulTransposedView(t *testing.T) {
	b := NewCPUBackend()

	a := b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
	// a * a^T is 2x2
	out := b.NewTensor(2, 2, nil)
	out.Mul(a, a.T())

	require.Equal(t, float32(14), out.At(0, 0))
	require.Equal(t, float32(32), out.At(0, 1))
	require.Equal(t, float32(32), out.At(1, 0))
	require.Equal(t, float32(77), out.At(1, 1))
}

func TestElementwiseOps(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(2, 2, []float32{1, 2, 3, 4})
	y := b.NewTensor(2, 2, []float32{10, 20, 30, 40})

	x.Add(y)
	require.Equal(t, []float32{11, 22, 33, 44}, x.ToHost())

	x.Sub(y)
	require.Equal(t, []float32{1, 2, 3, 4}, x.ToHost())

	x.MulElem(y)
	require.Equal(t, []float32{10, 40, 90, 160}, x.ToHost())

	x.Scale(0.1)
	x.AddScalar(1)
	require.InDeltaSlice(t, []float32{2, 5, 10, 17}, x.ToHost(), 1e-5)
}

func TestLayerNormStats(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(2, 4, []float32{1, 2, 3, 4, -10, 0, 10, 20})
	gain := b.NewTensor(1, 4, []float32{1, 1, 1, 1})
	bias := b.NewTensor(1, 4, nil)

	x.LayerNorm(gain, bias, 1e-5)

	r, c := x.Dims()
	for i := 0; i < r; i++ {
		var mean, variance float64
		for j := 0; j < c; j++ {
			mean += float64(x.At(i, j))
		}
		mean /= float64(c)
		for j := 0; j < c; j++ {
			d := float64(x.At(i, j)) - mean
			variance += d * d
		}
		variance /= float64(c)

		require.InDelta(t, 0.0, mean, 1e-5, "row %d mean", i)
		require.InDelta(t, 1.0, variance, 1e-3, "row %d variance", i)
	}
}

func TestMasksAndSelect(t *testing.T) {
	b := NewCPUBackend()

	budget := b.NewTensor(1, 4, []float32{0.99, -0.5, 0.1, 0})
	active := b.GetTensor(1, 4)
	active.Copy(budget)
	active.GreaterScalar(0)
	require.Equal(t, []float32{1, 0, 1, 0}, active.ToHost())

	le := b.GetTensor(1, 4)
	le.Copy(budget)
	le.LessEqualScalar(0)
	require.Equal(t, []float32{0, 1, 0, 1}, le.ToHost())

	a := b.NewTensor(1, 4, []float32{1, 2, 3, 4})
	c := b.NewTensor(1, 4, []float32{-1, -2, -3, -4})
	out := b.GetTensor(1, 4)
	out.Select(active, a, c)
	require.Equal(t, []float32{1, -2, 3, -4}, out.ToHost())
}

func TestSumAndMeanCols(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.Equal(t, float32(21), x.Sum())

	m := x.MeanCols()
	r, c := m.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 1, c)
	require.InDelta(t, 2.0, m.At(0, 0), 1e-6)
	require.InDelta(t, 5.0, m.At(1, 0), 1e-6)
}

func TestScaleRows(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(3, 2, []float32{1, 1, 2, 2, 3, 3})
	w := b.NewTensor(1, 3, []float32{0, 1, 2})

	x.ScaleRows(w)
	require.Equal(t, []float32{0, 0, 2, 2, 6, 6}, x.ToHost())
}

func TestSequenceMask(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(2, 4, []float32{1, 1, 1, 1, 1, 1, 1, 1})
	x.SequenceMask([]int{2, 4})

	require.Equal(t, []float32{1, 1, 0, 0, 1, 1, 1, 1}, x.ToHost())
}

func TestAttnMaskCausal(t *testing.T) {
	b := NewCPUBackend()

	scores := b.GetTensor(3, 3)
	scores.AttnMask(true, 0, 3)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if j > i {
				require.Less(t, scores.At(i, j), float32(-1e8))
			} else {
				require.Equal(t, float32(0), scores.At(i, j))
			}
		}
	}
}

func TestAttnMaskLocalWindow(t *testing.T) {
	b := NewCPUBackend()

	scores := b.GetTensor(4, 4)
	scores.AttnMask(true, 2, 4)

	// position 3 may only see positions 2 and 3
	require.Less(t, scores.At(3, 0), float32(-1e8))
	require.Less(t, scores.At(3, 1), float32(-1e8))
	require.Equal(t, float32(0), scores.At(3, 2))
	require.Equal(t, float32(0), scores.At(3, 3))
}

func TestAttnMaskLengths(t *testing.T) {
	b := NewCPUBackend()

	scores := b.GetTensor(3, 3)
	scores.AttnMask(false, 0, 2)

	for i := 0; i < 3; i++ {
		require.Less(t, scores.At(i, 2), float32(-1e8))
	}
}

func TestSoftmaxRows(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(2, 3, []float32{1, 2, 3, 0, 0, 0})
	x.Softmax()

	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(x.At(i, j))
		}
		require.InDelta(t, 1.0, sum, 1e-4)
	}
	require.InDelta(t, 1.0/3.0, x.At(1, 0), 1e-4)
}

func TestDropout(t *testing.T) {
	b := NewCPUBackend()
	rng := rand.New(rand.NewSource(1))

	x := b.NewTensor(1, 1000, nil)
	x.Fill(1)
	x.Dropout(0.5, rng)

	zeros := 0
	for _, v := range x.ToHost() {
		if v == 0 {
			zeros++
		} else {
			require.InDelta(t, 2.0, v, 1e-6)
		}
	}
	// crude band: dropped fraction should be near the rate
	require.Greater(t, zeros, 400)
	require.Less(t, zeros, 600)

	// rate 0 is a strict no-op
	y := b.NewTensor(1, 4, []float32{1, 2, 3, 4})
	y.Dropout(0, rng)
	require.Equal(t, []float32{1, 2, 3, 4}, y.ToHost())
}

func TestPoolReuseZeroes(t *testing.T) {
	b := NewCPUBackend()

	x := b.GetTensor(4, 4)
	x.Fill(9)
	b.PutTensor(x)

	y := b.GetTensor(4, 4)
	for _, v := range y.ToHost() {
		require.Equal(t, float32(0), v)
	}
}

func TestSigmoid(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(1, 3, []float32{0, 100, -100})
	x.Sigmoid()

	require.InDelta(t, 0.5, x.At(0, 0), 1e-6)
	require.InDelta(t, 1.0, x.At(0, 1), 1e-6)
	require.InDelta(t, 0.0, x.At(0, 2), 1e-6)
}

func TestGeluFiniteAndSigned(t *testing.T) {
	b := NewCPUBackend()

	x := b.NewTensor(1, 3, []float32{-2, 0, 2})
	x.Gelu()

	host := x.ToHost()
	for _, v := range host {
		require.False(t, math.IsNaN(float64(v)))
	}
	require.Less(t, host[0], float32(0))
	require.Equal(t, float32(0), host[1])
	require.Greater(t, host[2], float32(1.9))
}
