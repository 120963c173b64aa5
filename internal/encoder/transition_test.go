package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ut-ml/utransformer/internal/device"
)

func TestTransitionUnknownTypeAndConfig(t *testing.T) {
	b := device.NewCPUBackend()

	_, err := NewTransition("tr", "fft", "gelu", 4, b)
	require.ErrorIs(t, err, ErrConfig)
	require.ErrorContains(t, err, "not implemented")

	_, err = NewTransition("tr", TransitionDot, "gelu", 0, b)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewTransition("tr", TransitionDot, "no_such_activation", 4, b)
	require.ErrorIs(t, err, ErrConfig)
}

func TestTransitionDotIsPositionwise(t *testing.T) {
	b := device.NewCPUBackend()
	tr, err := NewTransition("tr", TransitionDot, "gelu", 4, b)
	require.NoError(t, err)

	x := b.NewTensor(4, 6, nil)
	for i := range x.Data() {
		x.Data()[i] = float32(i%7) - 3
	}
	out := tr.Forward(x, 2, 2)

	// Swapping two positions of the input swaps exactly those two rows of
	// the output.
	swapped := b.NewTensor(4, 6, x.ToHost())
	for j := 0; j < 6; j++ {
		v0, v3 := swapped.At(0, j), swapped.At(3, j)
		swapped.Set(0, j, v3)
		swapped.Set(3, j, v0)
	}
	outSwapped := tr.Forward(swapped, 2, 2)

	for j := 0; j < 6; j++ {
		require.InDelta(t, out.At(0, j), outSwapped.At(3, j), 1e-6)
		require.InDelta(t, out.At(3, j), outSwapped.At(0, j), 1e-6)
		require.InDelta(t, out.At(1, j), outSwapped.At(1, j), 1e-6)
		require.InDelta(t, out.At(2, j), outSwapped.At(2, j), 1e-6)
	}
}

func TestTransitionDotShapeAndParams(t *testing.T) {
	b := device.NewCPUBackend()
	tr, err := NewTransition("tr", TransitionDot, "relu", 4, b)
	require.NoError(t, err)

	x := b.NewTensor(6, 8, nil)
	out := tr.Forward(x, 2, 3)
	r, c := out.Dims()
	require.Equal(t, 6, r)
	require.Equal(t, 8, c)

	params := tr.Parameters()
	require.Contains(t, params, "tr/weights1")
	require.Contains(t, params, "tr/biases1")
	require.Contains(t, params, "tr/weights2")
	require.Contains(t, params, "tr/biases2")
	wr, wc := params["tr/weights1"].Dims()
	require.Equal(t, 8, wr)
	require.Equal(t, 32, wc, "hidden width is size_multiplier * d_model")

	require.Zero(t, tr.Penalty(), "dot variant is unregularized")
}

func TestTransitionCNNLocality(t *testing.T) {
	b := device.NewCPUBackend()
	// Width-3 convolution: position s sees s-1, s, s+1.
	tr, err := NewTransition("tr", TransitionCNN, "relu", 3, b)
	require.NoError(t, err)

	d := 4
	x := b.NewTensor(5, d, nil)
	for i := range x.Data() {
		x.Data()[i] = float32(i%5) - 2
	}
	out := tr.Forward(x, 1, 5)

	// Perturbing position 4 must leave positions 0..2 untouched.
	x2 := b.NewTensor(5, d, x.ToHost())
	for j := 0; j < d; j++ {
		x2.Set(4, j, 100)
	}
	out2 := tr.Forward(x2, 1, 5)

	for s := 0; s <= 2; s++ {
		for j := 0; j < d; j++ {
			require.InDelta(t, out.At(s, j), out2.At(s, j), 1e-6)
		}
	}
}

func TestTransitionCNNDoesNotCrossSequences(t *testing.T) {
	b := device.NewCPUBackend()
	tr, err := NewTransition("tr", TransitionCNN, "relu", 3, b)
	require.NoError(t, err)

	d := 4
	x := b.NewTensor(2*3, d, nil)
	for i := range x.Data() {
		x.Data()[i] = float32(i%6) - 2
	}
	out := tr.Forward(x, 2, 3)

	// Changing the second sequence must not leak into the first through
	// the padded window edges.
	x2 := b.NewTensor(2*3, d, x.ToHost())
	for s := 3; s < 6; s++ {
		for j := 0; j < d; j++ {
			x2.Set(s, j, 50)
		}
	}
	out2 := tr.Forward(x2, 2, 3)

	for s := 0; s < 3; s++ {
		for j := 0; j < d; j++ {
			require.InDelta(t, out.At(s, j), out2.At(s, j), 1e-6)
		}
	}
}

func TestTransitionCNNPenalty(t *testing.T) {
	b := device.NewCPUBackend()
	tr, err := NewTransition("tr", TransitionCNN, "relu", 3, b)
	require.NoError(t, err)
	require.Zero(t, tr.Penalty(), "no penalty before the kernel exists")

	x := b.NewTensor(4, 4, nil)
	tr.Forward(x, 1, 4)
	require.Greater(t, tr.Penalty(), float32(0))

	params := tr.Parameters()
	require.Contains(t, params, "tr/kernel")
	require.Contains(t, params, "tr/bias")
	kr, kc := params["tr/kernel"].Dims()
	require.Equal(t, 3*4, kr)
	require.Equal(t, 4, kc)
}

func TestTransitionConfigRoundTrip(t *testing.T) {
	b := device.NewCPUBackend()
	tr, err := NewTransition("tr", TransitionCNN, "relu", 3, b)
	require.NoError(t, err)

	cfg := tr.Config()
	require.Equal(t, TransitionCNN, cfg["type"])
	require.Equal(t, "relu", cfg["activation"])
	require.Equal(t, 3, cfg["size_multiplier"])
	require.Equal(t, "TransformerTransition", tr.TypeName())
}
