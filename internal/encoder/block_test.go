package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ut-ml/utransformer/internal/device"
)

func testBlockConfig(name string) BlockConfig {
	return BlockConfig{
		Name:           name,
		DModel:         16,
		NumHeads:       2,
		TransitionType: TransitionDot,
		Seed:           1,
	}
}

func randomInput(b device.Backend, rows, cols int) device.Tensor {
	x := b.NewTensor(rows, cols, nil)
	for i := range x.Data() {
		x.Data()[i] = float32((i*2654435761)%17)/8.0 - 1
	}
	return x
}

func TestBlockForwardShape(t *testing.T) {
	b := device.NewCPUBackend()
	blk, err := NewTransformerBlock(testBlockConfig("blk"), b)
	require.NoError(t, err)

	x := randomInput(b, 2*5, 16)
	out, err := blk.Forward(x, 2, 5)
	require.NoError(t, err)

	r, c := out.Dims()
	require.Equal(t, 10, r)
	require.Equal(t, 16, c)

	// Layer normalization is the last stage, so every output row is
	// standardized.
	for i := 0; i < r; i++ {
		var mean float64
		for j := 0; j < c; j++ {
			mean += float64(out.At(i, j))
		}
		require.InDelta(t, 0, mean/float64(c), 1e-4)
	}
}

func TestBlockWiringsMatchWithoutDropout(t *testing.T) {
	b := device.NewCPUBackend()

	cfg := testBlockConfig("blk")
	universal, err := NewTransformerBlock(cfg, b)
	require.NoError(t, err)
	cfg.VanillaWiring = true
	vanilla, err := NewTransformerBlock(cfg, b)
	require.NoError(t, err)

	// Build both, then share the weights: with a zero dropout rate the two
	// residual orderings compute the same function.
	x := randomInput(b, 2*4, 16)
	_, err = universal.Forward(x, 2, 4)
	require.NoError(t, err)
	_, err = vanilla.Forward(x, 2, 4)
	require.NoError(t, err)

	src := universal.Parameters()
	for name, dst := range vanilla.Parameters() {
		dst.CopyFrom(src[name].ToHost())
	}

	outU, err := universal.Forward(x, 2, 4)
	require.NoError(t, err)
	outV, err := vanilla.Forward(x, 2, 4)
	require.NoError(t, err)
	require.InDeltaSlice(t, outU.ToHost(), outV.ToHost(), 1e-5)
}

func TestBlockCallValidation(t *testing.T) {
	b := device.NewCPUBackend()
	blk, err := NewTransformerBlock(testBlockConfig("blk"), b)
	require.NoError(t, err)

	_, err = blk.Forward(nil, 2, 5)
	require.ErrorIs(t, err, ErrInvalidInput)
	require.ErrorContains(t, err, "input tensor")

	x := randomInput(b, 2*5, 16)
	_, err = blk.Forward(x, 2, 4)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = blk.Forward(x, 0, 5)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = blk.ForwardMasked(x, 2, 5, []int{5})
	require.ErrorIs(t, err, ErrInvalidInput)

	wide := randomInput(b, 2*5, 24)
	_, err = blk.Forward(wide, 2, 5)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestBlockConstructionErrors(t *testing.T) {
	b := device.NewCPUBackend()

	cfg := testBlockConfig("")
	_, err := NewTransformerBlock(cfg, b)
	require.ErrorIs(t, err, ErrConfig)

	cfg = testBlockConfig("blk")
	cfg.ResidualDropout = 1
	_, err = NewTransformerBlock(cfg, b)
	require.ErrorIs(t, err, ErrConfig)

	cfg = testBlockConfig("blk")
	cfg.NumHeads = 3 // 16 is not divisible by 3
	_, err = NewTransformerBlock(cfg, b)
	require.ErrorIs(t, err, ErrConfig)

	cfg = testBlockConfig("blk")
	cfg.TransitionType = "fft"
	_, err = NewTransformerBlock(cfg, b)
	require.ErrorIs(t, err, ErrConfig)

	cfg = testBlockConfig("blk")
	cfg.UseMasking = true
	cfg.CompressionWindowSize = 2
	_, err = NewTransformerBlock(cfg, b)
	require.ErrorIs(t, err, ErrConfig, "compressed memory breaks causality")
}

func TestBlockDefaults(t *testing.T) {
	b := device.NewCPUBackend()
	blk, err := NewTransformerBlock(testBlockConfig("blk"), b)
	require.NoError(t, err)

	cfg := blk.Config()
	require.Equal(t, 4, cfg["size_multiplier"])
	require.Equal(t, "gelu", cfg["activation"])
}

func TestBlockParametersCoverChildren(t *testing.T) {
	b := device.NewCPUBackend()
	blk, err := NewTransformerBlock(testBlockConfig("blk"), b)
	require.NoError(t, err)

	x := randomInput(b, 2*4, 16)
	_, err = blk.Forward(x, 2, 4)
	require.NoError(t, err)

	params := blk.Parameters()
	require.Contains(t, params, "blk_self_attention/query_kernel")
	require.Contains(t, params, "blk_normalization1/gain")
	require.Contains(t, params, "blk_normalization2/bias")
	require.Contains(t, params, "blk_transition/weights1")
}

func TestBlockMaskedForwardIgnoresPaddingContent(t *testing.T) {
	b := device.NewCPUBackend()
	cfg := testBlockConfig("blk")
	blk, err := NewTransformerBlock(cfg, b)
	require.NoError(t, err)

	lengths := []int{3}
	x := randomInput(b, 1*5, 16)
	out, err := blk.ForwardMasked(x, 1, 5, lengths)
	require.NoError(t, err)

	// Garbage in the padded tail must not change the valid positions.
	x2 := b.NewTensor(1*5, 16, x.ToHost())
	for s := 3; s < 5; s++ {
		for j := 0; j < 16; j++ {
			x2.Set(s, j, 99)
		}
	}
	out2, err := blk.ForwardMasked(x2, 1, 5, lengths)
	require.NoError(t, err)

	for s := 0; s < 3; s++ {
		for j := 0; j < 16; j++ {
			require.InDelta(t, out.At(s, j), out2.At(s, j), 1e-5)
		}
	}
}
