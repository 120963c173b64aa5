package encoder

import (
	"fmt"
	"log"

	"github.com/ut-ml/utransformer/internal/device"
)

// layerNormEps matches the constant used by the reference formulation.
const layerNormEps = 1e-5

// LayerNorm implements Layer Normalization (https://arxiv.org/abs/1607.06450).
//
// Each position is standardized over the feature axis and rescaled with a
// learned gain (initialized to ones) and bias (initialized to zeros):
//
//	gain * (x - mean) / sqrt(var + eps) + bias
//
// The layer performs exactly the same computation at training and test
// times. Parameters are built lazily on the first call, fixing dModel for
// the lifetime of the instance.
type LayerNorm struct {
	name    string
	axis    int
	backend device.Backend

	dModel int
	gain   device.Tensor
	bias   device.Tensor
}

// NewLayerNorm creates a layer normalization instance. axis selects the
// normalized axis; only the feature (last) axis is supported by the 2D
// engine, so any other value is a configuration error.
func NewLayerNorm(name string, axis int, b device.Backend) (*LayerNorm, error) {
	if axis != -1 {
		return nil, fmt.Errorf("%w: layer normalization over axis %d is not supported (feature axis only)", ErrConfig, axis)
	}
	return &LayerNorm{name: name, axis: axis, backend: b}, nil
}

func (l *LayerNorm) build(dModel int) {
	if l.gain != nil {
		if dModel != l.dModel {
			log.Panicf("%s: d_model changed from %d to %d", l.name, l.dModel, dModel)
		}
		return
	}
	l.dModel = dModel

	ones := make([]float32, dModel)
	for i := range ones {
		ones[i] = 1.0
	}
	l.gain = l.backend.NewTensor(1, dModel, ones)
	l.bias = l.backend.NewTensor(1, dModel, nil)
}

// Forward normalizes in-place and returns the input tensor. Pure function
// of the input and the learned parameters; no hidden state.
func (l *LayerNorm) Forward(x device.Tensor) device.Tensor {
	_, c := x.Dims()
	l.build(c)
	x.LayerNorm(l.gain, l.bias, layerNormEps)
	return x
}

func (l *LayerNorm) Name() string     { return l.name }
func (l *LayerNorm) TypeName() string { return "LayerNormalization" }

func (l *LayerNorm) Config() map[string]any {
	return map[string]any{"axis": l.axis}
}

func (l *LayerNorm) Parameters() map[string]device.Tensor {
	if l.gain == nil {
		return map[string]device.Tensor{}
	}
	return map[string]device.Tensor{
		l.name + "/gain": l.gain,
		l.name + "/bias": l.bias,
	}
}
