package encoder

import (
	"fmt"
	"log"

	"github.com/ut-ml/utransformer/internal/device"
)

// Transition variants. "dot" is the position-wise two-layer dense function
// shared by the classical and Universal Transformer; "cnn" is a drop-in
// convolutional substitute with the same input/output contract but a
// different parameterization.
const (
	TransitionDot = "dot"
	TransitionCNN = "cnn"
)

const cnnL2 = 0.01

// Transition is the transformer transition (feed-forward) function,
// applied identically and independently to every position. The flattened
// (batch*seq, dModel) layout makes the "dot" variant a pair of plain
// matrix multiplies, which is mathematically the same as a 1-wide
// convolution applied position-wise.
type Transition struct {
	name           string
	typ            string
	activationName string
	activation     Activation
	sizeMultiplier int
	backend        device.Backend

	dModel int

	// dot variant
	weights1 device.Tensor
	biases1  device.Tensor
	weights2 device.Tensor
	biases2  device.Tensor

	// cnn variant: kernel is laid out (width*dModel, dModel) so the
	// convolution becomes an im2col matrix multiply.
	kernel     device.Tensor
	kernelBias device.Tensor
}

func NewTransition(name, typ, activation string, sizeMultiplier int, b device.Backend) (*Transition, error) {
	if typ != TransitionDot && typ != TransitionCNN {
		return nil, fmt.Errorf("%w: transformer transition %q is not implemented", ErrConfig, typ)
	}
	if sizeMultiplier < 1 {
		return nil, fmt.Errorf("%w: size_multiplier must be >= 1, got %d", ErrConfig, sizeMultiplier)
	}
	act, err := ActivationByName(activation)
	if err != nil {
		return nil, err
	}
	return &Transition{
		name:           name,
		typ:            typ,
		activationName: activation,
		activation:     act,
		sizeMultiplier: sizeMultiplier,
		backend:        b,
	}, nil
}

func (tr *Transition) build(dModel int) {
	if tr.dModel != 0 {
		if dModel != tr.dModel {
			log.Panicf("%s: d_model changed from %d to %d", tr.name, tr.dModel, dModel)
		}
		return
	}
	tr.dModel = dModel

	switch tr.typ {
	case TransitionDot:
		hidden := tr.sizeMultiplier * dModel
		tr.weights1 = tr.backend.NewTensor(dModel, hidden, nil)
		tr.biases1 = tr.backend.NewTensor(1, hidden, nil)
		tr.weights2 = tr.backend.NewTensor(hidden, dModel, nil)
		tr.biases2 = tr.backend.NewTensor(1, dModel, nil)
		glorotUniform(tr.weights1)
		glorotUniform(tr.weights2)
	case TransitionCNN:
		width := tr.sizeMultiplier
		tr.kernel = tr.backend.NewTensor(width*dModel, dModel, nil)
		tr.kernelBias = tr.backend.NewTensor(1, dModel, nil)
		heNormal(tr.kernel, width*dModel)
	}
}

// Forward maps each position through the transition function. x is the
// flattened (batch*seqLen, dModel) batch; the result is a fresh tensor of
// the same shape.
func (tr *Transition) Forward(x device.Tensor, batch, seqLen int) device.Tensor {
	_, c := x.Dims()
	tr.build(c)

	if tr.typ == TransitionCNN {
		return tr.forwardCNN(x, batch, seqLen)
	}

	step1 := tr.backend.Linear(x, tr.weights1, tr.biases1)
	tr.activation(step1)
	step2 := tr.backend.Linear(step1, tr.weights2, tr.biases2)
	tr.backend.PutTensor(step1)
	return step2
}

// forwardCNN runs a 1-D convolution over the sequence axis with "same"
// padding, expressed as an im2col gather followed by one matrix multiply.
func (tr *Transition) forwardCNN(x device.Tensor, batch, seqLen int) device.Tensor {
	width := tr.sizeMultiplier
	d := tr.dModel
	padLeft := (width - 1) / 2

	rows, _ := x.Dims()
	cols := tr.backend.GetTensor(rows, width*d)

	xd := x.Data()
	cd := cols.Data()
	for b := 0; b < batch; b++ {
		base := b * seqLen
		for s := 0; s < seqLen; s++ {
			dst := cd[(base+s)*width*d:]
			for w := 0; w < width; w++ {
				src := s - padLeft + w
				if src < 0 || src >= seqLen {
					continue // zero padding
				}
				copy(dst[w*d:(w+1)*d], xd[(base+src)*d:(base+src+1)*d])
			}
		}
	}

	out := tr.backend.Linear(cols, tr.kernel, tr.kernelBias)
	tr.backend.PutTensor(cols)
	tr.activation(out)
	return out
}

// Penalty returns the L2 regularization term of the cnn variant
// (0 for the dot variant), to be added to the training objective.
func (tr *Transition) Penalty() float32 {
	if tr.typ != TransitionCNN || tr.kernel == nil {
		return 0
	}
	var sum float64
	for _, v := range tr.kernel.ToHost() {
		sum += float64(v) * float64(v)
	}
	for _, v := range tr.kernelBias.ToHost() {
		sum += float64(v) * float64(v)
	}
	return float32(cnnL2 * sum)
}

func (tr *Transition) Name() string     { return tr.name }
func (tr *Transition) TypeName() string { return "TransformerTransition" }

func (tr *Transition) Config() map[string]any {
	return map[string]any{
		"type":            tr.typ,
		"activation":      tr.activationName,
		"size_multiplier": tr.sizeMultiplier,
	}
}

func (tr *Transition) Parameters() map[string]device.Tensor {
	params := map[string]device.Tensor{}
	switch {
	case tr.weights1 != nil:
		params[tr.name+"/weights1"] = tr.weights1
		params[tr.name+"/biases1"] = tr.biases1
		params[tr.name+"/weights2"] = tr.weights2
		params[tr.name+"/biases2"] = tr.biases2
	case tr.kernel != nil:
		params[tr.name+"/kernel"] = tr.kernel
		params[tr.name+"/bias"] = tr.kernelBias
	}
	return params
}
