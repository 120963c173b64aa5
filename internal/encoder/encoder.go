// Package encoder implements the computational core of the Transformer and
// Universal Transformer models described in "Attention is all you need"
// (https://arxiv.org/abs/1706.03762) and "Universal Transformers"
// (https://arxiv.org/abs/1807.03819): layer normalization, position-wise
// transition functions, encoder block assembly with both residual wiring
// policies, and Adaptive Computation Time halting.
package encoder

import (
	"fmt"

	"github.com/ut-ml/utransformer/internal/device"
)

// EncodeResult bundles the outputs of a Universal Transformer run.
type EncodeResult struct {
	// Output is the ACT-weighted combination of the per-step outputs.
	Output device.Tensor
	// PonderCost is the auxiliary loss term penalizing computation depth,
	// one value per batch row.
	PonderCost device.Tensor
	// ActiveSteps counts the computation steps each token consumed.
	ActiveSteps device.Tensor
	// Penalty is the regularization loss of the block (cnn transition).
	Penalty float32
}

// UniversalEncoder applies one weight-shared encoder block a fixed number
// of times, feeding every application through an ACT instance that decides
// per token how much of each step's output to keep.
type UniversalEncoder struct {
	Block *TransformerBlock
	ACT   *TransformerACT
	Depth int
}

func NewUniversalEncoder(blockCfg BlockConfig, actCfg ACTConfig, depth int, b device.Backend) (*UniversalEncoder, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: depth must be >= 1, got %d", ErrConfig, depth)
	}
	block, err := NewTransformerBlock(blockCfg, b)
	if err != nil {
		return nil, err
	}
	actCfg.ReturnStep = true
	act, err := NewTransformerACT(actCfg, b)
	if err != nil {
		return nil, err
	}
	return &UniversalEncoder{Block: block, ACT: act, Depth: depth}, nil
}

// Forward runs the block/ACT pair Depth times and finalizes the ponder
// cost. The ACT control state is reset first, so one encoder instance can
// process successive batches.
func (e *UniversalEncoder) Forward(x device.Tensor, batch, seqLen int, lengths []int) (*EncodeResult, error) {
	e.ACT.Reset()

	next := x
	var res StepResult
	for i := 0; i < e.Depth; i++ {
		out, err := e.Block.ForwardMasked(next, batch, seqLen, lengths)
		if err != nil {
			return nil, err
		}
		res, err = e.ACT.Step(out, batch, seqLen, lengths)
		if err != nil {
			return nil, err
		}
		next = out
	}

	ponder, err := e.ACT.Finalize()
	if err != nil {
		return nil, err
	}

	return &EncodeResult{
		Output:      res.WeightedOutput,
		PonderCost:  ponder,
		ActiveSteps: res.ActiveSteps,
		Penalty:     e.Block.Penalty(),
	}, nil
}

// Encoder is the classical (2017) stack: independent weights per layer and
// no adaptive halting.
type Encoder struct {
	Blocks []*TransformerBlock
}

func NewEncoder(cfg BlockConfig, depth int, b device.Backend) (*Encoder, error) {
	if depth < 1 {
		return nil, fmt.Errorf("%w: depth must be >= 1, got %d", ErrConfig, depth)
	}
	name := cfg.Name
	blocks := make([]*TransformerBlock, depth)
	for i := range blocks {
		cfg.Name = fmt.Sprintf("%s_%d", name, i)
		block, err := NewTransformerBlock(cfg, b)
		if err != nil {
			return nil, err
		}
		blocks[i] = block
	}
	return &Encoder{Blocks: blocks}, nil
}

func (e *Encoder) Forward(x device.Tensor, batch, seqLen int, lengths []int) (device.Tensor, error) {
	next := x
	for _, block := range e.Blocks {
		out, err := block.ForwardMasked(next, batch, seqLen, lengths)
		if err != nil {
			return nil, err
		}
		next = out
	}
	return next, nil
}
