package encoder

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/ut-ml/utransformer/internal/device"
)

// BlockConfig is the construction surface of a transformer encoder block.
type BlockConfig struct {
	Name                  string
	DModel                int
	NumHeads              int
	TransitionType        string  // "dot" or "cnn"
	ResidualDropout       float32 // in [0, 1)
	AttentionDropout      float32 // in [0, 1)
	Activation            string
	SizeMultiplier        int  // transition hidden multiplier, default 4
	CompressionWindowSize int  // 0 disables memory-compressed attention
	LocalMasking          int  // 0 disables local-window masking
	UseMasking            bool // causal masking in attention
	VanillaWiring         bool // 2017 residual ordering instead of 2018

	// Seed drives the residual dropout stream; 0 means time-seeded.
	Seed int64
}

// TransformerBlock combines self-attention, residual connections, dropout,
// layer normalization and the transition function into one complete
// encoder section of the Transformer / Universal Transformer.
//
// The Universal Transformer (2018) applies dropout one step after the
// sub-layer output was added to its input; the 2017 model applies dropout
// to the sub-layer output before the addition. The 2018 ordering is the
// default here; VanillaWiring selects the 2017 ordering. With a zero
// dropout rate both orderings produce identical results.
type TransformerBlock struct {
	cfg      BlockConfig
	backend  device.Backend
	training bool

	attention  *MultiHeadSelfAttention
	norm1      *LayerNorm
	norm2      *LayerNorm
	dropout    *Dropout
	transition *Transition
}

func NewTransformerBlock(cfg BlockConfig, b device.Backend) (*TransformerBlock, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: block name must not be empty", ErrConfig)
	}
	if cfg.ResidualDropout < 0 || cfg.ResidualDropout >= 1 {
		return nil, fmt.Errorf("%w: residual_dropout must be in [0, 1), got %f", ErrConfig, cfg.ResidualDropout)
	}
	if cfg.SizeMultiplier == 0 {
		cfg.SizeMultiplier = 4
	}
	if cfg.Activation == "" {
		cfg.Activation = "gelu"
	}

	attn, err := NewMultiHeadSelfAttention(cfg.Name+"_self_attention", cfg.DModel, cfg.NumHeads,
		cfg.UseMasking, cfg.LocalMasking, cfg.CompressionWindowSize, cfg.AttentionDropout, b)
	if err != nil {
		return nil, err
	}
	norm1, err := NewLayerNorm(cfg.Name+"_normalization1", -1, b)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(cfg.Name+"_normalization2", -1, b)
	if err != nil {
		return nil, err
	}
	transition, err := NewTransition(cfg.Name+"_transition", cfg.TransitionType, cfg.Activation, cfg.SizeMultiplier, b)
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &TransformerBlock{
		cfg:        cfg,
		backend:    b,
		attention:  attn,
		norm1:      norm1,
		norm2:      norm2,
		dropout:    NewDropout(cfg.ResidualDropout, rand.New(rand.NewSource(seed))),
		transition: transition,
	}, nil
}

// SetTraining toggles the dropout layers. Inference is the default.
func (tb *TransformerBlock) SetTraining(training bool) {
	tb.training = training
}

// Forward runs the block over a flattened (batch*seqLen, dModel) input
// with all positions valid.
func (tb *TransformerBlock) Forward(x device.Tensor, batch, seqLen int) (device.Tensor, error) {
	return tb.ForwardMasked(x, batch, seqLen, nil)
}

// ForwardMasked runs the block with per-sequence valid lengths. The input
// tensor is not modified; the result is a fresh tensor.
func (tb *TransformerBlock) ForwardMasked(x device.Tensor, batch, seqLen int, lengths []int) (device.Tensor, error) {
	if err := validateCallShape(x, batch, seqLen, tb.cfg.DModel, lengths); err != nil {
		return nil, err
	}

	attn := tb.attention.Forward(x, batch, seqLen, lengths, tb.training)

	// Residual 1. Vanilla (2017): input + dropout(attn).
	// Universal (2018): dropout(input + attn).
	if tb.cfg.VanillaWiring {
		tb.dropout.Forward(attn, tb.training)
		attn.Add(x)
	} else {
		attn.Add(x)
		tb.dropout.Forward(attn, tb.training)
	}

	start := time.Now()
	norm1Out := tb.norm1.Forward(attn)
	LayerDuration.WithLabelValues("layernorm", tb.backend.Name()).Observe(time.Since(start).Seconds())

	start = time.Now()
	trans := tb.transition.Forward(norm1Out, batch, seqLen)
	LayerDuration.WithLabelValues("transition", tb.backend.Name()).Observe(time.Since(start).Seconds())

	// Residual 2, same ordering switch.
	if tb.cfg.VanillaWiring {
		tb.dropout.Forward(trans, tb.training)
		trans.Add(norm1Out)
	} else {
		trans.Add(norm1Out)
		tb.dropout.Forward(trans, tb.training)
	}

	start = time.Now()
	out := tb.norm2.Forward(trans)
	LayerDuration.WithLabelValues("layernorm", tb.backend.Name()).Observe(time.Since(start).Seconds())

	tb.backend.PutTensor(norm1Out)
	return out, nil
}

// Penalty returns the block's regularization losses (the cnn transition's
// L2 term; zero otherwise).
func (tb *TransformerBlock) Penalty() float32 {
	return tb.transition.Penalty()
}

func validateCallShape(x device.Tensor, batch, seqLen, dModel int, lengths []int) error {
	if x == nil {
		return fmt.Errorf("%w: you must call this layer with an input tensor (plus optional lengths)", ErrInvalidInput)
	}
	if batch <= 0 || seqLen <= 0 {
		return fmt.Errorf("%w: batch (%d) and seqLen (%d) must be positive", ErrInvalidInput, batch, seqLen)
	}
	r, c := x.Dims()
	if r != batch*seqLen {
		return fmt.Errorf("%w: input has %d rows, want batch*seqLen = %d", ErrInvalidInput, r, batch*seqLen)
	}
	if dModel != 0 && c != dModel {
		return fmt.Errorf("%w: input has %d features, want d_model = %d", ErrInvalidInput, c, dModel)
	}
	if lengths != nil && len(lengths) != batch {
		return fmt.Errorf("%w: got %d lengths for batch %d", ErrInvalidInput, len(lengths), batch)
	}
	return nil
}

func (tb *TransformerBlock) Name() string     { return tb.cfg.Name }
func (tb *TransformerBlock) TypeName() string { return "TransformerBlock" }

func (tb *TransformerBlock) Config() map[string]any {
	return map[string]any{
		"d_model":                 tb.cfg.DModel,
		"num_heads":               tb.cfg.NumHeads,
		"transition_type":         tb.cfg.TransitionType,
		"residual_dropout":        tb.cfg.ResidualDropout,
		"attention_dropout":       tb.cfg.AttentionDropout,
		"activation":              tb.cfg.Activation,
		"size_multiplier":         tb.cfg.SizeMultiplier,
		"compression_window_size": tb.cfg.CompressionWindowSize,
		"local_masking":           tb.cfg.LocalMasking,
		"use_masking":             tb.cfg.UseMasking,
		"vanilla_wiring":          tb.cfg.VanillaWiring,
	}
}

func (tb *TransformerBlock) Parameters() map[string]device.Tensor {
	params := map[string]device.Tensor{}
	for _, child := range []Component{tb.attention, tb.norm1, tb.norm2, tb.transition} {
		for k, v := range child.Parameters() {
			params[k] = v
		}
	}
	return params
}
