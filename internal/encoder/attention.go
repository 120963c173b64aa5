package encoder

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ut-ml/utransformer/internal/device"
)

// MultiHeadSelfAttention computes scaled dot-product self-attention over
// each sequence of the batch. Masking is applied internally: full causal
// masking, local-window causal masking, and padding-key masking from the
// supplied lengths. K and V can optionally be mean-pooled in windows of
// compressionWindow positions (memory-compressed attention).
type MultiHeadSelfAttention struct {
	name              string
	backend           device.Backend
	dModel            int
	numHeads          int
	headDim           int
	useMasking        bool
	localMasking      int
	compressionWindow int
	dropout           *Dropout

	wq, wk, wv, wo device.Tensor
	bq, bk, bv, bo device.Tensor
	built          bool
}

func NewMultiHeadSelfAttention(name string, dModel, numHeads int, useMasking bool,
	localMasking, compressionWindow int, attentionDropout float32, b device.Backend) (*MultiHeadSelfAttention, error) {

	if dModel <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("%w: d_model and num_heads must be positive", ErrConfig)
	}
	if dModel%numHeads != 0 {
		return nil, fmt.Errorf("%w: d_model (%d) must be divisible by num_heads (%d)", ErrConfig, dModel, numHeads)
	}
	if attentionDropout < 0 || attentionDropout >= 1 {
		return nil, fmt.Errorf("%w: attention_dropout must be in [0, 1), got %f", ErrConfig, attentionDropout)
	}
	if compressionWindow < 0 {
		return nil, fmt.Errorf("%w: compression_window_size must be >= 0", ErrConfig)
	}
	if compressionWindow > 0 && useMasking {
		// Pooling keys across positions breaks the causal structure;
		// the two options are mutually exclusive.
		return nil, fmt.Errorf("%w: compression_window_size cannot be combined with masking", ErrConfig)
	}
	if localMasking < 0 {
		return nil, fmt.Errorf("%w: local_masking must be >= 0", ErrConfig)
	}

	return &MultiHeadSelfAttention{
		name:              name,
		backend:           b,
		dModel:            dModel,
		numHeads:          numHeads,
		headDim:           dModel / numHeads,
		useMasking:        useMasking,
		localMasking:      localMasking,
		compressionWindow: compressionWindow,
		dropout:           NewDropout(attentionDropout, rand.New(rand.NewSource(time.Now().UnixNano()))),
	}, nil
}

func (a *MultiHeadSelfAttention) build() {
	if a.built {
		return
	}
	a.built = true

	d := a.dModel
	a.wq = a.backend.NewTensor(d, d, nil)
	a.wk = a.backend.NewTensor(d, d, nil)
	a.wv = a.backend.NewTensor(d, d, nil)
	a.wo = a.backend.NewTensor(d, d, nil)
	a.bq = a.backend.NewTensor(1, d, nil)
	a.bk = a.backend.NewTensor(1, d, nil)
	a.bv = a.backend.NewTensor(1, d, nil)
	a.bo = a.backend.NewTensor(1, d, nil)
	glorotUniform(a.wq)
	glorotUniform(a.wk)
	glorotUniform(a.wv)
	glorotUniform(a.wo)
}

// Forward attends every sequence of the flattened (batch*seqLen, dModel)
// input. lengths may be nil (all positions valid).
func (a *MultiHeadSelfAttention) Forward(x device.Tensor, batch, seqLen int, lengths []int, training bool) device.Tensor {
	a.build()
	start := time.Now()

	q := a.backend.Linear(x, a.wq, a.bq)
	k := a.backend.Linear(x, a.wk, a.bk)
	v := a.backend.Linear(x, a.wv, a.bv)

	_, c := x.Dims()
	merged := a.backend.GetTensor(batch*seqLen, c)
	scale := float32(1.0 / math.Sqrt(float64(a.headDim)))

	for b := 0; b < batch; b++ {
		startRow := b * seqLen
		endRow := startRow + seqLen

		validLen := seqLen
		if lengths != nil {
			validLen = lengths[b]
		}

		keys, values := k, v
		keyRows := seqLen
		keyStart := startRow
		keyValid := validLen
		var pooledK, pooledV device.Tensor
		if a.compressionWindow > 1 {
			pooledK = a.poolRows(k, startRow, seqLen)
			pooledV = a.poolRows(v, startRow, seqLen)
			keys, values = pooledK, pooledV
			keyRows, _ = pooledK.Dims()
			keyStart = 0
			keyValid = ceilDiv(validLen, a.compressionWindow)
		}

		for h := 0; h < a.numHeads; h++ {
			colStart := h * a.headDim
			colEnd := colStart + a.headDim

			qh := q.Slice(startRow, endRow, colStart, colEnd)
			kh := keys.Slice(keyStart, keyStart+keyRows, colStart, colEnd)
			vh := values.Slice(keyStart, keyStart+keyRows, colStart, colEnd)

			scores := a.backend.GetTensor(seqLen, keyRows)
			scores.Mul(qh, kh.T())
			scores.Scale(scale)
			a.maskScores(scores, seqLen, keyRows, keyValid)
			scores.Softmax()
			a.dropout.Forward(scores, training)

			ctx := a.backend.GetTensor(seqLen, a.headDim)
			ctx.Mul(scores, vh)

			md := merged.Data()
			cd := ctx.Data()
			for s := 0; s < seqLen; s++ {
				copy(md[(startRow+s)*c+colStart:(startRow+s)*c+colEnd], cd[s*a.headDim:(s+1)*a.headDim])
			}

			a.backend.PutTensor(scores)
			a.backend.PutTensor(ctx)
		}

		if pooledK != nil {
			a.backend.PutTensor(pooledK)
			a.backend.PutTensor(pooledV)
		}
	}

	a.backend.PutTensor(q)
	a.backend.PutTensor(k)
	a.backend.PutTensor(v)

	out := a.backend.Linear(merged, a.wo, a.bo)
	a.backend.PutTensor(merged)

	LayerDuration.WithLabelValues("attention", a.backend.Name()).Observe(time.Since(start).Seconds())
	return out
}

// maskScores applies the configured masking policy to one head's score
// matrix. Score matrices are square unless keys were compressed, in which
// case only padding-key masking applies.
func (a *MultiHeadSelfAttention) maskScores(scores device.Tensor, seqLen, keyRows, keyValid int) {
	if keyRows == seqLen {
		scores.AttnMask(a.useMasking, a.localMasking, keyValid)
		return
	}
	if keyValid < keyRows {
		rows, _ := scores.Dims()
		for i := 0; i < rows; i++ {
			for j := keyValid; j < keyRows; j++ {
				scores.Set(i, j, -1e9)
			}
		}
	}
}

// poolRows mean-pools seqLen rows of t (starting at startRow) in windows
// of compressionWindow, producing ceil(seqLen/window) rows.
func (a *MultiHeadSelfAttention) poolRows(t device.Tensor, startRow, seqLen int) device.Tensor {
	w := a.compressionWindow
	_, c := t.Dims()
	pooled := a.backend.GetTensor(ceilDiv(seqLen, w), c)

	td := t.Data()
	pd := pooled.Data()
	for p := 0; p*w < seqLen; p++ {
		n := w
		if (p+1)*w > seqLen {
			n = seqLen - p*w
		}
		dst := pd[p*c : (p+1)*c]
		for i := 0; i < n; i++ {
			src := td[(startRow+p*w+i)*c : (startRow+p*w+i+1)*c]
			for j, sv := range src {
				dst[j] += sv
			}
		}
		inv := 1.0 / float32(n)
		for j := range dst {
			dst[j] *= inv
		}
	}
	return pooled
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func (a *MultiHeadSelfAttention) Name() string     { return a.name }
func (a *MultiHeadSelfAttention) TypeName() string { return "MultiHeadSelfAttention" }

func (a *MultiHeadSelfAttention) Config() map[string]any {
	return map[string]any{
		"d_model":                 a.dModel,
		"num_heads":               a.numHeads,
		"use_masking":             a.useMasking,
		"local_masking":           a.localMasking,
		"compression_window_size": a.compressionWindow,
		"dropout":                 a.dropout.rate,
	}
}

func (a *MultiHeadSelfAttention) Parameters() map[string]device.Tensor {
	if !a.built {
		return map[string]device.Tensor{}
	}
	return map[string]device.Tensor{
		a.name + "/query_kernel":  a.wq,
		a.name + "/query_bias":    a.bq,
		a.name + "/key_kernel":    a.wk,
		a.name + "/key_bias":      a.bk,
		a.name + "/value_kernel":  a.wv,
		a.name + "/value_bias":    a.bv,
		a.name + "/output_kernel": a.wo,
		a.name + "/output_bias":   a.bo,
	}
}
