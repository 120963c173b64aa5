package device

import "math/rand"

// Tensor is a row-major 2D float32 array. A sequence batch of shape
// (batch, seq, dModel) is stored flattened as (batch*seq, dModel);
// per-token control values of shape (batch, seq) are stored as a
// (batch, seq) tensor whose flattened row order matches the flattened
// input rows.
//
// Operations mutate the receiver unless documented otherwise. Shape
// violations are engine-internal programmer errors and panic; user-facing
// validation happens in the layers before any tensor math.
type Tensor interface {
	// Dims returns the logical dimensions (rows, cols).
	Dims() (int, int)

	// At returns the value at (i, j). Slow; debugging and tests only.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice for contiguous tensors,
	// nil for transposed views.
	Data() []float32

	// ToHost copies the logical contents to a fresh slice.
	ToHost() []float32

	// CopyFrom overwrites the tensor with the given flat data.
	CopyFrom(data []float32)

	// Copy copies the contents of another tensor of the same shape.
	Copy(from Tensor)

	// Slice copies rows [i,k) and cols [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns a transposed view sharing the underlying data.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b.
	Mul(a, b Tensor)

	// Add performs element-wise t += other.
	Add(other Tensor)

	// Sub performs element-wise t -= other.
	Sub(other Tensor)

	// MulElem performs element-wise t *= other.
	MulElem(other Tensor)

	// AddScalar performs t += v.
	AddScalar(v float32)

	// Scale performs t *= v.
	Scale(v float32)

	// Fill sets every element to v.
	Fill(v float32)

	// AddBias adds a (1, cols) bias vector to every row.
	AddBias(bias Tensor)

	// In-place activations.
	Sigmoid()
	Tanh()
	Gelu()
	Relu()
	Softmax()

	// LayerNorm normalizes each row to zero mean and unit variance over
	// the column axis, then applies gain and bias (both (1, cols)).
	LayerNorm(gain, bias Tensor, eps float32)

	// Dropout zeroes elements with probability rate and scales the
	// survivors by 1/(1-rate) (inverted dropout).
	Dropout(rate float32, rng *rand.Rand)

	// GreaterScalar replaces each element with 1 where it is > v, else 0.
	GreaterScalar(v float32)

	// LessEqualScalar replaces each element with 1 where it is <= v, else 0.
	LessEqualScalar(v float32)

	// Select performs an element-wise where: t = cond > 0.5 ? a : b.
	// The condition varies per element, so this must stay an engine
	// primitive rather than host control flow.
	Select(cond, a, b Tensor)

	// Sum returns the sum of all elements.
	Sum() float32

	// MeanCols returns a new (rows, 1) tensor with the mean of each row.
	MeanCols() Tensor

	// ScaleRows multiplies every element of row r by the r-th element of
	// weights (in flattened order); weights must hold exactly rows values.
	ScaleRows(weights Tensor)

	// SequenceMask zeroes, for each row b, the columns >= lengths[b].
	// The tensor is interpreted as (batch, seq).
	SequenceMask(lengths []int)

	// AttnMask masks an (L, L) attention score matrix in-place by setting
	// masked entries to a large negative value. When causal is true,
	// position i may not attend beyond i; window > 0 additionally limits
	// attention to the last window positions; validLen < L masks the
	// padding keys.
	AttnMask(causal bool, window int, validLen int)
}

// Backend creates tensors and manages their reuse.
type Backend interface {
	Name() string

	// NewTensor allocates a (r, c) tensor, copying data when non-nil.
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor returns a zeroed (r, c) tensor from the pool.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Linear computes input * weight + bias into a pooled tensor.
	// bias may be nil.
	Linear(input, weight, bias Tensor) Tensor

	// Synchronize blocks until queued operations complete.
	Synchronize()
}
