package device

import (
	"log"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ut-ml/utransformer/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
	}

	if data == nil {
		t.data = make([]float32, size)
	} else {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.data = make([]float32, size)
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
		poolMisses.Inc()
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
		poolHits.Inc()
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	b.pool.Put(ct)
}

func (b *CPUBackend) Linear(input, weight, bias Tensor) Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	result := b.GetTensor(r, wc)
	result.Mul(input, weight)

	if bias != nil {
		result.AddBias(bias)
	}

	return result
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFrom(data []float32) {
	if t.trans {
		log.Panic("CopyFrom not supported on transposed views")
	}
	if len(data) != len(t.data) {
		log.Panicf("CopyFrom: size mismatch, have %d want %d", len(data), len(t.data))
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	ft, ok := from.(*CPUTensor)
	if !ok {
		log.Panic("Copying between different backends not supported")
	}

	tr, tc := t.Dims()
	fr, fc := ft.Dims()

	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	if !t.trans && !ft.trans {
		copy(t.data, ft.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, ft.At(i, j))
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j

	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := t.backend.NewTensor(sliceRows, sliceCols, nil)
	for r := 0; r < sliceRows; r++ {
		for c := 0; c < sliceCols; c++ {
			out.Set(r, c, t.At(i+r, j+c))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

// general builds the blas32 view of the physical layout. The logical
// transpose is expressed through the Gemm transpose flags instead.
func (t *CPUTensor) general() blas32.General {
	return blas32.General{
		Rows:   t.rows,
		Cols:   t.cols,
		Stride: t.cols,
		Data:   t.data,
	}
}

func (t *CPUTensor) Mul(a, b Tensor) {
	ma, ok1 := a.(*CPUTensor)
	mb, ok2 := b.(*CPUTensor)

	if !ok1 || !ok2 {
		log.Panic("Mixed backend Mul not supported")
	}
	if t.trans {
		log.Panic("Mul result must not be a transposed view")
	}

	ar, ac := ma.Dims()
	br, bc := mb.Dims()

	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	if t.rows != ar || t.cols != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, t.rows, t.cols)
	}

	tA := blas.NoTrans
	if ma.trans {
		tA = blas.Trans
	}
	tB := blas.NoTrans
	if mb.trans {
		tB = blas.Trans
	}

	blas32.Gemm(tA, tB, 1, ma.general(), mb.general(), 0, t.general())
}

func (t *CPUTensor) Add(other Tensor) {
	ot := t.checkSameShape(other, "Add")

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	t.elementwise(ot, func(a, b float32) float32 { return a + b })
}

func (t *CPUTensor) Sub(other Tensor) {
	ot := t.checkSameShape(other, "Sub")

	if !t.trans && !ot.trans {
		for i := range t.data {
			t.data[i] -= ot.data[i]
		}
		return
	}
	t.elementwise(ot, func(a, b float32) float32 { return a - b })
}

func (t *CPUTensor) MulElem(other Tensor) {
	ot := t.checkSameShape(other, "MulElem")

	if !t.trans && !ot.trans {
		simd.VecMul(t.data, ot.data)
		return
	}
	t.elementwise(ot, func(a, b float32) float32 { return a * b })
}

func (t *CPUTensor) checkSameShape(other Tensor, op string) *CPUTensor {
	ot, ok := other.(*CPUTensor)
	if !ok {
		log.Panicf("Mixed backend %s not supported", op)
	}

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("%s: dimension mismatch. Target: %dx%d, Other: %dx%d", op, tr, tc, or, oc)
	}
	return ot
}

func (t *CPUTensor) elementwise(ot *CPUTensor, f func(a, b float32) float32) {
	tr, tc := t.Dims()
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, f(t.At(i, j), ot.At(i, j)))
		}
	}
}

func (t *CPUTensor) AddScalar(v float32) {
	for i := range t.data {
		t.data[i] += v
	}
}

func (t *CPUTensor) Scale(v float32) {
	for i := range t.data {
		t.data[i] *= v
	}
}

func (t *CPUTensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt, ok := bias.(*CPUTensor)
	if !ok {
		panic("Mixed backend AddBias")
	}
	if t.trans {
		log.Panic("AddBias not supported on transposed views")
	}

	r, c := t.Dims()
	br, bc := bias.Dims()
	if br != 1 && bc != 1 {
		panic("AddBias: bias must be a vector (1xN or Nx1)")
	}

	biasData := bt.data
	if bt.trans {
		biasData = bt.ToHost()
	}
	if len(biasData) != c {
		panic("AddBias: bias length mismatch with tensor columns")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		simd.VecAdd(row, biasData)
	}
}

func (t *CPUTensor) Sigmoid() {
	if t.trans {
		log.Panic("Sigmoid not supported on transposed views")
	}
	for i, v := range t.data {
		t.data[i] = simd.Sigmoid(v)
	}
}

func (t *CPUTensor) Tanh() {
	if t.trans {
		log.Panic("Tanh not supported on transposed views")
	}
	for i, v := range t.data {
		t.data[i] = float32(math.Tanh(float64(v)))
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed views")
	}
	simd.Gelu(t.data)
}

func (t *CPUTensor) Relu() {
	if t.trans {
		log.Panic("Relu not supported on transposed views")
	}
	for i, v := range t.data {
		if v < 0 {
			t.data[i] = 0
		}
	}
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		simd.SoftmaxFast(t.data[rowStart : rowStart+c])
	}
}

func (t *CPUTensor) LayerNorm(gain, bias Tensor, eps float32) {
	gt, ok1 := gain.(*CPUTensor)
	bt, ok2 := bias.(*CPUTensor)
	if !ok1 || !ok2 {
		panic("Mixed backend LayerNorm")
	}
	if t.trans {
		log.Panic("LayerNorm not supported on transposed views")
	}

	gainData := gt.data
	if gt.trans {
		gainData = gt.ToHost()
	}
	biasData := bt.data
	if bt.trans {
		biasData = bt.ToHost()
	}

	r, c := t.Dims()
	if len(gainData) < c || len(biasData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := float32(sum / float64(c))

		var varSum float64
		for _, v := range row {
			diff := float64(v - mean)
			varSum += diff * diff
		}
		variance := float32(varSum / float64(c))
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gainData[j] + biasData[j]
		}
	}
}

func (t *CPUTensor) Dropout(rate float32, rng *rand.Rand) {
	if t.trans {
		log.Panic("Dropout not supported on transposed views")
	}
	if rate <= 0 {
		return
	}
	invKeep := 1.0 / (1.0 - rate)
	for i, v := range t.data {
		if rng.Float32() < rate {
			t.data[i] = 0
		} else {
			t.data[i] = v * invKeep
		}
	}
}

func (t *CPUTensor) GreaterScalar(v float32) {
	for i, x := range t.data {
		if x > v {
			t.data[i] = 1
		} else {
			t.data[i] = 0
		}
	}
}

func (t *CPUTensor) LessEqualScalar(v float32) {
	for i, x := range t.data {
		if x <= v {
			t.data[i] = 1
		} else {
			t.data[i] = 0
		}
	}
}

func (t *CPUTensor) Select(cond, a, b Tensor) {
	ct := t.checkSameShape(cond, "Select")
	at := t.checkSameShape(a, "Select")
	bt := t.checkSameShape(b, "Select")

	if t.trans || ct.trans || at.trans || bt.trans {
		log.Panic("Select not supported on transposed views")
	}

	for i := range t.data {
		if ct.data[i] > 0.5 {
			t.data[i] = at.data[i]
		} else {
			t.data[i] = bt.data[i]
		}
	}
}

func (t *CPUTensor) Sum() float32 {
	var sum float64
	for _, v := range t.data {
		sum += float64(v)
	}
	return float32(sum)
}

func (t *CPUTensor) MeanCols() Tensor {
	if t.trans {
		log.Panic("MeanCols not supported on transposed views")
	}
	r, c := t.Dims()
	out := t.backend.NewTensor(r, 1, nil)
	od := out.Data()
	for i := 0; i < r; i++ {
		var sum float64
		for _, v := range t.data[i*c : (i+1)*c] {
			sum += float64(v)
		}
		od[i] = float32(sum / float64(c))
	}
	return out
}

func (t *CPUTensor) ScaleRows(weights Tensor) {
	wt, ok := weights.(*CPUTensor)
	if !ok {
		panic("Mixed backend ScaleRows")
	}
	if t.trans || wt.trans {
		log.Panic("ScaleRows not supported on transposed views")
	}

	r, c := t.Dims()
	if len(wt.data) != r {
		log.Panicf("ScaleRows: need %d weights, have %d", r, len(wt.data))
	}

	for i := 0; i < r; i++ {
		w := wt.data[i]
		row := t.data[i*c : (i+1)*c]
		for j := range row {
			row[j] *= w
		}
	}
}

func (t *CPUTensor) SequenceMask(lengths []int) {
	if t.trans {
		log.Panic("SequenceMask not supported on transposed views")
	}
	r, c := t.Dims()
	if len(lengths) != r {
		log.Panicf("SequenceMask: need %d lengths, have %d", r, len(lengths))
	}

	for i := 0; i < r; i++ {
		valid := lengths[i]
		if valid > c {
			valid = c
		}
		row := t.data[i*c : (i+1)*c]
		for j := valid; j < c; j++ {
			row[j] = 0
		}
	}
}

// maskValue is low enough to vanish under softmax but far from the
// float32 range limit, so masked rows cannot overflow to NaN.
const maskValue = -1e9

func (t *CPUTensor) AttnMask(causal bool, window int, validLen int) {
	if t.trans {
		log.Panic("AttnMask not supported on transposed views")
	}
	r, c := t.Dims()
	if r != c {
		log.Panicf("AttnMask: scores must be square, got %dx%d", r, c)
	}

	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		for j := 0; j < c; j++ {
			masked := j >= validLen
			if causal && j > i {
				masked = true
			}
			if window > 0 && j <= i-window {
				masked = true
			}
			if masked {
				row[j] = maskValue
			}
		}
	}
}
