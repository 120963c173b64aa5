package simd

import "math"

// ExpFast is a fast approximation of exp(x) for float32 inputs.
// Uses the identity exp(x) = 2^(x*log2(e)) with a cubic polynomial
// for the fractional part.
func ExpFast(x float32) float32 {
	if x > 88 {
		return 1e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// 2^f ≈ 1 + 0.6931*f + 0.2402*f^2 + 0.0555*f^3
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	if k >= 0 && k < 128 {
		return float32(p * float64(uint64(1)<<k))
	}
	if k < 0 && k > -128 {
		return float32(p / float64(uint64(1)<<(-k)))
	}
	return float32(p)
}

// TanhFast is a fast approximation of tanh(x).
func TanhFast(x float32) float32 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

// Sigmoid computes the logistic function with full float64 precision.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// Gelu applies the tanh-form GELU in-place:
// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
func Gelu(data []float32) {
	const (
		sqrt2overPi = 0.7978845608028654
		coeff       = 0.044715
	)
	for i, x := range data {
		x64 := float64(x)
		inner := sqrt2overPi * (x64 + coeff*x64*x64*x64)
		data[i] = float32(0.5 * x64 * (1 + math.Tanh(inner)))
	}
}

// SoftmaxFast applies softmax in-place to a row. Accumulation is done
// in float64 to keep long rows stable.
func SoftmaxFast(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		e := ExpFast(v - max)
		row[i] = e
		sum += float64(e)
	}

	invSum := float32(1.0 / sum)
	for i := range row {
		row[i] *= invSum
	}
}

// VecAdd performs dst += src.
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecMul performs dst *= src element-wise.
func VecMul(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// DotProduct computes the dot product of two float32 vectors with
// float64 accumulation.
func DotProduct(a, b []float32) float32 {
	var sum float64
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += float64(a[i]) * float64(b[i])
		sum += float64(a[i+1]) * float64(b[i+1])
		sum += float64(a[i+2]) * float64(b[i+2])
		sum += float64(a[i+3]) * float64(b[i+3])
	}
	for ; i < len(a); i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
