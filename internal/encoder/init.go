package encoder

import (
	"math"
	"math/rand"

	"github.com/ut-ml/utransformer/internal/device"
)

// glorotUniform fills a matrix with Xavier/Glorot uniform values.
// Uses a bulk CopyFrom so that non-CPU backends upload in one pass.
func glorotUniform(m device.Tensor) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rand.Float64()*2 - 1) * limit)
	}
	m.CopyFrom(data)
}

// heNormal fills a matrix with He-normal values (std = sqrt(2/fanIn)).
func heNormal(m device.Tensor, fanIn int) {
	r, c := m.Dims()
	std := math.Sqrt(2.0 / float64(fanIn))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32(rand.NormFloat64() * std)
	}
	m.CopyFrom(data)
}
