package encoder

import (
	"math/rand"

	"github.com/ut-ml/utransformer/internal/device"
)

// Dropout applies inverted dropout in-place. A rate of exactly 0 makes
// Forward a strict pass-through; the two residual wiring modes must then
// be numerically identical.
type Dropout struct {
	rate float32
	rng  *rand.Rand
}

func NewDropout(rate float32, rng *rand.Rand) *Dropout {
	return &Dropout{rate: rate, rng: rng}
}

func (d *Dropout) Forward(t device.Tensor, training bool) device.Tensor {
	if d.rate == 0 || !training {
		return t
	}
	t.Dropout(d.rate, d.rng)
	return t
}
