package encoder

import (
	"fmt"
	"sync"

	"github.com/ut-ml/utransformer/internal/device"
)

// Activation applies a nonlinearity to a tensor in-place.
type Activation func(device.Tensor)

var (
	activationsMu sync.RWMutex
	activations   = map[string]Activation{}
)

// RegisterActivation makes an activation available by name to layer
// configuration and to checkpoint restore. Registering a name twice panics;
// the table is meant to be populated once at process start.
func RegisterActivation(name string, fn Activation) {
	activationsMu.Lock()
	defer activationsMu.Unlock()
	if _, dup := activations[name]; dup {
		panic(fmt.Sprintf("encoder: activation %q registered twice", name))
	}
	activations[name] = fn
}

// ActivationByName resolves a registered activation.
func ActivationByName(name string) (Activation, error) {
	activationsMu.RLock()
	defer activationsMu.RUnlock()
	fn, ok := activations[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown activation %q", ErrConfig, name)
	}
	return fn, nil
}

func init() {
	// GELU, described in "Gaussian Error Linear Units (GELUs)"
	// https://arxiv.org/pdf/1606.08415.pdf
	RegisterActivation("gelu", func(t device.Tensor) { t.Gelu() })
	RegisterActivation("relu", func(t device.Tensor) { t.Relu() })
	RegisterActivation("tanh", func(t device.Tensor) { t.Tanh() })
	RegisterActivation("sigmoid", func(t device.Tensor) { t.Sigmoid() })
	RegisterActivation("linear", func(device.Tensor) {})
}
