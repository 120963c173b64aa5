package encoder

import (
	"fmt"
	"sync"

	"github.com/ut-ml/utransformer/internal/device"
)

// Component is any layer that exposes its configuration and learned
// parameters under stable names, so that saved models referencing those
// names restore correctly.
type Component interface {
	// Name is the instance name, prefixing all parameter names.
	Name() string
	// TypeName is the stable registry key for this component kind.
	TypeName() string
	// Config returns the construction configuration.
	Config() map[string]any
	// Parameters returns the learned tensors keyed by stable name.
	// Lazily built components return an empty map until first use.
	Parameters() map[string]device.Tensor
}

// Factory rebuilds a component instance from a saved configuration.
type Factory func(name string, cfg map[string]any, b device.Backend) (Component, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterComponent adds a component factory to the process-wide lookup
// table. Registration happens once at module load; a duplicate type name
// is a programmer error and panics.
func RegisterComponent(typeName string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic(fmt.Sprintf("encoder: component %q registered twice", typeName))
	}
	registry[typeName] = f
}

// ComponentFactory looks up a registered factory.
func ComponentFactory(typeName string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[typeName]
	return f, ok
}

func init() {
	RegisterComponent("LayerNormalization", func(name string, cfg map[string]any, b device.Backend) (Component, error) {
		return NewLayerNorm(name, cfgInt(cfg, "axis", -1), b)
	})
	RegisterComponent("TransformerTransition", func(name string, cfg map[string]any, b device.Backend) (Component, error) {
		return NewTransition(name,
			cfgString(cfg, "type", TransitionDot),
			cfgString(cfg, "activation", "gelu"),
			cfgInt(cfg, "size_multiplier", 4), b)
	})
	RegisterComponent("TransformerBlock", func(name string, cfg map[string]any, b device.Backend) (Component, error) {
		return NewTransformerBlock(BlockConfig{
			Name:                  name,
			DModel:                cfgInt(cfg, "d_model", 0),
			NumHeads:              cfgInt(cfg, "num_heads", 0),
			TransitionType:        cfgString(cfg, "transition_type", TransitionDot),
			ResidualDropout:       cfgFloat32(cfg, "residual_dropout", 0),
			AttentionDropout:      cfgFloat32(cfg, "attention_dropout", 0),
			Activation:            cfgString(cfg, "activation", "gelu"),
			SizeMultiplier:        cfgInt(cfg, "size_multiplier", 4),
			CompressionWindowSize: cfgInt(cfg, "compression_window_size", 0),
			LocalMasking:          cfgInt(cfg, "local_masking", 0),
			UseMasking:            cfgBool(cfg, "use_masking", true),
			VanillaWiring:         cfgBool(cfg, "vanilla_wiring", false),
		}, b)
	})
	RegisterComponent("TransformerACT", func(name string, cfg map[string]any, b device.Backend) (Component, error) {
		return NewTransformerACT(ACTConfig{
			Name:        name,
			HaltEpsilon: cfgFloat32(cfg, "halt_epsilon", 0.01),
			TimePenalty: cfgFloat32(cfg, "time_penalty", 0.01),
			ReturnStep:  cfgBool(cfg, "return_step", false),
		}, b)
	})
}

// Config maps round-trip through CBOR, which widens numeric types; these
// helpers narrow them back.

func cfgInt(cfg map[string]any, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func cfgFloat32(cfg map[string]any, key string, def float32) float32 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	case int64:
		return float32(n)
	case uint64:
		return float32(n)
	}
	return def
}

func cfgBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func cfgString(cfg map[string]any, key string, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}
