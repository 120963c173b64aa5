// Package checkpoint persists component configurations and learned
// parameter tensors as CBOR, and restores them through the encoder's
// component registry.
package checkpoint

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/ut-ml/utransformer/internal/device"
	"github.com/ut-ml/utransformer/internal/encoder"
)

// FormatVersion is bumped on incompatible layout changes.
const FormatVersion = 1

// Precision selects how parameter data is stored on disk.
type Precision string

const (
	PrecisionFP32 Precision = "fp32"
	PrecisionFP16 Precision = "fp16"
)

type savedTensor struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	FP32 []float32 `cbor:"fp32,omitempty"`
	FP16 []uint16  `cbor:"fp16,omitempty"`
}

type savedComponent struct {
	Type   string                 `cbor:"type"`
	Name   string                 `cbor:"name"`
	Config map[string]any         `cbor:"config"`
	Params map[string]savedTensor `cbor:"params"`
}

// file wraps the encoded component list as opaque bytes so the checksum
// covers exactly what was written. Re-encoding the decoded components
// would not round-trip: map key order is randomized and float32 config
// values widen to float64.
type file struct {
	Version  int    `cbor:"version"`
	Body     []byte `cbor:"body"`
	Checksum uint32 `cbor:"checksum"`
}

// Save writes the given components to path. FP16 precision halves the
// file at the cost of parameter rounding.
func Save(path string, precision Precision, components ...encoder.Component) error {
	var saved []savedComponent

	for _, c := range components {
		sc := savedComponent{
			Type:   c.TypeName(),
			Name:   c.Name(),
			Config: c.Config(),
			Params: map[string]savedTensor{},
		}
		for name, t := range c.Parameters() {
			r, cols := t.Dims()
			st := savedTensor{Rows: r, Cols: cols}
			host := t.ToHost()
			switch precision {
			case PrecisionFP16:
				st.FP16 = make([]uint16, len(host))
				for i, v := range host {
					st.FP16[i] = float16.Fromfloat32(v).Bits()
				}
			case PrecisionFP32, "":
				st.FP32 = host
			default:
				return fmt.Errorf("checkpoint: unknown precision %q", precision)
			}
			sc.Params[name] = st
		}
		saved = append(saved, sc)
	}

	body, err := cbor.Marshal(saved)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding components: %w", err)
	}
	f := file{
		Version:  FormatVersion,
		Body:     body,
		Checksum: crc32.ChecksumIEEE(body),
	}

	data, err := cbor.Marshal(f)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// readComponents reads path, verifies the format version and the body
// checksum, and decodes the component list.
func readComponents(path string) ([]savedComponent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f file
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding %s: %w", path, err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("checkpoint: unsupported format version %d (want %d)", f.Version, FormatVersion)
	}
	if sum := crc32.ChecksumIEEE(f.Body); sum != f.Checksum {
		return nil, fmt.Errorf("checkpoint: checksum mismatch (file %08x, computed %08x)", f.Checksum, sum)
	}

	var components []savedComponent
	if err := cbor.Unmarshal(f.Body, &components); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding components of %s: %w", path, err)
	}
	return components, nil
}

// Load reads a checkpoint and rebuilds every component through the
// registry, copying the saved parameters into the fresh instances.
// Restored components are returned in file order.
func Load(path string, b device.Backend, build func(c encoder.Component) error) ([]encoder.Component, error) {
	saved, err := readComponents(path)
	if err != nil {
		return nil, err
	}

	var restored []encoder.Component
	for _, sc := range saved {
		factory, ok := encoder.ComponentFactory(sc.Type)
		if !ok {
			return nil, fmt.Errorf("checkpoint: component type %q is not registered", sc.Type)
		}
		c, err := factory(sc.Name, sc.Config, b)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: rebuilding %s %q: %w", sc.Type, sc.Name, err)
		}

		// Lazily-built components need one forward pass before their
		// parameters exist; the caller provides it.
		if build != nil {
			if err := build(c); err != nil {
				return nil, fmt.Errorf("checkpoint: building %s %q: %w", sc.Type, sc.Name, err)
			}
		}

		params := c.Parameters()
		for name, st := range sc.Params {
			t, ok := params[name]
			if !ok {
				return nil, fmt.Errorf("checkpoint: %s has no parameter %q", sc.Name, name)
			}
			r, cols := t.Dims()
			if r != st.Rows || cols != st.Cols {
				return nil, fmt.Errorf("checkpoint: parameter %q is %dx%d, saved as %dx%d", name, r, cols, st.Rows, st.Cols)
			}
			t.CopyFrom(tensorData(st))
		}
		restored = append(restored, c)
	}
	return restored, nil
}

// Restore copies saved parameters into live components, matched by
// instance name. The targets must already have their lazily-built
// parameters (run one forward pass first). Configs are not touched.
func Restore(path string, components ...encoder.Component) error {
	saved, err := readComponents(path)
	if err != nil {
		return err
	}

	targets := map[string]encoder.Component{}
	for _, c := range components {
		targets[c.Name()] = c
	}

	for _, sc := range saved {
		target, ok := targets[sc.Name]
		if !ok {
			return fmt.Errorf("checkpoint: no live component named %q", sc.Name)
		}
		params := target.Parameters()
		for name, st := range sc.Params {
			t, ok := params[name]
			if !ok {
				return fmt.Errorf("checkpoint: %s has no parameter %q (component not built yet?)", sc.Name, name)
			}
			r, cols := t.Dims()
			if r != st.Rows || cols != st.Cols {
				return fmt.Errorf("checkpoint: parameter %q is %dx%d, saved as %dx%d", name, r, cols, st.Rows, st.Cols)
			}
			t.CopyFrom(tensorData(st))
		}
	}
	return nil
}

func tensorData(st savedTensor) []float32 {
	if st.FP32 != nil {
		return st.FP32
	}
	out := make([]float32, len(st.FP16))
	for i, bits := range st.FP16 {
		out[i] = float16.Frombits(bits).Float32()
	}
	return out
}
