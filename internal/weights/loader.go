// Package weights reads and writes model checkpoints. The on-disk format is
// a little-endian uint32 manifest length, a CBOR-encoded manifest listing
// tensor names, shapes and payload dtype, then the raw tensor payloads in
// manifest order. Conversion from foreign checkpoint formats happens outside
// the forward core; this package only moves bytes into named parameters.
package weights

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/device"
)

// Payload dtypes.
const (
	DtypeF32 = "f32"
	DtypeF16 = "f16"
)

// TensorSpec describes one tensor in the checkpoint manifest.
type TensorSpec struct {
	Name  string `cbor:"name"`
	Rows  int    `cbor:"rows"`
	Cols  int    `cbor:"cols"`
	Dtype string `cbor:"dtype"`
}

// Manifest is the checkpoint header.
type Manifest struct {
	Version int          `cbor:"version"`
	Tensors []TensorSpec `cbor:"tensors"`
}

const manifestVersion = 1

// Loader fills a named parameter set from a checkpoint file.
type Loader struct {
	params map[string]device.Tensor
}

// NewLoader creates a loader over a parameter set keyed by component/layer
// name, as returned by the model's Parameters method.
func NewLoader(params map[string]device.Tensor) *Loader {
	return &Loader{params: params}
}

// Load reads the checkpoint at path into the parameter set. Every manifest
// entry must match a known parameter name and shape, and every parameter
// must be covered.
func (l *Loader) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	manifest, err := readManifest(file)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	loaded := make(map[string]bool, len(manifest.Tensors))
	for _, spec := range manifest.Tensors {
		target, ok := l.params[spec.Name]
		if !ok {
			return fmt.Errorf("checkpoint tensor %q has no matching parameter", spec.Name)
		}
		if loaded[spec.Name] {
			return fmt.Errorf("checkpoint tensor %q appears twice", spec.Name)
		}

		r, c := target.Dims()
		if r != spec.Rows || c != spec.Cols {
			return fmt.Errorf("tensor %q is %dx%d in checkpoint, %dx%d in model",
				spec.Name, spec.Rows, spec.Cols, r, c)
		}

		data, err := readPayload(file, spec)
		if err != nil {
			return fmt.Errorf("failed to read payload for %q: %w", spec.Name, err)
		}
		target.CopyFromFloat32(data)
		loaded[spec.Name] = true
	}

	if len(loaded) != len(l.params) {
		for name := range l.params {
			if !loaded[name] {
				return fmt.Errorf("checkpoint is missing tensor %q", name)
			}
		}
	}

	log.Info().Str("path", path).Int("tensors", len(loaded)).Msg("Loaded checkpoint")
	return nil
}

func readManifest(r io.Reader) (*Manifest, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := cbor.Unmarshal(raw, &manifest); err != nil {
		return nil, err
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", manifest.Version)
	}
	return &manifest, nil
}

func readPayload(r io.Reader, spec TensorSpec) ([]float32, error) {
	size := spec.Rows * spec.Cols

	switch spec.Dtype {
	case DtypeF32:
		data := make([]float32, size)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
		return data, nil

	case DtypeF16:
		bits := make([]uint16, size)
		if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
			return nil, err
		}
		data := make([]float32, size)
		for i, b := range bits {
			data[i] = float16.Frombits(b).Float32()
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unknown dtype %q", spec.Dtype)
	}
}

// Save writes the parameter set to path with the given payload dtype.
// Tensors are written in sorted-stable manifest order derived from the map.
func Save(path string, params map[string]device.Tensor, dtype string) error {
	if dtype != DtypeF32 && dtype != DtypeF16 {
		return fmt.Errorf("unknown dtype %q", dtype)
	}

	manifest := Manifest{Version: manifestVersion}
	for _, name := range sortedNames(params) {
		r, c := params[name].Dims()
		manifest.Tensors = append(manifest.Tensors, TensorSpec{
			Name:  name,
			Rows:  r,
			Cols:  c,
			Dtype: dtype,
		})
	}

	raw, err := cbor.Marshal(manifest)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := binary.Write(file, binary.LittleEndian, uint32(len(raw))); err != nil {
		return err
	}
	if _, err := file.Write(raw); err != nil {
		return err
	}

	for _, spec := range manifest.Tensors {
		data := params[spec.Name].ToHost()
		if dtype == DtypeF16 {
			bits := make([]uint16, len(data))
			for i, v := range data {
				bits[i] = float16.Fromfloat32(v).Bits()
			}
			if err := binary.Write(file, binary.LittleEndian, bits); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(file, binary.LittleEndian, data); err != nil {
			return err
		}
	}

	log.Info().Str("path", path).Str("dtype", dtype).Int("tensors", len(manifest.Tensors)).Msg("Saved checkpoint")
	return nil
}

func sortedNames(params map[string]device.Tensor) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
