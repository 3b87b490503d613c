package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/serialization"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// File names inside a saved model directory.
const (
	ConfigName      = "config.json"
	SafeWeightsName = "model.safetensors"
	WeightsName     = "model.nibble"
)

// Suffixes of the companion tensors stored per quantized parameter.
const (
	suffixAbsMax       = ".absmax"
	suffixQuantMap     = ".quant_map"
	suffixNestedAbsMax = ".nested_absmax"
	suffixQuantState   = ".quant_state"
)

// SavePretrained writes the model to dir: a config.json plus a weights file,
// safetensors when safeSerialization is set, the legacy checksummed
// container otherwise.
//
// Quantized parameters are flattened into the state dict as their packed
// buffer plus companion tensors (absmax, quant_map, nested_absmax when
// double-quantized, and a JSON record of the scalar state). Loading reverses
// the flattening exactly.
func (m *Transformer2D) SavePretrained(dir string, safeSerialization bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	configJSON, err := json.MarshalIndent(m.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigName), configJSON, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	stateDict, err := m.stateDict()
	if err != nil {
		return err
	}

	metadata := map[string]string{"format": "nibble"}

	weightsName := WeightsName
	if safeSerialization {
		weightsName = SafeWeightsName
		err = serialization.WriteSafeTensors(filepath.Join(dir, weightsName), stateDict, metadata)
	} else {
		err = serialization.WriteFile(filepath.Join(dir, weightsName), stateDict, metadata)
	}
	if err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}

	log.Debug().
		Str("dir", dir).
		Str("weights", weightsName).
		Int("tensors", len(stateDict)).
		Bool("quantized", m.IsQuantized()).
		Msg("saved model")
	return nil
}

// stateDict flattens every parameter into named tensors.
func (m *Transformer2D) stateDict() (map[string]*tensor.RawTensor, error) {
	sd := make(map[string]*tensor.RawTensor)
	for _, np := range m.NamedParameters() {
		if !np.Param.IsQuantized() {
			sd[np.Name] = np.Param.Data
			continue
		}
		if err := flattenQuantized(sd, np.Name, np.Param.Quant); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", np.Name, err)
		}
	}
	return sd, nil
}

func flattenQuantized(sd map[string]*tensor.RawTensor, name string, p *quant.Params4Bit) error {
	sd[name] = p.Packed
	sd[name+suffixAbsMax] = p.State.AbsMax
	sd[name+suffixQuantMap] = p.State.Code
	if p.State.Nested {
		sd[name+suffixNestedAbsMax] = p.State.NestedAbsMax
	}

	scalars, err := quant.EncodeStateScalars(p.State, p.Packed.Device())
	if err != nil {
		return err
	}
	sd[name+suffixQuantState] = scalars
	return nil
}
