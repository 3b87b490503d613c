package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/serialization"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// LoadOptions controls FromPretrained.
type LoadOptions struct {
	// Device receives every loaded tensor.
	Device tensor.Device

	// Quantization, when set, quantizes a full-precision checkpoint after
	// loading. It is rejected if the checkpoint is already quantized.
	Quantization *quant.Config
}

// LoadConfig reads and validates a model directory's config.json.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigName)
	data, err := os.ReadFile(path) //nolint:gosec // G304: model dir comes from the caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingConfig, dir)
		}
		return nil, &ConfigError{Path: path, Reason: "unreadable", Err: err}
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		var cfgErr *ConfigError
		var valErr *quant.ValidationError
		if errors.As(err, &cfgErr) || errors.As(err, &valErr) {
			return nil, err
		}
		return nil, &ConfigError{Path: path, Reason: "malformed JSON", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromPretrained loads a model saved by SavePretrained. Both weight
// containers are supported and detected by file name; a file whose content
// does not match its format fails with ErrWrongFormat.
//
// For a quantized checkpoint every packed buffer and quantization state
// tensor is restored byte-for-byte, and the pre-quantization dtype recorded
// in the stored state is re-attached to the in-memory config.
func FromPretrained(dir string, opts LoadOptions) (*Transformer2D, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	if cfg.Quantization != nil && opts.Quantization != nil {
		return nil, fmt.Errorf("checkpoint at %s is already quantized", dir)
	}

	stateDict, err := loadStateDict(dir, opts.Device)
	if err != nil {
		return nil, err
	}

	// Build the skeleton full-precision, then replace every parameter with
	// its stored tensor. Quantization is reconstructed from the state dict,
	// not re-run, so the config copy used for construction omits it.
	buildCfg := *cfg
	buildCfg.Quantization = nil
	m, err := New(&buildCfg, Options{Device: opts.Device})
	if err != nil {
		return nil, err
	}
	m.Config = cfg

	var storageDType tensor.DataType
	var haveStorageDType bool

	for _, ref := range m.paramRefs() {
		if cfg.Quantization != nil && ref.linear != nil && !cfg.KeepsInFP32(ref.name) {
			if err := restoreQuantized(ref, stateDict, cfg); err != nil {
				return nil, err
			}
			continue
		}

		loaded, ok := stateDict[ref.name]
		if !ok {
			return nil, fmt.Errorf("weights at %s are missing tensor %s", dir, ref.name)
		}
		if !loaded.Shape().Equal(ref.param.LogicalShape()) {
			return nil, fmt.Errorf("tensor %s has shape %v, model expects %v",
				ref.name, loaded.Shape(), ref.param.LogicalShape())
		}
		ref.param.Quant = nil
		ref.param.Data = loaded
		if !haveStorageDType {
			storageDType = loaded.DType()
			haveStorageDType = true
		}
	}

	if haveStorageDType {
		m.dtype = storageDType
	}
	m.device = opts.Device
	m.assignNames()

	if opts.Quantization != nil {
		if err := m.Quantize(opts.Quantization); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("dir", dir).
		Str("device", opts.Device.String()).
		Bool("quantized", m.IsQuantized()).
		Int64("footprint_bytes", m.MemoryFootprint()).
		Msg("loaded model")
	return m, nil
}

// restoreQuantized rebuilds one packed parameter from its flattened tensors
// and re-attaches the pre-quantization dtype to the config.
func restoreQuantized(ref paramRef, stateDict map[string]*tensor.RawTensor, cfg *Config) error {
	packed, ok := stateDict[ref.name]
	if !ok {
		return fmt.Errorf("quantized checkpoint is missing packed tensor %s", ref.name)
	}
	scalars := stateDict[ref.name+suffixQuantState]
	absmax := stateDict[ref.name+suffixAbsMax]
	quantMap := stateDict[ref.name+suffixQuantMap]
	nestedAbsMax := stateDict[ref.name+suffixNestedAbsMax]

	state, err := quant.DecodeStateScalars(scalars, absmax, quantMap, nestedAbsMax)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", ref.name, err)
	}
	if state.QuantType != cfg.Quantization.QuantType {
		return fmt.Errorf("parameter %s stores quant_type %q, config says %q",
			ref.name, state.QuantType, cfg.Quantization.QuantType)
	}

	params, err := quant.NewParams4Bit(packed, state)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", ref.name, err)
	}

	ref.param.Data = nil
	ref.param.Quant = params
	ref.linear.ComputeDType = cfg.Quantization.ComputeDType

	cfg.PreQuantizationDType = state.DType
	cfg.HasPreQuantizationDType = true
	return nil
}

// loadStateDict finds the weights file in dir and reads it, checking that
// the container bytes match the format the file name promises.
func loadStateDict(dir string, device tensor.Device) (map[string]*tensor.RawTensor, error) {
	safePath := filepath.Join(dir, SafeWeightsName)
	if _, err := os.Stat(safePath); err == nil {
		if err := checkNotLegacy(safePath); err != nil {
			return nil, err
		}
		sd, _, err := serialization.ReadSafeTensors(safePath, device)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", SafeWeightsName, err)
		}
		return sd, nil
	}

	legacyPath := filepath.Join(dir, WeightsName)
	if _, err := os.Stat(legacyPath); err == nil {
		reader, err := serialization.NewReader(legacyPath)
		if err != nil {
			if errors.Is(err, serialization.ErrInvalidMagic) {
				return nil, fmt.Errorf("%w: %s does not start with the container magic", ErrWrongFormat, WeightsName)
			}
			return nil, fmt.Errorf("failed to read %s: %w", WeightsName, err)
		}
		defer func() {
			_ = reader.Close()
		}()
		return reader.ReadStateDict(device)
	}

	return nil, fmt.Errorf("no weights file found in %s", dir)
}

// checkNotLegacy rejects a legacy container masquerading under the
// safetensors file name.
func checkNotLegacy(path string) error {
	f, err := os.Open(path) //nolint:gosec // G304: model dir comes from the caller
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	magic := make([]byte, len(serialization.MagicBytes))
	if _, err := f.Read(magic); err == nil && bytes.Equal(magic, []byte(serialization.MagicBytes)) {
		return fmt.Errorf("%w: %s holds a legacy container", ErrWrongFormat, SafeWeightsName)
	}
	return nil
}
