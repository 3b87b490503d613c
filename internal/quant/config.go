// Package quant implements 4-bit blockwise weight quantization: NF4/FP4
// codebooks, packed nibble storage, quantization state and its (de)serialization.
package quant

import (
	"fmt"
	"strings"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// Supported quantization schemes.
const (
	QuantTypeNF4 = "nf4"
	QuantTypeFP4 = "fp4"
)

// Valid packing container types for 4-bit storage.
var validQuantStorage = []string{"uint8", "float16", "bfloat16", "float32"}

// DefaultBlockSize is the number of weights sharing one absmax scale.
const DefaultBlockSize = 64

// NestedBlockSize is the block size of the second quantization pass applied
// to absmax statistics when double quantization is enabled.
const NestedBlockSize = 256

// ValidationError reports an invalid quantization config field. It is raised
// at construction time, never deferred to first use.
type ValidationError struct {
	Field string
	Value string
	Valid []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid quantization config: field %q has unsupported value %q (supported: %s)",
		e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// Config controls how eligible weights are quantized to 4 bits.
//
// ComputeDType is the precision used for dequantized arithmetic during the
// forward pass; it is distinct from the storage precision of the packed
// buffer, which QuantStorage selects.
type Config struct {
	QuantType      string          // "nf4" or "fp4"
	UseDoubleQuant bool            // second quantization pass over absmax statistics
	ComputeDType   tensor.DataType // precision for dequantized arithmetic
	QuantStorage   string          // packing container type, "uint8" by default
}

// New fills defaults and validates the config. Any unrecognized enumerated
// value fails immediately with a *ValidationError.
func New(cfg Config) (*Config, error) {
	if cfg.QuantType == "" {
		cfg.QuantType = QuantTypeNF4
	}
	if cfg.QuantStorage == "" {
		cfg.QuantStorage = "uint8"
	}

	if cfg.QuantType != QuantTypeNF4 && cfg.QuantType != QuantTypeFP4 {
		return nil, &ValidationError{
			Field: "quant_type",
			Value: cfg.QuantType,
			Valid: []string{QuantTypeNF4, QuantTypeFP4},
		}
	}

	storageOK := false
	for _, s := range validQuantStorage {
		if cfg.QuantStorage == s {
			storageOK = true
			break
		}
	}
	if !storageOK {
		return nil, &ValidationError{
			Field: "quant_storage",
			Value: cfg.QuantStorage,
			Valid: validQuantStorage,
		}
	}

	if !cfg.ComputeDType.IsFloat() {
		return nil, &ValidationError{
			Field: "compute_dtype",
			Value: cfg.ComputeDType.String(),
			Valid: []string{"float32", "float16", "bfloat16"},
		}
	}

	return &cfg, nil
}

// StorageDType returns the container DataType selected by QuantStorage.
func (c *Config) StorageDType() tensor.DataType {
	switch c.QuantStorage {
	case "float16":
		return tensor.Float16
	case "bfloat16":
		return tensor.BFloat16
	case "float32":
		return tensor.Float32
	default:
		return tensor.Uint8
	}
}

// ToDict returns the JSON-serializable form of the config, as persisted in a
// model's configuration record.
func (c *Config) ToDict() map[string]any {
	return map[string]any{
		"quant_method":     "nibble_4bit",
		"load_in_4bit":     true,
		"quant_type":       c.QuantType,
		"use_double_quant": c.UseDoubleQuant,
		"compute_dtype":    c.ComputeDType.String(),
		"quant_storage":    c.QuantStorage,
	}
}

// FromDict reconstructs and validates a Config from its persisted form.
func FromDict(d map[string]any) (*Config, error) {
	cfg := Config{}
	if v, ok := d["quant_type"].(string); ok {
		cfg.QuantType = v
	}
	if v, ok := d["use_double_quant"].(bool); ok {
		cfg.UseDoubleQuant = v
	}
	if v, ok := d["quant_storage"].(string); ok {
		cfg.QuantStorage = v
	}
	cfg.ComputeDType = tensor.Float32
	if v, ok := d["compute_dtype"].(string); ok {
		dt, err := tensor.ParseDataType(v)
		if err != nil {
			return nil, &ValidationError{
				Field: "compute_dtype",
				Value: v,
				Valid: []string{"float32", "float16", "bfloat16"},
			}
		}
		cfg.ComputeDType = dt
	}
	return New(cfg)
}
