// Copyright 2025 Nibble ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package quant provides the public API for 4-bit blockwise weight
// quantization.
//
// Example:
//
//	cfg, err := quant.NewConfig(quant.Config{
//		QuantType:      quant.TypeNF4,
//		UseDoubleQuant: true,
//		ComputeDType:   tensor.Float16,
//	})
package quant

import (
	"github.com/nibble-ml/nibble/internal/quant"
)

// Supported quantization schemes.
const (
	TypeNF4 = quant.QuantTypeNF4
	TypeFP4 = quant.QuantTypeFP4
)

// Config controls how eligible weights are quantized to 4 bits.
type Config = quant.Config

// ValidationError reports an invalid quantization config field.
type ValidationError = quant.ValidationError

// State holds the metadata required to reconstruct full-precision values
// from a packed 4-bit buffer.
type State = quant.State

// Params4Bit is a quantized parameter: a packed buffer plus its State.
type Params4Bit = quant.Params4Bit

// NewConfig fills defaults and validates the config. Any unrecognized
// enumerated value fails immediately with a *ValidationError.
func NewConfig(cfg Config) (*Config, error) {
	return quant.New(cfg)
}
