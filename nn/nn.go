// Copyright 2025 Nibble ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the public API for the neural-network building blocks:
// parameters, linear layers, normalization and transformer blocks.
package nn

import (
	"math/rand"

	"github.com/nibble-ml/nibble/internal/nn"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// Parameter is a named model weight, full-precision or 4-bit packed.
type Parameter = nn.Parameter

// NewParameter creates a full-precision parameter.
func NewParameter(name string, data *tensor.RawTensor) *Parameter {
	return nn.NewParameter(name, data)
}

// Linear is a fully connected layer.
type Linear = nn.Linear

// NewLinear creates a linear layer with uniform Xavier initialization drawn
// from rng.
func NewLinear(inFeatures, outFeatures int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*Linear, error) {
	return nn.NewLinear(inFeatures, outFeatures, rng, dtype, device)
}

// LayerNorm normalizes the last dimension with a learned affine transform.
type LayerNorm = nn.LayerNorm

// NewLayerNorm creates a LayerNorm over dim features.
func NewLayerNorm(dim int, dtype tensor.DataType, device tensor.Device) (*LayerNorm, error) {
	return nn.NewLayerNorm(dim, dtype, device)
}

// Attention is multi-head self-attention.
type Attention = nn.Attention

// TransformerBlock is a pre-norm transformer layer.
type TransformerBlock = nn.TransformerBlock

// NewTransformerBlock creates a block with the given head layout.
func NewTransformerBlock(numHeads, headDim int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*TransformerBlock, error) {
	return nn.NewTransformerBlock(numHeads, headDim, rng, dtype, device)
}
