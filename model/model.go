// Copyright 2025 Nibble ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package model provides the public API for building, quantizing and
// persisting diffusion transformers.
//
// Example:
//
//	cfg := &model.Config{...}
//	m, _ := model.New(cfg, model.Options{DType: tensor.Float16})
//	_ = m.SavePretrained("ckpt", true)
//	loaded, _ := model.FromPretrained("ckpt", model.LoadOptions{})
package model

import (
	"github.com/nibble-ml/nibble/internal/model"
)

// Config describes a Transformer2D architecture.
type Config = model.Config

// Transformer2D is a joint-attention diffusion transformer.
type Transformer2D = model.Transformer2D

// Options controls model construction.
type Options = model.Options

// LoadOptions controls FromPretrained.
type LoadOptions = model.LoadOptions

// ConfigError describes an invalid or unreadable model configuration.
type ConfigError = model.ConfigError

// Sentinel errors.
var (
	ErrMissingConfig = model.ErrMissingConfig
	ErrWrongFormat   = model.ErrWrongFormat
	ErrDTypeLocked   = model.ErrDTypeLocked
)

// New builds a Transformer2D with deterministic seeded initialization.
func New(cfg *Config, opts Options) (*Transformer2D, error) {
	return model.New(cfg, opts)
}

// LoadConfig reads and validates a model directory's config.json.
func LoadConfig(dir string) (*Config, error) {
	return model.LoadConfig(dir)
}

// FromPretrained loads a model saved by SavePretrained.
func FromPretrained(dir string, opts LoadOptions) (*Transformer2D, error) {
	return model.FromPretrained(dir, opts)
}
