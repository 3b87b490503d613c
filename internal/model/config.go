// Package model implements the diffusion transformer: configuration,
// construction, quantization, precision transitions and persistence.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// ClassName identifies the architecture in persisted configs.
const ClassName = "Transformer2DModel"

// Config describes a Transformer2D architecture. It round-trips through
// config.json in a model directory.
//
// Quantization carries the active quantization scheme, if any. The dtype the
// weights had before quantization is tracked in memory only: it is stripped
// from the persisted form and re-attached on load from the quantization
// state stored with the weights.
type Config struct {
	InChannels          int
	NumLayers           int
	NumAttentionHeads   int
	AttentionHeadDim    int
	CrossAttentionDim   int
	PooledProjectionDim int
	SampleSize          int

	// KeepInFP32Modules lists module name prefixes whose weights are
	// exempt from quantization and keep full-precision storage.
	KeepInFP32Modules []string

	Quantization *quant.Config

	// PreQuantizationDType is the weight dtype prior to quantization.
	// Transient: never persisted, rebuilt on load.
	PreQuantizationDType    tensor.DataType
	HasPreQuantizationDType bool
}

// HiddenDim returns the transformer width.
func (c *Config) HiddenDim() int {
	return c.NumAttentionHeads * c.AttentionHeadDim
}

// Validate checks that the architecture is well-formed.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"in_channels", c.InChannels},
		{"num_layers", c.NumLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"attention_head_dim", c.AttentionHeadDim},
		{"cross_attention_dim", c.CrossAttentionDim},
		{"pooled_projection_dim", c.PooledProjectionDim},
		{"sample_size", c.SampleSize},
	}
	for _, ch := range checks {
		if ch.value <= 0 {
			return &ConfigError{Reason: fmt.Sprintf("field %q must be positive, got %d", ch.name, ch.value)}
		}
	}
	if c.HiddenDim()%2 != 0 {
		return &ConfigError{Reason: "hidden dimension must be even for sinusoidal time embeddings"}
	}
	return nil
}

// KeepsInFP32 reports whether the named parameter belongs to a module listed
// in KeepInFP32Modules. Entries match a whole module path segment, so
// "norm_out" exempts "norm_out.weight" but not "norm_out_extra.weight".
func (c *Config) KeepsInFP32(name string) bool {
	for _, mod := range c.KeepInFP32Modules {
		if name == mod || strings.HasPrefix(name, mod+".") {
			return true
		}
	}
	return false
}

// QuantizationDict returns the in-memory dictionary form of the quantization
// config, including the transient _pre_quantization_dtype entry when known.
// Returns nil for a full-precision model.
func (c *Config) QuantizationDict() map[string]any {
	if c.Quantization == nil {
		return nil
	}
	d := c.Quantization.ToDict()
	if c.HasPreQuantizationDType {
		d["_pre_quantization_dtype"] = c.PreQuantizationDType.String()
	}
	return d
}

// configJSON is the persisted layout of Config.
type configJSON struct {
	ClassName           string         `json:"_class_name"`
	InChannels          int            `json:"in_channels"`
	NumLayers           int            `json:"num_layers"`
	NumAttentionHeads   int            `json:"num_attention_heads"`
	AttentionHeadDim    int            `json:"attention_head_dim"`
	CrossAttentionDim   int            `json:"cross_attention_dim"`
	PooledProjectionDim int            `json:"pooled_projection_dim"`
	SampleSize          int            `json:"sample_size"`
	KeepInFP32Modules   []string       `json:"keep_in_fp32_modules,omitempty"`
	QuantizationConfig  map[string]any `json:"quantization_config,omitempty"`
}

// MarshalJSON writes the persisted form. The quantization entry never
// includes _pre_quantization_dtype.
func (c *Config) MarshalJSON() ([]byte, error) {
	out := configJSON{
		ClassName:           ClassName,
		InChannels:          c.InChannels,
		NumLayers:           c.NumLayers,
		NumAttentionHeads:   c.NumAttentionHeads,
		AttentionHeadDim:    c.AttentionHeadDim,
		CrossAttentionDim:   c.CrossAttentionDim,
		PooledProjectionDim: c.PooledProjectionDim,
		SampleSize:          c.SampleSize,
		KeepInFP32Modules:   c.KeepInFP32Modules,
	}
	if c.Quantization != nil {
		out.QuantizationConfig = c.Quantization.ToDict()
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the persisted form, validating the quantization entry
// eagerly.
func (c *Config) UnmarshalJSON(data []byte) error {
	var in configJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.ClassName != "" && in.ClassName != ClassName {
		return &ConfigError{Reason: fmt.Sprintf("unexpected _class_name %q", in.ClassName)}
	}

	c.InChannels = in.InChannels
	c.NumLayers = in.NumLayers
	c.NumAttentionHeads = in.NumAttentionHeads
	c.AttentionHeadDim = in.AttentionHeadDim
	c.CrossAttentionDim = in.CrossAttentionDim
	c.PooledProjectionDim = in.PooledProjectionDim
	c.SampleSize = in.SampleSize
	c.KeepInFP32Modules = in.KeepInFP32Modules
	c.Quantization = nil
	c.HasPreQuantizationDType = false

	if in.QuantizationConfig != nil {
		qc, err := quant.FromDict(in.QuantizationConfig)
		if err != nil {
			return err
		}
		c.Quantization = qc
	}
	return nil
}
