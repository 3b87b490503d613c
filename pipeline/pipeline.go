// Copyright 2025 Nibble ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline provides the public API for seeded diffusion sampling.
//
// Example:
//
//	p := pipeline.New(m)
//	p.EnableModelCPUOffload()
//	image, _ := p.Generate(pipeline.GenerateOptions{Prompt: "a red cube", Seed: 7})
package pipeline

import (
	"github.com/nibble-ml/nibble/internal/model"
	"github.com/nibble-ml/nibble/internal/pipeline"
)

// Pipeline wraps a denoising transformer with a sampler and a prompt
// encoder.
type Pipeline = pipeline.Pipeline

// GenerateOptions controls a sampling run.
type GenerateOptions = pipeline.GenerateOptions

// New creates a pipeline around a loaded transformer.
func New(m *model.Transformer2D) *Pipeline {
	return pipeline.New(m)
}
