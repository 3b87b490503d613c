// Package pipeline runs seeded diffusion sampling on top of a Transformer2D,
// with optional CPU offload of the model between denoising calls.
package pipeline

import (
	"fmt"
	"math/rand"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/nibble-ml/nibble/internal/model"
	"github.com/nibble-ml/nibble/internal/nn"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// promptEncoding is the BPE vocabulary used for the text path.
const promptEncoding = "cl100k_base"

// Pipeline wraps a denoising transformer with a sampler and a prompt
// encoder.
type Pipeline struct {
	Transformer *model.Transformer2D

	computeDevice tensor.Device
	offload       bool

	encoder *tiktoken.Tiktoken
}

// New creates a pipeline around a loaded transformer. Sampling runs on the
// model's current device unless offload is enabled.
func New(m *model.Transformer2D) *Pipeline {
	return &Pipeline{
		Transformer:   m,
		computeDevice: m.Device(),
	}
}

// EnableModelCPUOffload parks the transformer on the CPU and moves it to the
// compute device only for the duration of each sampling run. Moves are
// byte-exact, so offloading never changes results or footprint.
func (p *Pipeline) EnableModelCPUOffload() {
	p.offload = true
	p.Transformer.To(tensor.CPU)
	log.Debug().Str("compute_device", p.computeDevice.String()).Msg("model CPU offload enabled")
}

// GenerateOptions controls a sampling run.
type GenerateOptions struct {
	// Prompt is encoded with the BPE tokenizer when PromptEmbeds is nil.
	Prompt string

	// PromptEmbeds and PooledEmbeds bypass the text encoder. PromptEmbeds
	// is [encSeq, cross_attention_dim] flattened, PooledEmbeds is
	// [pooled_projection_dim].
	PromptEmbeds []float32
	PooledEmbeds []float32

	Steps int
	Seed  int64

	// Seq is the number of image tokens; defaults to sample_size squared.
	Seq int
}

// Generate runs the Euler sampling loop and returns image values in [0, 1],
// shaped [seq, in_channels] flattened. Identical options against identical
// weights produce identical bytes.
func (p *Pipeline) Generate(opts GenerateOptions) ([]float32, error) {
	cfg := p.Transformer.Config
	if opts.Steps <= 0 {
		opts.Steps = 4
	}
	seq := opts.Seq
	if seq <= 0 {
		seq = cfg.SampleSize * cfg.SampleSize
	}

	promptEmbeds := opts.PromptEmbeds
	pooledEmbeds := opts.PooledEmbeds
	if promptEmbeds == nil {
		var err error
		promptEmbeds, pooledEmbeds, err = p.EncodePrompt(opts.Prompt)
		if err != nil {
			return nil, err
		}
	}
	if len(promptEmbeds)%cfg.CrossAttentionDim != 0 {
		return nil, fmt.Errorf("prompt embeds have %d values, not a multiple of %d",
			len(promptEmbeds), cfg.CrossAttentionDim)
	}
	if len(pooledEmbeds) != cfg.PooledProjectionDim {
		return nil, fmt.Errorf("pooled embeds have %d values, want %d",
			len(pooledEmbeds), cfg.PooledProjectionDim)
	}
	encSeq := len(promptEmbeds) / cfg.CrossAttentionDim

	if p.offload {
		p.Transformer.To(p.computeDevice)
		defer p.Transformer.To(tensor.CPU)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	latents := make([]float32, seq*cfg.InChannels)
	for i := range latents {
		latents[i] = float32(rng.NormFloat64())
	}

	// Linear sigma schedule from 1 to 0; each step integrates the predicted
	// velocity with a single Euler update.
	for step := 0; step < opts.Steps; step++ {
		sigma := 1 - float32(step)/float32(opts.Steps)
		sigmaNext := 1 - float32(step+1)/float32(opts.Steps)
		timestep := sigma * 1000

		velocity, err := p.Transformer.Forward(latents, 1, seq, promptEmbeds, encSeq, pooledEmbeds, timestep)
		if err != nil {
			return nil, fmt.Errorf("denoising step %d: %w", step, err)
		}
		for i := range latents {
			latents[i] += (sigmaNext - sigma) * velocity[i]
		}
	}

	image := make([]float32, len(latents))
	for i, v := range latents {
		x := (v + 1) / 2
		if x < 0 {
			x = 0
		} else if x > 1 {
			x = 1
		}
		image[i] = x
	}
	return image, nil
}

// EncodePrompt tokenizes the prompt and produces deterministic sinusoidal
// embeddings for each token, plus a mean-pooled conditioning vector.
func (p *Pipeline) EncodePrompt(prompt string) (promptEmbeds, pooledEmbeds []float32, err error) {
	if p.encoder == nil {
		p.encoder, err = tiktoken.GetEncoding(promptEncoding)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s encoding: %w", promptEncoding, err)
		}
	}

	tokens := p.encoder.Encode(prompt, nil, nil)
	if len(tokens) == 0 {
		tokens = []int{0}
	}

	cfg := p.Transformer.Config
	promptEmbeds = make([]float32, 0, len(tokens)*cfg.CrossAttentionDim)
	for _, tok := range tokens {
		promptEmbeds = append(promptEmbeds, nn.TimestepEmbedding(float32(tok), cfg.CrossAttentionDim)...)
	}

	pooledEmbeds = make([]float32, cfg.PooledProjectionDim)
	for t := 0; t < len(tokens); t++ {
		emb := nn.TimestepEmbedding(float32(tokens[t]), cfg.PooledProjectionDim)
		for j := range pooledEmbeds {
			pooledEmbeds[j] += emb[j]
		}
	}
	inv := float32(1.0 / float64(len(tokens)))
	for j := range pooledEmbeds {
		pooledEmbeds[j] *= inv
	}
	return promptEmbeds, pooledEmbeds, nil
}
