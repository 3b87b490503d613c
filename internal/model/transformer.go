package model

import (
	"fmt"
	"math/rand"

	"github.com/nibble-ml/nibble/internal/nn"
	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// TimeEmbedding projects a sinusoidal timestep embedding through two linear
// layers with a SiLU in between.
type TimeEmbedding struct {
	Linear1 *nn.Linear
	Linear2 *nn.Linear
}

// Transformer2D is a joint-attention diffusion transformer. Image tokens and
// text-conditioning tokens are projected to a shared width, concatenated and
// processed by a stack of transformer blocks.
type Transformer2D struct {
	Config *Config

	ProjIn            *nn.Linear
	CaptionProjection *nn.Linear
	PooledProjection  *nn.Linear
	TimeEmbed         *TimeEmbedding
	Blocks            []*nn.TransformerBlock
	NormOut           *nn.LayerNorm
	ProjOut           *nn.Linear

	dtype  tensor.DataType
	device tensor.Device
}

// Options controls model construction.
type Options struct {
	Seed   int64
	DType  tensor.DataType
	Device tensor.Device
}

// New builds a Transformer2D with deterministic seeded initialization.
func New(cfg *Config, opts Options) (*Transformer2D, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	dim := cfg.HiddenDim()
	dtype := opts.DType
	device := opts.Device

	m := &Transformer2D{Config: cfg, dtype: dtype, device: device}

	var err error
	if m.ProjIn, err = nn.NewLinear(cfg.InChannels, dim, rng, dtype, device); err != nil {
		return nil, err
	}
	if m.CaptionProjection, err = nn.NewLinear(cfg.CrossAttentionDim, dim, rng, dtype, device); err != nil {
		return nil, err
	}
	if m.PooledProjection, err = nn.NewLinear(cfg.PooledProjectionDim, dim, rng, dtype, device); err != nil {
		return nil, err
	}

	m.TimeEmbed = &TimeEmbedding{}
	if m.TimeEmbed.Linear1, err = nn.NewLinear(dim, dim, rng, dtype, device); err != nil {
		return nil, err
	}
	if m.TimeEmbed.Linear2, err = nn.NewLinear(dim, dim, rng, dtype, device); err != nil {
		return nil, err
	}

	m.Blocks = make([]*nn.TransformerBlock, cfg.NumLayers)
	for i := range m.Blocks {
		if m.Blocks[i], err = nn.NewTransformerBlock(cfg.NumAttentionHeads, cfg.AttentionHeadDim, rng, dtype, device); err != nil {
			return nil, err
		}
	}

	if m.NormOut, err = nn.NewLayerNorm(dim, dtype, device); err != nil {
		return nil, err
	}
	if m.ProjOut, err = nn.NewLinear(dim, cfg.InChannels, rng, dtype, device); err != nil {
		return nil, err
	}

	m.assignNames()

	if cfg.Quantization != nil {
		qc := cfg.Quantization
		cfg.Quantization = nil
		if err := m.Quantize(qc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// paramRef pairs a fully qualified parameter name with its storage and, for
// linear weights, the owning layer.
type paramRef struct {
	name   string
	param  *nn.Parameter
	linear *nn.Linear // set when param is this layer's weight
}

func (m *Transformer2D) paramRefs() []paramRef {
	var refs []paramRef
	addLinear := func(prefix string, l *nn.Linear) {
		refs = append(refs, paramRef{prefix + ".weight", l.Weight, l})
		if l.Bias != nil {
			refs = append(refs, paramRef{prefix + ".bias", l.Bias, nil})
		}
	}
	addNorm := func(prefix string, n *nn.LayerNorm) {
		refs = append(refs, paramRef{prefix + ".weight", n.Weight, nil})
		refs = append(refs, paramRef{prefix + ".bias", n.Bias, nil})
	}

	addLinear("proj_in", m.ProjIn)
	addLinear("caption_projection", m.CaptionProjection)
	addLinear("pooled_projection", m.PooledProjection)
	addLinear("time_embedding.linear_1", m.TimeEmbed.Linear1)
	addLinear("time_embedding.linear_2", m.TimeEmbed.Linear2)
	for i, blk := range m.Blocks {
		prefix := fmt.Sprintf("transformer_blocks.%d", i)
		addNorm(prefix+".norm1", blk.Norm1)
		addLinear(prefix+".attn.to_q", blk.Attn.ToQ)
		addLinear(prefix+".attn.to_k", blk.Attn.ToK)
		addLinear(prefix+".attn.to_v", blk.Attn.ToV)
		addLinear(prefix+".attn.to_out", blk.Attn.ToOut)
		addNorm(prefix+".norm2", blk.Norm2)
		addLinear(prefix+".ff.fc1", blk.FF.FC1)
		addLinear(prefix+".ff.fc2", blk.FF.FC2)
	}
	addNorm("norm_out", m.NormOut)
	addLinear("proj_out", m.ProjOut)
	return refs
}

func (m *Transformer2D) assignNames() {
	for _, ref := range m.paramRefs() {
		ref.param.Name = ref.name
	}
}

// NamedParameter is a parameter with its fully qualified name.
type NamedParameter struct {
	Name  string
	Param *nn.Parameter
}

// NamedParameters returns all parameters in a stable, deterministic order.
func (m *Transformer2D) NamedParameters() []NamedParameter {
	refs := m.paramRefs()
	out := make([]NamedParameter, len(refs))
	for i, ref := range refs {
		out[i] = NamedParameter{Name: ref.name, Param: ref.param}
	}
	return out
}

// NumParameters returns the total logical element count. Quantized
// parameters report the element count of the values they represent, not of
// their packed containers, so the count is invariant under quantization.
func (m *Transformer2D) NumParameters() int {
	total := 0
	for _, np := range m.NamedParameters() {
		total += np.Param.NumElements()
	}
	return total
}

// MemoryFootprint returns the bytes of parameter storage.
func (m *Transformer2D) MemoryFootprint() int64 {
	var total int64
	for _, np := range m.NamedParameters() {
		total += int64(np.Param.ByteSize())
	}
	return total
}

// DType returns the storage dtype of the non-quantized parameters.
func (m *Transformer2D) DType() tensor.DataType {
	return m.dtype
}

// Device returns the device owning the model's parameters.
func (m *Transformer2D) Device() tensor.Device {
	return m.device
}

// IsQuantized reports whether any parameter holds packed 4-bit storage.
func (m *Transformer2D) IsQuantized() bool {
	return m.Config.Quantization != nil
}

// To moves every parameter to the given device. The move is byte-exact:
// shapes, dtypes, packed buffers and quantization state are all preserved,
// so the memory footprint does not change.
func (m *Transformer2D) To(device tensor.Device) *Transformer2D {
	for _, ref := range m.paramRefs() {
		ref.param.ToDevice(device)
	}
	m.device = device
	return m
}

// ToDType re-encodes every full-precision parameter in the given dtype.
// Quantized models reject all dtype changes with ErrDTypeLocked.
func (m *Transformer2D) ToDType(dtype tensor.DataType) error {
	if m.IsQuantized() {
		return ErrDTypeLocked
	}
	if !dtype.IsFloat() {
		return fmt.Errorf("cannot cast model to non-float dtype %s", dtype)
	}
	for _, ref := range m.paramRefs() {
		if err := ref.param.ConvertDType(dtype); err != nil {
			return err
		}
	}
	m.dtype = dtype
	return nil
}

// ToDeviceAndDType moves and casts in one call. On a quantized model the
// combined form is rejected even when the requested dtype matches the
// current one: the caller asked for a cast, and casts are locked.
func (m *Transformer2D) ToDeviceAndDType(device tensor.Device, dtype tensor.DataType) error {
	if m.IsQuantized() {
		return ErrDTypeLocked
	}
	if err := m.ToDType(dtype); err != nil {
		return err
	}
	m.To(device)
	return nil
}

// Half casts the model to float16.
func (m *Transformer2D) Half() error {
	return m.ToDType(tensor.Float16)
}

// Float casts the model to float32.
func (m *Transformer2D) Float() error {
	return m.ToDType(tensor.Float32)
}

// Quantize packs every eligible linear weight to 4 bits under cfg. Biases,
// normalization parameters and modules listed in KeepInFP32Modules keep
// their precision. The pre-quantization dtype is recorded on the config for
// in-memory inspection.
func (m *Transformer2D) Quantize(cfg *quant.Config) error {
	if m.IsQuantized() {
		return fmt.Errorf("model is already quantized")
	}
	preDType := m.dtype
	for _, ref := range m.paramRefs() {
		if ref.linear == nil || m.Config.KeepsInFP32(ref.name) {
			continue
		}
		if err := ref.linear.Quantize(cfg); err != nil {
			return fmt.Errorf("quantizing %s: %w", ref.name, err)
		}
	}
	m.Config.Quantization = cfg
	m.Config.PreQuantizationDType = preDType
	m.Config.HasPreQuantizationDType = true
	return nil
}

// Dequantize restores every packed weight to its original precision and
// clears the quantization config.
func (m *Transformer2D) Dequantize() error {
	for _, ref := range m.paramRefs() {
		if ref.linear == nil {
			continue
		}
		if err := ref.linear.Dequantize(); err != nil {
			return fmt.Errorf("dequantizing %s: %w", ref.name, err)
		}
	}
	m.Config.Quantization = nil
	m.Config.HasPreQuantizationDType = false
	return nil
}

// Forward denoises hidden ([batch, seq, in_channels]) conditioned on encoder
// states ([batch, encSeq, cross_attention_dim]), a pooled projection
// ([batch, pooled_projection_dim]) and a scalar timestep. The output has the
// input's shape. Computation is pure float32 with a fixed evaluation order,
// so results are bit-reproducible for identical weights.
func (m *Transformer2D) Forward(hidden []float32, batch, seq int, encoder []float32, encSeq int, pooled []float32, timestep float32) ([]float32, error) {
	cfg := m.Config
	dim := cfg.HiddenDim()

	if len(hidden) != batch*seq*cfg.InChannels {
		return nil, fmt.Errorf("hidden states have %d values, want %d", len(hidden), batch*seq*cfg.InChannels)
	}
	if len(encoder) != batch*encSeq*cfg.CrossAttentionDim {
		return nil, fmt.Errorf("encoder states have %d values, want %d", len(encoder), batch*encSeq*cfg.CrossAttentionDim)
	}
	if len(pooled) != batch*cfg.PooledProjectionDim {
		return nil, fmt.Errorf("pooled projection has %d values, want %d", len(pooled), batch*cfg.PooledProjectionDim)
	}

	h := m.ProjIn.Forward(hidden, batch*seq)
	ctx := m.CaptionProjection.Forward(encoder, batch*encSeq)

	temb := m.timeEmbedding(timestep)
	pooledEmb := m.PooledProjection.Forward(pooled, batch)

	// One conditioning vector per batch element, added to every token.
	joint := make([]float32, batch*(encSeq+seq)*dim)
	for b := 0; b < batch; b++ {
		cond := make([]float32, dim)
		for j := 0; j < dim; j++ {
			cond[j] = temb[j] + pooledEmb[b*dim+j]
		}
		dst := joint[b*(encSeq+seq)*dim:]
		for t := 0; t < encSeq; t++ {
			src := ctx[(b*encSeq+t)*dim : (b*encSeq+t+1)*dim]
			for j := 0; j < dim; j++ {
				dst[t*dim+j] = src[j] + cond[j]
			}
		}
		for t := 0; t < seq; t++ {
			src := h[(b*seq+t)*dim : (b*seq+t+1)*dim]
			for j := 0; j < dim; j++ {
				dst[(encSeq+t)*dim+j] = src[j] + cond[j]
			}
		}
	}

	var err error
	for _, blk := range m.Blocks {
		if joint, err = blk.Forward(joint, batch, encSeq+seq); err != nil {
			return nil, err
		}
	}

	// Keep only the image tokens for the output projection.
	imgTokens := make([]float32, batch*seq*dim)
	for b := 0; b < batch; b++ {
		src := joint[(b*(encSeq+seq)+encSeq)*dim : (b*(encSeq+seq)+encSeq+seq)*dim]
		copy(imgTokens[b*seq*dim:], src)
	}

	out := m.NormOut.Forward(imgTokens, batch*seq)
	return m.ProjOut.Forward(out, batch*seq), nil
}

func (m *Transformer2D) timeEmbedding(t float32) []float32 {
	dim := m.Config.HiddenDim()
	emb := nn.TimestepEmbedding(t, dim)
	h := m.TimeEmbed.Linear1.Forward(emb, 1)
	h = nn.SiLU(h)
	return m.TimeEmbed.Linear2.Forward(h, 1)
}
