package nn

import (
	"math/rand"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// FeedForward is the two-layer MLP used inside a transformer block, with a
// GELU (tanh approximation) between the projections.
type FeedForward struct {
	FC1 *Linear
	FC2 *Linear
}

// NewFeedForward creates an MLP expanding dim to hidden and back.
func NewFeedForward(dim, hidden int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*FeedForward, error) {
	fc1, err := NewLinear(dim, hidden, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear(hidden, dim, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	return &FeedForward{FC1: fc1, FC2: fc2}, nil
}

// Forward applies the MLP to rows input rows.
func (f *FeedForward) Forward(x []float32, rows int) []float32 {
	h := geluTanh(f.FC1.Forward(x, rows))
	return f.FC2.Forward(h, rows)
}

// TransformerBlock is a pre-norm transformer layer:
// x + attn(norm1(x)), then x + ff(norm2(x)).
type TransformerBlock struct {
	Norm1 *LayerNorm
	Attn  *Attention
	Norm2 *LayerNorm
	FF    *FeedForward
}

// NewTransformerBlock creates a block over dim features with the given head
// layout and a feed-forward expansion factor of 4.
func NewTransformerBlock(numHeads, headDim int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*TransformerBlock, error) {
	dim := numHeads * headDim

	norm1, err := NewLayerNorm(dim, dtype, device)
	if err != nil {
		return nil, err
	}
	attn, err := NewAttention(numHeads, headDim, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	norm2, err := NewLayerNorm(dim, dtype, device)
	if err != nil {
		return nil, err
	}
	ff, err := NewFeedForward(dim, dim*4, rng, dtype, device)
	if err != nil {
		return nil, err
	}

	return &TransformerBlock{Norm1: norm1, Attn: attn, Norm2: norm2, FF: ff}, nil
}

// Forward applies the block to x ([batch, seq, dim], flattened row-major).
func (b *TransformerBlock) Forward(x []float32, batch, seq int) ([]float32, error) {
	rows := batch * seq

	attnOut, err := b.Attn.Forward(b.Norm1.Forward(x, rows), batch, seq)
	if err != nil {
		return nil, err
	}
	h := make([]float32, len(x))
	for i := range h {
		h[i] = x[i] + attnOut[i]
	}

	ffOut := b.FF.Forward(b.Norm2.Forward(h, rows), rows)
	out := make([]float32, len(h))
	for i := range out {
		out[i] = h[i] + ffOut[i]
	}
	return out, nil
}
