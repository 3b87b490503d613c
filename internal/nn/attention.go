package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// Attention is multi-head self-attention over a [batch, seq, dim] sequence.
type Attention struct {
	NumHeads int
	HeadDim  int
	Dim      int

	ToQ   *Linear
	ToK   *Linear
	ToV   *Linear
	ToOut *Linear
}

// NewAttention creates an attention module with numHeads heads of headDim
// each, projecting from and back to dim = numHeads*headDim.
func NewAttention(numHeads, headDim int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*Attention, error) {
	dim := numHeads * headDim

	toQ, err := NewLinear(dim, dim, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	toK, err := NewLinear(dim, dim, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	toV, err := NewLinear(dim, dim, rng, dtype, device)
	if err != nil {
		return nil, err
	}
	toOut, err := NewLinear(dim, dim, rng, dtype, device)
	if err != nil {
		return nil, err
	}

	return &Attention{
		NumHeads: numHeads,
		HeadDim:  headDim,
		Dim:      dim,
		ToQ:      toQ,
		ToK:      toK,
		ToV:      toV,
		ToOut:    toOut,
	}, nil
}

// Forward runs scaled dot-product attention over x ([batch, seq, dim],
// flattened row-major) and returns a slice of the same length.
func (a *Attention) Forward(x []float32, batch, seq int) ([]float32, error) {
	if len(x) != batch*seq*a.Dim {
		return nil, fmt.Errorf("attention input has %d values, want %d", len(x), batch*seq*a.Dim)
	}

	rows := batch * seq
	q := a.ToQ.Forward(x, rows)
	k := a.ToK.Forward(x, rows)
	v := a.ToV.Forward(x, rows)

	scale := float32(1.0 / math.Sqrt(float64(a.HeadDim)))
	out := make([]float32, rows*a.Dim)

	for b := 0; b < batch; b++ {
		base := b * seq * a.Dim
		for h := 0; h < a.NumHeads; h++ {
			hoff := h * a.HeadDim

			// scores[i*seq+j] = (q_i . k_j) * scale for this head
			scores := make([]float32, seq*seq)
			for i := 0; i < seq; i++ {
				qi := q[base+i*a.Dim+hoff : base+i*a.Dim+hoff+a.HeadDim]
				for j := 0; j < seq; j++ {
					kj := k[base+j*a.Dim+hoff : base+j*a.Dim+hoff+a.HeadDim]
					var dot float32
					for l := 0; l < a.HeadDim; l++ {
						dot += qi[l] * kj[l]
					}
					scores[i*seq+j] = dot * scale
				}
			}
			softmaxRows(scores, seq, seq)

			for i := 0; i < seq; i++ {
				oi := out[base+i*a.Dim+hoff : base+i*a.Dim+hoff+a.HeadDim]
				for j := 0; j < seq; j++ {
					w := scores[i*seq+j]
					vj := v[base+j*a.Dim+hoff : base+j*a.Dim+hoff+a.HeadDim]
					for l := 0; l < a.HeadDim; l++ {
						oi[l] += w * vj[l]
					}
				}
			}
		}
	}

	return a.ToOut.Forward(out, rows), nil
}
