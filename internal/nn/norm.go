package nn

import "github.com/nibble-ml/nibble/internal/tensor"

// DefaultLayerNormEps matches the transformer convention.
const DefaultLayerNormEps = 1e-6

// LayerNorm normalizes the last dimension with a learned affine transform.
type LayerNorm struct {
	Dim    int
	Weight *Parameter // [dim], initialized to ones
	Bias   *Parameter // [dim], initialized to zeros
	Eps    float32
}

// NewLayerNorm creates a LayerNorm over dim features.
func NewLayerNorm(dim int, dtype tensor.DataType, device tensor.Device) (*LayerNorm, error) {
	weight, err := tensor.NewRaw(tensor.Shape{dim}, dtype, device)
	if err != nil {
		return nil, err
	}
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}
	if err := weight.SetFloat32s(ones); err != nil {
		return nil, err
	}

	bias, err := tensor.NewRaw(tensor.Shape{dim}, dtype, device)
	if err != nil {
		return nil, err
	}

	return &LayerNorm{
		Dim:    dim,
		Weight: NewParameter("weight", weight),
		Bias:   NewParameter("bias", bias),
		Eps:    DefaultLayerNormEps,
	}, nil
}

// Forward normalizes rows input rows of length Dim.
func (n *LayerNorm) Forward(x []float32, rows int) []float32 {
	return layerNorm(x, n.Weight.Float32s(), n.Bias.Float32s(), rows, n.Dim, n.Eps)
}
