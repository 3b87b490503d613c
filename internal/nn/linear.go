package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// Linear implements a fully connected layer: y = x @ W.T + b.
//
// The weight may be held full-precision or as a packed 4-bit parameter.
// When quantized, the forward pass dequantizes the weight and rounds it
// through ComputeDType before the float32 matmul, emulating mixed-precision
// compute.
type Linear struct {
	InFeatures  int
	OutFeatures int
	Weight      *Parameter // [out_features, in_features] (logical)
	Bias        *Parameter // [out_features], may be nil
	// ComputeDType is the precision for dequantized arithmetic. Only
	// consulted while the weight is quantized.
	ComputeDType tensor.DataType
}

// NewLinear creates a Linear layer with uniform Xavier initialization drawn
// from rng, stored in the given dtype on the given device.
func NewLinear(inFeatures, outFeatures int, rng *rand.Rand, dtype tensor.DataType, device tensor.Device) (*Linear, error) {
	limit := float32(math.Sqrt(6.0 / float64(inFeatures+outFeatures)))
	values := make([]float32, outFeatures*inFeatures)
	for i := range values {
		values[i] = (rng.Float32()*2 - 1) * limit
	}

	weight, err := tensor.NewRaw(tensor.Shape{outFeatures, inFeatures}, dtype, device)
	if err != nil {
		return nil, err
	}
	if err := weight.SetFloat32s(values); err != nil {
		return nil, err
	}

	bias, err := tensor.NewRaw(tensor.Shape{outFeatures}, dtype, device)
	if err != nil {
		return nil, err
	}

	return &Linear{
		InFeatures:   inFeatures,
		OutFeatures:  outFeatures,
		Weight:       NewParameter("weight", weight),
		Bias:         NewParameter("bias", bias),
		ComputeDType: tensor.Float32,
	}, nil
}

// Forward applies the layer to rows input rows of length InFeatures.
func (l *Linear) Forward(x []float32, rows int) []float32 {
	w := l.weightValues()
	y := matmulT(x, w, rows, l.InFeatures, l.OutFeatures)
	if l.Bias != nil {
		addBias(y, l.Bias.Float32s(), rows, l.OutFeatures)
	}
	return y
}

// weightValues returns the weight as float32, dequantizing and applying the
// compute-dtype rounding when the weight is packed.
func (l *Linear) weightValues() []float32 {
	if !l.Weight.IsQuantized() {
		return l.Weight.Float32s()
	}
	values := l.Weight.Quant.DequantizeFloat32()
	if l.ComputeDType != tensor.Float32 {
		values = tensor.RoundTrip(values, l.ComputeDType)
	}
	return values
}

// Quantize replaces the full-precision weight with packed 4-bit storage.
// The bias, like all non-weight parameters, keeps its original precision.
func (l *Linear) Quantize(cfg *quant.Config) error {
	if l.Weight.IsQuantized() {
		return fmt.Errorf("weight %s is already quantized", l.Weight.Name)
	}
	params, err := quant.Quantize4Bit(l.Weight.Data, cfg)
	if err != nil {
		return err
	}
	l.Weight.Data = nil
	l.Weight.Quant = params
	l.ComputeDType = cfg.ComputeDType
	return nil
}

// Dequantize restores a full-precision weight from packed storage, in the
// original (pre-quantization) dtype.
func (l *Linear) Dequantize() error {
	if !l.Weight.IsQuantized() {
		return nil
	}
	data, err := l.Weight.Quant.Dequantize()
	if err != nil {
		return err
	}
	l.Weight.Quant = nil
	l.Weight.Data = data
	l.ComputeDType = tensor.Float32
	return nil
}
