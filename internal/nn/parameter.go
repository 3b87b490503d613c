// Package nn implements the neural-network building blocks used by the
// diffusion transformer: parameters (full-precision or 4-bit packed),
// linear layers, normalization, attention and transformer blocks.
package nn

import (
	"fmt"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// Parameter is a named model weight. Exactly one of Data or Quant is set:
// Data for full-precision storage, Quant for packed 4-bit storage.
type Parameter struct {
	Name  string
	Data  *tensor.RawTensor
	Quant *quant.Params4Bit
}

// NewParameter creates a full-precision parameter.
func NewParameter(name string, data *tensor.RawTensor) *Parameter {
	return &Parameter{Name: name, Data: data}
}

// IsQuantized reports whether the parameter holds packed 4-bit storage.
func (p *Parameter) IsQuantized() bool {
	return p.Quant != nil
}

// Shape returns the storage shape: the logical shape for full-precision
// parameters, the packed container shape for quantized ones.
func (p *Parameter) Shape() tensor.Shape {
	if p.Quant != nil {
		return p.Quant.Packed.Shape()
	}
	return p.Data.Shape()
}

// LogicalShape returns the shape of the values the parameter represents,
// independent of packing.
func (p *Parameter) LogicalShape() tensor.Shape {
	if p.Quant != nil {
		return p.Quant.State.Shape
	}
	return p.Data.Shape()
}

// DType returns the storage dtype. Packed 4-bit parameters report their
// container type (uint8 unless a different quant_storage was selected).
func (p *Parameter) DType() tensor.DataType {
	if p.Quant != nil {
		return p.Quant.Packed.DType()
	}
	return p.Data.DType()
}

// Device returns the device owning the parameter's storage.
func (p *Parameter) Device() tensor.Device {
	if p.Quant != nil {
		return p.Quant.Packed.Device()
	}
	return p.Data.Device()
}

// NumElements returns the logical element count (pre-packing).
func (p *Parameter) NumElements() int {
	return p.LogicalShape().NumElements()
}

// ByteSize returns the bytes of parameter storage. Quantization-state
// tensors are metadata, not parameter storage, and are excluded; this
// matches how model memory footprints are reported.
func (p *Parameter) ByteSize() int {
	if p.Quant != nil {
		return p.Quant.Packed.ByteSize()
	}
	return p.Data.ByteSize()
}

// Float32s returns the parameter's logical values, dequantizing if packed.
func (p *Parameter) Float32s() []float32 {
	if p.Quant != nil {
		return p.Quant.DequantizeFloat32()
	}
	return p.Data.Float32s()
}

// ToDevice relocates the parameter's storage, byte-for-byte.
func (p *Parameter) ToDevice(device tensor.Device) {
	if p.Quant != nil {
		p.Quant = p.Quant.ToDevice(device)
		return
	}
	p.Data = p.Data.ToDevice(device)
}

// ConvertDType re-encodes a full-precision parameter in a new float dtype.
// Quantized parameters cannot be converted; callers enforce that rule and
// surface the contract error before reaching this point.
func (p *Parameter) ConvertDType(dtype tensor.DataType) error {
	if p.Quant != nil {
		return fmt.Errorf("parameter %s is quantized and cannot be cast", p.Name)
	}
	converted, err := p.Data.ConvertDType(dtype)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", p.Name, err)
	}
	p.Data = converted
	return nil
}

// Equal reports exact equivalence: same storage shape, dtype, device type
// and byte content; for quantized parameters the quantization state must
// match exactly as well.
func (p *Parameter) Equal(other *Parameter) bool {
	if other == nil || p.IsQuantized() != other.IsQuantized() {
		return false
	}
	if p.Quant != nil {
		return p.Quant.Equal(other.Quant)
	}
	return p.Data.Equal(other.Data)
}
