package quant

import (
	"fmt"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// State holds the metadata required to reconstruct full-precision values
// from a packed 4-bit buffer: blockwise absmax statistics, the codebook, the
// logical shape and the original (pre-quantization) dtype.
//
// When Nested is set (double quantization), AbsMax itself is stored
// quantized to 8 bits and NestedAbsMax/Offset recover it.
type State struct {
	AbsMax    *tensor.RawTensor // float32 [nblocks], or uint8 [nblocks] when Nested
	Code      *tensor.RawTensor // float32 [16] dequantization table
	BlockSize int
	QuantType string
	Shape     tensor.Shape    // logical tensor shape the packed buffer represents
	DType     tensor.DataType // original numeric precision

	Nested          bool
	NestedAbsMax    *tensor.RawTensor // float32, nil unless Nested
	NestedBlockSize int
	Offset          float32 // mean of the original absmax, subtracted before nesting
}

// AsDict returns the state as a flat dictionary of scalar- and tensor-valued
// entries, suitable for serialization and for field-by-field comparison.
func (s *State) AsDict() map[string]any {
	d := map[string]any{
		"quant_type": s.QuantType,
		"blocksize":  s.BlockSize,
		"shape":      []int(s.Shape),
		"dtype":      s.DType.String(),
		"absmax":     s.AbsMax,
		"quant_map":  s.Code,
		"nested":     s.Nested,
	}
	if s.Nested {
		d["nested_absmax"] = s.NestedAbsMax
		d["nested_blocksize"] = s.NestedBlockSize
		d["offset"] = s.Offset
	}
	return d
}

// Equal reports exact equality of every scalar and tensor field.
func (s *State) Equal(other *State) bool {
	if other == nil {
		return false
	}
	if s.QuantType != other.QuantType ||
		s.BlockSize != other.BlockSize ||
		s.DType != other.DType ||
		s.Nested != other.Nested ||
		!s.Shape.Equal(other.Shape) {
		return false
	}
	if !s.AbsMax.Equal(other.AbsMax) || !s.Code.Equal(other.Code) {
		return false
	}
	if s.Nested {
		if s.NestedBlockSize != other.NestedBlockSize || s.Offset != other.Offset {
			return false
		}
		if !s.NestedAbsMax.Equal(other.NestedAbsMax) {
			return false
		}
	}
	return true
}

// AbsMaxValues returns the per-block absmax scales as float32, reversing the
// nested quantization pass when present.
func (s *State) AbsMaxValues() []float32 {
	if !s.Nested {
		return s.AbsMax.Float32s()
	}
	return dequantizeAbsMax(s.AbsMax.AsUint8(), s.NestedAbsMax.Float32s(), s.NestedBlockSize, s.Offset)
}

// toDevice moves every tensor field to the given device, byte-for-byte.
func (s *State) toDevice(device tensor.Device) *State {
	moved := *s
	moved.AbsMax = s.AbsMax.ToDevice(device)
	moved.Code = s.Code.ToDevice(device)
	if s.NestedAbsMax != nil {
		moved.NestedAbsMax = s.NestedAbsMax.ToDevice(device)
	}
	return &moved
}

func (s *State) validate() error {
	if s.AbsMax == nil || s.Code == nil {
		return fmt.Errorf("quant state missing absmax or quant_map")
	}
	if s.Nested && s.NestedAbsMax == nil {
		return fmt.Errorf("nested quant state missing nested_absmax")
	}
	if s.BlockSize <= 0 {
		return fmt.Errorf("quant state has invalid blocksize %d", s.BlockSize)
	}
	return nil
}
