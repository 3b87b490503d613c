package tensor

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Float32s decodes the tensor's values to float32 regardless of storage type.
// The result is always a fresh slice.
func (r *RawTensor) Float32s() []float32 {
	n := r.NumElements()
	out := make([]float32, n)

	switch r.dtype {
	case Float32:
		copy(out, r.AsFloat32())
	case Float16:
		codes := r.AsUint16()
		for i, c := range codes {
			out[i] = float16.Frombits(c).Float32()
		}
	case BFloat16:
		copy(out, bfloat16.DecodeFloat32(r.data))
	case Uint8:
		for i, v := range r.data {
			out[i] = float32(v)
		}
	case Int32:
		for i, v := range r.AsInt32() {
			out[i] = float32(v)
		}
	default:
		panic(fmt.Sprintf("Float32s: unsupported dtype %s", r.dtype))
	}
	return out
}

// SetFloat32s encodes the given float32 values into the tensor's storage
// type, replacing its content. The length must match the element count.
func (r *RawTensor) SetFloat32s(values []float32) error {
	if len(values) != r.NumElements() {
		return fmt.Errorf("value count %d does not match tensor with %d elements", len(values), r.NumElements())
	}

	switch r.dtype {
	case Float32:
		copy(r.AsFloat32(), values)
	case Float16:
		codes := r.AsUint16()
		for i, v := range values {
			codes[i] = float16.Fromfloat32(v).Bits()
		}
	case BFloat16:
		copy(r.data, bfloat16.EncodeFloat32(values))
	default:
		return fmt.Errorf("SetFloat32s: unsupported dtype %s", r.dtype)
	}
	return nil
}

// ConvertDType returns a new tensor with the same logical values encoded in
// the target floating-point type. Converting between 16-bit types rounds
// through float32, matching the usual accelerator semantics.
func (r *RawTensor) ConvertDType(dtype DataType) (*RawTensor, error) {
	if !r.dtype.IsFloat() || !dtype.IsFloat() {
		return nil, fmt.Errorf("ConvertDType: cannot convert %s to %s", r.dtype, dtype)
	}
	if dtype == r.dtype {
		return r.Clone(), nil
	}

	out, err := NewRaw(r.shape, dtype, r.device)
	if err != nil {
		return nil, err
	}
	if err := out.SetFloat32s(r.Float32s()); err != nil {
		return nil, err
	}
	return out, nil
}

// RoundTrip returns values rounded through the given storage type. It is
// used to emulate compute-dtype arithmetic: dequantized weights pass through
// the configured compute precision before entering float32 kernels.
func RoundTrip(values []float32, dtype DataType) []float32 {
	out := make([]float32, len(values))
	switch dtype {
	case Float32:
		copy(out, values)
	case Float16:
		for i, v := range values {
			out[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range values {
			out[i] = bfloat16.ToFloat32(bfloat16.FromFloat32(v))
		}
	default:
		panic(fmt.Sprintf("RoundTrip: unsupported dtype %s", dtype))
	}
	return out
}
