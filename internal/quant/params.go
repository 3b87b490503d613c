package quant

import (
	"fmt"
	"math"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// Params4Bit is a quantized parameter: an opaque packed buffer holding two
// 4-bit codes per byte, plus the State needed to reverse the packing.
type Params4Bit struct {
	Packed *tensor.RawTensor // container dtype per Config.QuantStorage, uint8 by default
	State  *State
}

// Quantize4Bit converts a full-precision weight tensor into packed 4-bit
// form under the given config. The original shape and dtype are recorded in
// the State so the parameter remains observably equivalent to its source.
func Quantize4Bit(w *tensor.RawTensor, cfg *Config) (*Params4Bit, error) {
	if !w.DType().IsFloat() {
		return nil, fmt.Errorf("cannot quantize %s tensor: only floating-point weights are eligible", w.DType())
	}

	values := w.Float32s()
	code := Codebook(cfg.QuantType)
	n := len(values)
	nblocks := (n + DefaultBlockSize - 1) / DefaultBlockSize

	absmax := make([]float32, nblocks)
	packed := make([]uint8, (n+1)/2)

	for b := 0; b < nblocks; b++ {
		start := b * DefaultBlockSize
		end := start + DefaultBlockSize
		if end > n {
			end = n
		}

		var amax float32
		for _, v := range values[start:end] {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		absmax[b] = amax

		for i := start; i < end; i++ {
			norm := float32(0)
			if amax != 0 {
				norm = values[i] / amax
			}
			idx := nearestCode(code, norm)
			// First element of each pair lands in the high nibble.
			if i%2 == 0 {
				packed[i/2] |= idx << 4
			} else {
				packed[i/2] |= idx
			}
		}
	}

	state := &State{
		BlockSize: DefaultBlockSize,
		QuantType: cfg.QuantType,
		Shape:     w.Shape().Clone(),
		DType:     w.DType(),
	}

	var err error
	state.Code, err = tensor.FromFloat32(code, tensor.Shape{len(code)}, w.Device())
	if err != nil {
		return nil, err
	}

	if cfg.UseDoubleQuant {
		qabsmax, nestedAbsmax, offset := quantizeAbsMax(absmax, NestedBlockSize)
		state.Nested = true
		state.NestedBlockSize = NestedBlockSize
		state.Offset = offset
		state.AbsMax, err = tensor.FromBytes(qabsmax, tensor.Shape{len(qabsmax)}, tensor.Uint8, w.Device())
		if err != nil {
			return nil, err
		}
		state.NestedAbsMax, err = tensor.FromFloat32(nestedAbsmax, tensor.Shape{len(nestedAbsmax)}, w.Device())
		if err != nil {
			return nil, err
		}
	} else {
		state.AbsMax, err = tensor.FromFloat32(absmax, tensor.Shape{nblocks}, w.Device())
		if err != nil {
			return nil, err
		}
	}

	packedTensor, err := packContainer(packed, cfg.StorageDType(), w.Device())
	if err != nil {
		return nil, err
	}

	return &Params4Bit{Packed: packedTensor, State: state}, nil
}

// NewParams4Bit rebuilds a quantized parameter from a packed buffer and a
// restored State, validating their consistency. Used by the model loader.
func NewParams4Bit(packed *tensor.RawTensor, state *State) (*Params4Bit, error) {
	if err := state.validate(); err != nil {
		return nil, err
	}
	n := state.Shape.NumElements()
	if packed.ByteSize() < (n+1)/2 {
		return nil, fmt.Errorf("packed buffer holds %d bytes, need at least %d for shape %v",
			packed.ByteSize(), (n+1)/2, state.Shape)
	}
	return &Params4Bit{Packed: packed, State: state}, nil
}

// DequantizeFloat32 unpacks the buffer back to approximate full-precision
// values. The result is deterministic for a given packed buffer and State.
func (p *Params4Bit) DequantizeFloat32() []float32 {
	code := p.State.Code.Float32s()
	absmax := p.State.AbsMaxValues()
	n := p.State.Shape.NumElements()
	data := p.Packed.Data()

	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var idx uint8
		if i%2 == 0 {
			idx = data[i/2] >> 4
		} else {
			idx = data[i/2] & 0x0F
		}
		out[i] = code[idx] * absmax[i/p.State.BlockSize]
	}
	return out
}

// Dequantize materializes the parameter as a tensor in its original shape
// and dtype.
func (p *Params4Bit) Dequantize() (*tensor.RawTensor, error) {
	out, err := tensor.NewRaw(p.State.Shape, p.State.DType, p.Packed.Device())
	if err != nil {
		return nil, err
	}
	if err := out.SetFloat32s(p.DequantizeFloat32()); err != nil {
		return nil, err
	}
	return out, nil
}

// ToDevice relocates the packed buffer and all State tensors. Byte content
// and footprint are preserved exactly.
func (p *Params4Bit) ToDevice(device tensor.Device) *Params4Bit {
	return &Params4Bit{
		Packed: p.Packed.ToDevice(device),
		State:  p.State.toDevice(device),
	}
}

// Equal reports exact equality of packed storage and quantization state.
func (p *Params4Bit) Equal(other *Params4Bit) bool {
	if other == nil {
		return false
	}
	return p.Packed.Equal(other.Packed) && p.State.Equal(other.State)
}

// quantizeAbsMax applies the second quantization pass: absmax values are
// centered on their mean and stored as biased 8-bit codes with one float32
// scale per nested block.
func quantizeAbsMax(absmax []float32, blocksize int) (q []uint8, nestedAbsmax []float32, offset float32) {
	var sum float64
	for _, a := range absmax {
		sum += float64(a)
	}
	offset = float32(sum / float64(len(absmax)))

	nblocks := (len(absmax) + blocksize - 1) / blocksize
	nestedAbsmax = make([]float32, nblocks)
	q = make([]uint8, len(absmax))

	for b := 0; b < nblocks; b++ {
		start := b * blocksize
		end := start + blocksize
		if end > len(absmax) {
			end = len(absmax)
		}

		var amax float32
		for _, a := range absmax[start:end] {
			if c := abs32(a - offset); c > amax {
				amax = c
			}
		}
		nestedAbsmax[b] = amax

		for i := start; i < end; i++ {
			if amax == 0 {
				q[i] = 128
				continue
			}
			scaled := (absmax[i] - offset) / amax * 127
			q[i] = uint8(int(math.Round(float64(scaled))) + 128)
		}
	}
	return q, nestedAbsmax, offset
}

// dequantizeAbsMax reverses quantizeAbsMax.
func dequantizeAbsMax(q []uint8, nestedAbsmax []float32, blocksize int, offset float32) []float32 {
	out := make([]float32, len(q))
	for i, code := range q {
		scale := nestedAbsmax[i/blocksize]
		out[i] = (float32(code)-128)/127*scale + offset
	}
	return out
}

// packContainer wraps packed nibble bytes in a tensor of the configured
// storage dtype, padding to a whole number of container elements.
func packContainer(packed []uint8, storage tensor.DataType, device tensor.Device) (*tensor.RawTensor, error) {
	elem := storage.Size()
	padded := packed
	if rem := len(packed) % elem; rem != 0 {
		padded = append(packed, make([]uint8, elem-rem)...)
	}
	return tensor.FromBytes(padded, tensor.Shape{len(padded) / elem}, storage, device)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
