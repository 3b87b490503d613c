package quant

import (
	"encoding/json"
	"fmt"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// stateScalars is the JSON form of the scalar State fields. Tensor-valued
// fields (absmax, quant_map, nested_absmax) travel as companion tensors in
// the state dict, keyed off the parameter name.
type stateScalars struct {
	QuantType       string  `json:"quant_type"`
	BlockSize       int     `json:"blocksize"`
	Shape           []int   `json:"shape"`
	DType           string  `json:"dtype"`
	Nested          bool    `json:"nested"`
	NestedBlockSize int     `json:"nested_blocksize,omitempty"`
	Offset          float32 `json:"offset,omitempty"`
}

// EncodeStateScalars serializes the scalar State fields as a uint8 tensor
// holding UTF-8 JSON, for storage alongside the packed buffer.
func EncodeStateScalars(s *State, device tensor.Device) (*tensor.RawTensor, error) {
	payload, err := json.Marshal(stateScalars{
		QuantType:       s.QuantType,
		BlockSize:       s.BlockSize,
		Shape:           []int(s.Shape),
		DType:           s.DType.String(),
		Nested:          s.Nested,
		NestedBlockSize: s.NestedBlockSize,
		Offset:          s.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode quant state: %w", err)
	}
	return tensor.FromBytes(payload, tensor.Shape{len(payload)}, tensor.Uint8, device)
}

// DecodeStateScalars rebuilds a State from its JSON tensor and the companion
// absmax / quant_map / nested_absmax tensors loaded from a state dict.
func DecodeStateScalars(scalars, absmax, quantMap, nestedAbsMax *tensor.RawTensor) (*State, error) {
	if scalars == nil {
		return nil, fmt.Errorf("missing quant state record")
	}

	var sc stateScalars
	if err := json.Unmarshal(scalars.Data(), &sc); err != nil {
		return nil, fmt.Errorf("failed to decode quant state: %w", err)
	}

	dtype, err := tensor.ParseDataType(sc.DType)
	if err != nil {
		return nil, fmt.Errorf("quant state names unknown dtype %q", sc.DType)
	}

	s := &State{
		AbsMax:          absmax,
		Code:            quantMap,
		BlockSize:       sc.BlockSize,
		QuantType:       sc.QuantType,
		Shape:           tensor.Shape(sc.Shape),
		DType:           dtype,
		Nested:          sc.Nested,
		NestedAbsMax:    nestedAbsMax,
		NestedBlockSize: sc.NestedBlockSize,
		Offset:          sc.Offset,
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}
