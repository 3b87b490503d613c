package serialization

import (
	"time"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// Legacy container constants.
const (
	MagicBytes      = "NIBL"
	FormatVersion   = 1  // JSON header + aligned data + SHA-256 checksum
	HeaderAlignment = 64 // Tensor data aligned to 64 bytes
	FixedHeaderSize = 60 // magic + version + flags + header size + data size + checksum
	ChecksumSize    = 32 // SHA-256
)

// Flags for the legacy container.
const (
	FlagHasMetadata uint32 = 1 << 0 // custom metadata included
)

// Header is the JSON header of a legacy .nibble file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes a tensor in the legacy container.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from start of the data section
	Size   int64  `json:"size"`   // bytes
}

// dtypeToString converts tensor.DataType to its serialized name.
func dtypeToString(dt tensor.DataType) string {
	return dt.String()
}

// stringToDtype converts a serialized name back to tensor.DataType.
func stringToDtype(s string) (tensor.DataType, bool) {
	dt, err := tensor.ParseDataType(s)
	if err != nil {
		return 0, false
	}
	return dt, true
}

// dtypeToSafeTensors converts tensor.DataType to a safetensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "F32"
	case tensor.Float16:
		return "F16"
	case tensor.BFloat16:
		return "BF16"
	case tensor.Uint8:
		return "U8"
	case tensor.Int32:
		return "I32"
	case tensor.Bool:
		return "BOOL"
	default:
		return "F32"
	}
}

// safeTensorsToDtype converts a safetensors dtype string to tensor.DataType.
func safeTensorsToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case "F32":
		return tensor.Float32, true
	case "F16":
		return tensor.Float16, true
	case "BF16":
		return tensor.BFloat16, true
	case "U8":
		return tensor.Uint8, true
	case "I32":
		return tensor.Int32, true
	case "BOOL":
		return tensor.Bool, true
	default:
		return 0, false
	}
}
