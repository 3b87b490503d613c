package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// SafeTensorHeader describes one tensor in the safetensors JSON header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// WriteSafeTensors writes a state dict to path in safetensors format.
// Tensors are written in alphabetical order by name.
func WriteSafeTensors(path string, stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	//nolint:gosec // G304: file path comes from the caller, expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var currentOffset int64
	for _, name := range names {
		raw := stateDict[name]
		size := int64(raw.ByteSize())

		shape := raw.Shape()
		shapeInt64 := make([]int64, len(shape))
		for i, dim := range shape {
			shapeInt64[i] = int64(dim)
		}

		header[name] = SafeTensorHeader{
			DType:       dtypeToSafeTensors(raw.DType()),
			Shape:       shapeInt64,
			DataOffsets: [2]int64{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := file.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, name := range names {
		if _, err := file.Write(stateDict[name].Data()); err != nil {
			return fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}

	return nil
}

// ReadSafeTensors reads a safetensors file into a state dict on the given
// device. Only plain tensor data is interpreted; the header is restricted to
// dtype, shape and offsets, so no code runs on load.
func ReadSafeTensors(path string, device tensor.Device) (map[string]*tensor.RawTensor, map[string]string, error) {
	//nolint:gosec // G304: file path comes from the caller, expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, nil, fmt.Errorf("failed to read header size: %w", err)
	}
	if headerSize > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	metadata := map[string]string{}
	entries := make(map[string]SafeTensorHeader, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		if err := ValidateTensorName(name); err != nil {
			return nil, nil, err
		}
		var entry SafeTensorHeader
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, nil, fmt.Errorf("failed to parse entry for %s: %w", name, err)
		}
		entries[name] = entry
	}

	info, err := file.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}
	dataOffset := int64(8) + int64(headerSize)
	dataSize := info.Size() - dataOffset

	metas := make([]TensorMeta, 0, len(entries))
	for name, entry := range entries {
		metas = append(metas, TensorMeta{
			Name:   name,
			Offset: entry.DataOffsets[0],
			Size:   entry.DataOffsets[1] - entry.DataOffsets[0],
		})
	}
	if err := ValidateTensorOffsets(metas, dataSize); err != nil {
		return nil, nil, err
	}

	stateDict := make(map[string]*tensor.RawTensor, len(entries))
	for name, entry := range entries {
		dtype, ok := safeTensorsToDtype(entry.DType)
		if !ok {
			return nil, nil, fmt.Errorf("tensor %s: unsupported dtype %q", name, entry.DType)
		}

		shape := make(tensor.Shape, len(entry.Shape))
		for i, dim := range entry.Shape {
			shape[i] = int(dim)
		}

		size := entry.DataOffsets[1] - entry.DataOffsets[0]
		data := make([]byte, size)
		if _, err := file.Seek(dataOffset+entry.DataOffsets[0], io.SeekStart); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: seek failed: %w", name, err)
		}
		if _, err := io.ReadFull(file, data); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: read failed: %w", name, err)
		}

		raw, err := tensor.FromBytes(data, shape, dtype, device)
		if err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		stateDict[name] = raw
	}

	return stateDict, metadata, nil
}
