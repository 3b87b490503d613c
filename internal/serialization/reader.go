package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// Reader reads state dicts from the legacy .nibble format.
type Reader struct {
	file       *os.File
	header     Header
	flags      uint32
	dataOffset int64
	dataSize   int64
	checksum   [32]byte
	closed     bool
}

// NewReader opens a legacy-format file, parses and validates its header, and
// verifies the data-section checksum.
func NewReader(path string) (*Reader, error) {
	//nolint:gosec // G304: file path comes from the caller, expected for model loading
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := ValidateHeader(&r.header, r.dataSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if err := r.verifyChecksum(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) parseHeader() error {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r.file, fixed); err != nil {
		return fmt.Errorf("failed to read fixed header: %w", err)
	}

	if string(fixed[0:4]) != MagicBytes {
		return ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint32(fixed[4:8])
	if version != FormatVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}

	r.flags = binary.LittleEndian.Uint32(fixed[8:12])
	headerSize := binary.LittleEndian.Uint64(fixed[12:20])
	dataSize := binary.LittleEndian.Uint64(fixed[20:28])
	copy(r.checksum[:], fixed[28:28+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	currentPos := int64(FixedHeaderSize) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	r.dataOffset = currentPos + padding
	r.dataSize = int64(dataSize)

	return nil
}

func (r *Reader) verifyChecksum() error {
	data := make([]byte, r.dataSize)
	if _, err := r.file.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to tensor data: %w", err)
	}
	if _, err := io.ReadFull(r.file, data); err != nil {
		return fmt.Errorf("failed to read tensor data for checksum: %w", err)
	}
	return ValidateChecksum(ComputeChecksum(data), r.checksum)
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Metadata returns the metadata map from the header.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns all tensor names in the file.
func (r *Reader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// LoadTensor loads a single tensor onto the given device.
func (r *Reader) LoadTensor(name string, device tensor.Device) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}

	for _, meta := range r.header.Tensors {
		if meta.Name != name {
			continue
		}

		dtype, ok := stringToDtype(meta.DType)
		if !ok {
			return nil, fmt.Errorf("unsupported dtype: %s", meta.DType)
		}

		if _, err := r.file.Seek(r.dataOffset+meta.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to tensor data: %w", err)
		}
		data := make([]byte, meta.Size)
		if _, err := io.ReadFull(r.file, data); err != nil {
			return nil, fmt.Errorf("failed to read tensor data: %w", err)
		}

		raw, err := tensor.FromBytes(data, tensor.Shape(meta.Shape), dtype, device)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		return raw, nil
	}

	return nil, fmt.Errorf("tensor %s not found", name)
}

// ReadStateDict reads all tensors into a state dictionary.
func (r *Reader) ReadStateDict(device tensor.Device) (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name, device)
		if err != nil {
			return nil, fmt.Errorf("failed to load tensor %s: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close closes the reader and the underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}
