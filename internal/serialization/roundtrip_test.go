package serialization

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nibble-ml/nibble/internal/tensor"
)

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()

	weight, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.CPU)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	packed, err := tensor.FromBytes([]byte{0x0F, 0x7F, 0xA0}, tensor.Shape{3}, tensor.Uint8, tensor.CPU)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}

	half, err := tensor.NewRaw(tensor.Shape{4}, tensor.Float16, tensor.CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	if err := half.SetFloat32s([]float32{0.5, -0.5, 1.5, -2}); err != nil {
		t.Fatalf("SetFloat32s failed: %v", err)
	}

	return map[string]*tensor.RawTensor{
		"layer.weight":        weight,
		"layer.weight.packed": packed,
		"layer.bias":          half,
	}
}

// TestLegacyRoundTrip writes a state dict to the legacy container and reads
// back identical tensors.
func TestLegacyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.nibble")
	stateDict := testStateDict(t)

	metadata := map[string]string{"format": "nibble"}
	if err := WriteFile(path, stateDict, metadata); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer func() { _ = reader.Close() }()

	if got := reader.Metadata()["format"]; got != "nibble" {
		t.Errorf("metadata format = %q, want nibble", got)
	}
	if got := len(reader.TensorNames()); got != len(stateDict) {
		t.Errorf("tensor count = %d, want %d", got, len(stateDict))
	}

	loaded, err := reader.ReadStateDict(tensor.CPU)
	if err != nil {
		t.Fatalf("ReadStateDict failed: %v", err)
	}
	for name, original := range stateDict {
		got, ok := loaded[name]
		if !ok {
			t.Fatalf("missing tensor %s", name)
		}
		if !original.Equal(got) {
			t.Errorf("tensor %s changed across round trip", name)
		}
	}
}

// TestLegacyReader_ChecksumMismatch detects a corrupted data section.
func TestLegacyReader_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.nibble")
	if err := WriteFile(path, testStateDict(t), nil); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Flip one byte at the end of the file (inside the data section).
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err = NewReader(path)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("NewReader error = %v, want ErrChecksumMismatch", err)
	}
}

// TestLegacyReader_InvalidMagic rejects files without the container magic.
func TestLegacyReader_InvalidMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.nibble")
	junk := bytes.Repeat([]byte("not a container "), 8)
	if err := os.WriteFile(path, junk, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := NewReader(path)
	if !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("NewReader error = %v, want ErrInvalidMagic", err)
	}
}

// TestSafeTensorsRoundTrip writes and reads the safetensors container.
func TestSafeTensorsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	stateDict := testStateDict(t)

	metadata := map[string]string{"format": "nibble"}
	if err := WriteSafeTensors(path, stateDict, metadata); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	loaded, gotMeta, err := ReadSafeTensors(path, tensor.CUDA)
	if err != nil {
		t.Fatalf("ReadSafeTensors failed: %v", err)
	}
	if gotMeta["format"] != "nibble" {
		t.Errorf("metadata format = %q, want nibble", gotMeta["format"])
	}

	for name, original := range stateDict {
		got, ok := loaded[name]
		if !ok {
			t.Fatalf("missing tensor %s", name)
		}
		if !original.Equal(got) {
			t.Errorf("tensor %s changed across round trip", name)
		}
		if got.Device() != tensor.CUDA {
			t.Errorf("tensor %s loaded on %s, want cuda", name, got.Device())
		}
	}
}

// TestSafeTensors_Deterministic verifies that writing the same state dict
// twice produces identical bytes.
func TestSafeTensors_Deterministic(t *testing.T) {
	dir := t.TempDir()
	stateDict := testStateDict(t)

	pathA := filepath.Join(dir, "a.safetensors")
	pathB := filepath.Join(dir, "b.safetensors")
	if err := WriteSafeTensors(pathA, stateDict, nil); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}
	if err := WriteSafeTensors(pathB, stateDict, nil); err != nil {
		t.Fatalf("WriteSafeTensors failed: %v", err)
	}

	a, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	b, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("file sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("files differ at byte %d", i)
		}
	}
}
