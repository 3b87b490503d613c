package tensor

import (
	"testing"
)

// TestNewRaw allocates zeroed storage of the right size.
func TestNewRaw(t *testing.T) {
	tests := []struct {
		name      string
		shape     Shape
		dtype     DataType
		wantBytes int
	}{
		{"float32 matrix", Shape{2, 3}, Float32, 24},
		{"float16 vector", Shape{5}, Float16, 10},
		{"bfloat16 vector", Shape{5}, BFloat16, 10},
		{"uint8 packed", Shape{7}, Uint8, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := NewRaw(tt.shape, tt.dtype, CPU)
			if err != nil {
				t.Fatalf("NewRaw failed: %v", err)
			}
			if raw.ByteSize() != tt.wantBytes {
				t.Errorf("ByteSize() = %d, want %d", raw.ByteSize(), tt.wantBytes)
			}
			for _, b := range raw.Data() {
				if b != 0 {
					t.Fatal("new tensor is not zero-initialized")
				}
			}
		})
	}
}

// TestFromBytes_SizeMismatch rejects buffers that do not match shape*dtype.
func TestFromBytes_SizeMismatch(t *testing.T) {
	_, err := FromBytes(make([]byte, 10), Shape{3}, Float32, CPU)
	if err == nil {
		t.Error("expected size mismatch error")
	}
}

// TestToDevice_ByteExact verifies a device move changes only the affinity
// tag: same shape, dtype, bytes and byte size.
func TestToDevice_ByteExact(t *testing.T) {
	raw, err := FromFloat32([]float32{1, -2, 3.5, 0}, Shape{4}, CPU)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	moved := raw.ToDevice(CUDA)
	if moved.Device() != CUDA {
		t.Errorf("Device() = %s, want cuda", moved.Device())
	}
	if !raw.Equal(moved) {
		t.Error("move changed tensor content")
	}
	if raw.ByteSize() != moved.ByteSize() {
		t.Errorf("move changed byte size: %d vs %d", raw.ByteSize(), moved.ByteSize())
	}

	// Moving to the current device is a no-op.
	if raw.ToDevice(CPU) != raw {
		t.Error("same-device move should return the receiver")
	}
}

// TestFloat16RoundTrip encodes and decodes through 16-bit storage.
func TestFloat16RoundTrip(t *testing.T) {
	// Values exactly representable in both 16-bit formats.
	values := []float32{0, 1, -1, 0.5, -0.25, 2}

	for _, dtype := range []DataType{Float16, BFloat16} {
		raw, err := NewRaw(Shape{len(values)}, dtype, CPU)
		if err != nil {
			t.Fatalf("NewRaw failed: %v", err)
		}
		if err := raw.SetFloat32s(values); err != nil {
			t.Fatalf("SetFloat32s failed: %v", err)
		}

		got := raw.Float32s()
		for i, want := range values {
			if got[i] != want {
				t.Errorf("%s round trip: got[%d] = %v, want %v", dtype, i, got[i], want)
			}
		}
	}
}

// TestConvertDType converts representable values losslessly and rejects
// non-float targets.
func TestConvertDType(t *testing.T) {
	raw, err := FromFloat32([]float32{1, 0.5, -2}, Shape{3}, CPU)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	half, err := raw.ConvertDType(Float16)
	if err != nil {
		t.Fatalf("ConvertDType failed: %v", err)
	}
	if half.DType() != Float16 || half.ByteSize() != 6 {
		t.Errorf("converted tensor: dtype %s, %d bytes", half.DType(), half.ByteSize())
	}

	back, err := half.ConvertDType(Float32)
	if err != nil {
		t.Fatalf("ConvertDType failed: %v", err)
	}
	if !back.Equal(raw) {
		t.Error("representable values must survive a dtype round trip")
	}

	if _, err := raw.ConvertDType(Uint8); err == nil {
		t.Error("expected error converting to non-float dtype")
	}
}

// TestRoundTrip applies compute-dtype rounding.
func TestRoundTrip(t *testing.T) {
	values := []float32{1.0 / 3.0, 2.0 / 3.0}

	same := RoundTrip(values, Float32)
	for i := range values {
		if same[i] != values[i] {
			t.Error("float32 round trip must be the identity")
		}
	}

	rounded := RoundTrip(values, Float16)
	for i := range values {
		if rounded[i] == values[i] {
			t.Errorf("value %v should lose precision through float16", values[i])
		}
	}
}

// TestStrides computes row-major strides.
func TestStrides(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}

	want := []int{12, 4, 1}
	got := raw.Strides()
	if len(got) != len(want) {
		t.Fatalf("Strides() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Strides()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

// TestScalarItem round-trips a single value through a 1-element tensor.
func TestScalarItem(t *testing.T) {
	s := Scalar(3.25, CUDA)
	if s.Device() != CUDA {
		t.Errorf("Device() = %s, want cuda", s.Device())
	}
	if got := s.Item(); got != 3.25 {
		t.Errorf("Item() = %v, want 3.25", got)
	}
}

// TestClone_Independent ensures a clone does not alias the source buffer.
func TestClone_Independent(t *testing.T) {
	raw, err := FromFloat32([]float32{1, 2}, Shape{2}, CPU)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	clone := raw.Clone()
	clone.AsFloat32()[0] = 99
	if raw.AsFloat32()[0] != 1 {
		t.Error("clone aliases the source buffer")
	}
}
