// Copyright 2025 Nibble ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for tensors in the Nibble framework.
//
// The package re-exports the core types used throughout the library:
//   - RawTensor: flat byte buffer plus shape, dtype and device affinity
//   - Shape, DataType, Device: core type definitions
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
//	values := raw.Float32s()
package tensor

import (
	"github.com/nibble-ml/nibble/internal/tensor"
)

// RawTensor is the low-level tensor representation.
type RawTensor = tensor.RawTensor

// Shape represents tensor dimensions.
type Shape = tensor.Shape

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32  DataType = tensor.Float32
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
	Uint8    DataType = tensor.Uint8
	Int32    DataType = tensor.Int32
	Bool     DataType = tensor.Bool
)

// Device identifies the compute device that owns a tensor's storage.
type Device = tensor.Device

// Device constants.
const (
	CPU    Device = tensor.CPU
	CUDA   Device = tensor.CUDA
	Metal  Device = tensor.Metal
	WebGPU Device = tensor.WebGPU
)

// NewRaw creates a zero-initialized tensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromFloat32 creates a Float32 tensor from a slice.
func FromFloat32(data []float32, shape Shape, device Device) (*RawTensor, error) {
	return tensor.FromFloat32(data, shape, device)
}

// FromBytes creates a tensor that adopts the given byte buffer.
func FromBytes(data []byte, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.FromBytes(data, shape, dtype, device)
}

// ParseDataType converts a string name back to a DataType.
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}

// ParseDevice converts a device name (optionally with an ordinal suffix,
// e.g. "cuda:0") to a Device.
func ParseDevice(s string) (Device, error) {
	return tensor.ParseDevice(s)
}
