// Package serialization implements the two container formats used to persist
// model state dicts.
//
// The safetensors format is the safe default: deserialization is restricted
// to plain tensor data, so loading an untrusted file cannot execute code.
//
//	[8 bytes: header size (uint64 LE)]
//	[header: JSON, tensor name -> dtype/shape/data_offsets, plus __metadata__]
//	[tensor data: raw bytes, alphabetical by name]
//
// The legacy .nibble format is the framework-native binary container:
//
//	[4 bytes: Magic "NIBL"]
//	[4 bytes: Version (uint32 LE)]
//	[4 bytes: Flags (uint32 LE)]
//	[8 bytes: Header Size (uint64 LE)]
//	[8 bytes: Data Size (uint64 LE)]
//	[32 bytes: SHA-256 checksum of tensor data]
//	[Header: JSON metadata]
//	[Tensor data: raw bytes, 64-byte aligned]
//
// Quantized parameters are flattened into either container as the packed
// buffer plus companion tensors carrying the quantization state; see the
// model package for the flattening scheme.
package serialization
