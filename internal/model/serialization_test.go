package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/tensor"
)

func testConfig() *Config {
	return &Config{
		InChannels:          8,
		NumLayers:           2,
		NumAttentionHeads:   4,
		AttentionHeadDim:    16,
		CrossAttentionDim:   32,
		PooledProjectionDim: 32,
		SampleSize:          8,
	}
}

func newTestModel(t *testing.T, dtype tensor.DataType) *Transformer2D {
	t.Helper()
	m, err := New(testConfig(), Options{Seed: 42, DType: dtype})
	require.NoError(t, err)
	return m
}

// forwardInputs builds deterministic denoising inputs: 4 image tokens,
// 3 conditioning tokens, one pooled vector.
func forwardInputs(cfg *Config) (hidden []float32, encoder []float32, pooled []float32) {
	rng := rand.New(rand.NewSource(1234))
	fill := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64())
		}
		return out
	}
	return fill(4 * cfg.InChannels), fill(3 * cfg.CrossAttentionDim), fill(cfg.PooledProjectionDim)
}

func runForward(t *testing.T, m *Transformer2D) []float32 {
	t.Helper()
	hidden, encoder, pooled := forwardInputs(m.Config)
	out, err := m.Forward(hidden, 1, 4, encoder, 3, pooled, 500)
	require.NoError(t, err)
	return out
}

// assertQuantStatesEqual walks both states dictionary-wise and requires
// every scalar and tensor entry to match exactly.
func assertQuantStatesEqual(t *testing.T, name string, want, got *quant.State) {
	t.Helper()

	wantDict := want.AsDict()
	gotDict := got.AsDict()
	require.Equal(t, len(wantDict), len(gotDict), "%s state entry count", name)

	for key, wv := range wantDict {
		gv, ok := gotDict[key]
		require.True(t, ok, "%s state missing entry %s", name, key)
		if wt, isTensor := wv.(*tensor.RawTensor); isTensor {
			gt, ok := gv.(*tensor.RawTensor)
			require.True(t, ok, "%s state entry %s changed kind", name, key)
			require.True(t, wt.Equal(gt), "%s state entry %s changed content", name, key)
			continue
		}
		assert.Equal(t, wv, gv, "%s state entry %s", name, key)
	}
}

// TestSaveLoad_Quantized round-trips a quantized model through both
// containers, every quantization variant and the non-default packing
// containers, requiring exact equality of every parameter, quantization
// state field and forward output.
func TestSaveLoad_Quantized(t *testing.T) {
	tests := []struct {
		quantType   string
		doubleQuant bool
		safe        bool
		storage     string
	}{
		{quant.QuantTypeNF4, false, true, "uint8"},
		{quant.QuantTypeNF4, false, false, "uint8"},
		{quant.QuantTypeNF4, true, true, "uint8"},
		{quant.QuantTypeNF4, true, false, "uint8"},
		{quant.QuantTypeFP4, false, true, "uint8"},
		{quant.QuantTypeFP4, false, false, "uint8"},
		{quant.QuantTypeFP4, true, true, "uint8"},
		{quant.QuantTypeFP4, true, false, "uint8"},
		{quant.QuantTypeNF4, true, true, "float16"},
		{quant.QuantTypeNF4, false, false, "bfloat16"},
		{quant.QuantTypeFP4, false, true, "float32"},
	}

	for _, tt := range tests {
		container := "legacy"
		if tt.safe {
			container = "safetensors"
		}
		name := fmt.Sprintf("%s double=%v %s %s", tt.quantType, tt.doubleQuant, container, tt.storage)

		t.Run(name, func(t *testing.T) {
			m := newTestModel(t, tensor.Float16)
			cfg, err := quant.New(quant.Config{
				QuantType:      tt.quantType,
				UseDoubleQuant: tt.doubleQuant,
				ComputeDType:   tensor.Float16,
				QuantStorage:   tt.storage,
			})
			require.NoError(t, err)
			require.NoError(t, m.Quantize(cfg))

			dir := t.TempDir()
			require.NoError(t, m.SavePretrained(dir, tt.safe))

			loaded, err := FromPretrained(dir, LoadOptions{})
			require.NoError(t, err)
			assert.True(t, loaded.IsQuantized())

			originalParams := m.NamedParameters()
			loadedParams := loaded.NamedParameters()
			require.Equal(t, len(originalParams), len(loadedParams))

			for i, op := range originalParams {
				lp := loadedParams[i]
				assert.Equal(t, op.Name, lp.Name)
				assert.Equal(t, op.Param.Shape(), lp.Param.Shape(), "%s storage shape", op.Name)
				assert.Equal(t, op.Param.DType(), lp.Param.DType(), "%s storage dtype", op.Name)
				assert.Equal(t, op.Param.Device(), lp.Param.Device(), "%s device", op.Name)
				require.True(t, op.Param.Equal(lp.Param), "%s must round-trip exactly", op.Name)
				if op.Param.IsQuantized() {
					assertQuantStatesEqual(t, op.Name, op.Param.Quant.State, lp.Param.Quant.State)
				}
			}

			assert.Equal(t, m.NumParameters(), loaded.NumParameters())
			assert.Equal(t, m.MemoryFootprint(), loaded.MemoryFootprint())
			assert.Equal(t, runForward(t, m), runForward(t, loaded), "forward outputs must be bit-identical")
		})
	}
}

// TestSaveLoad_FullPrecision round-trips an unquantized model.
func TestSaveLoad_FullPrecision(t *testing.T) {
	for _, safe := range []bool{true, false} {
		t.Run(fmt.Sprintf("safe=%v", safe), func(t *testing.T) {
			m := newTestModel(t, tensor.Float16)
			dir := t.TempDir()
			require.NoError(t, m.SavePretrained(dir, safe))

			loaded, err := FromPretrained(dir, LoadOptions{})
			require.NoError(t, err)
			assert.False(t, loaded.IsQuantized())
			assert.Equal(t, tensor.Float16, loaded.DType())

			for i, op := range m.NamedParameters() {
				lp := loaded.NamedParameters()[i]
				require.True(t, op.Param.Equal(lp.Param), "%s must round-trip exactly", op.Name)
			}
			assert.Equal(t, runForward(t, m), runForward(t, loaded))
		})
	}
}

// TestSaveLoad_DeviceTarget loads every tensor onto the requested device.
func TestSaveLoad_DeviceTarget(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	cfg, err := quant.New(quant.Config{ComputeDType: tensor.Float16})
	require.NoError(t, err)
	require.NoError(t, m.Quantize(cfg))

	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, true))

	loaded, err := FromPretrained(dir, LoadOptions{Device: tensor.CUDA})
	require.NoError(t, err)
	assert.Equal(t, tensor.CUDA, loaded.Device())
	for _, np := range loaded.NamedParameters() {
		assert.Equal(t, tensor.CUDA, np.Param.Device(), np.Name)
	}

	// Device affinity does not change content: footprint and outputs match
	// the CPU original.
	assert.Equal(t, m.MemoryFootprint(), loaded.MemoryFootprint())
	assert.Equal(t, runForward(t, m), runForward(t, loaded))
}

// TestSaveLoad_QuantizeOnLoad quantizes a full-precision checkpoint during
// loading.
func TestSaveLoad_QuantizeOnLoad(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, true))

	cfg, err := quant.New(quant.Config{UseDoubleQuant: true, ComputeDType: tensor.Float16})
	require.NoError(t, err)

	loaded, err := FromPretrained(dir, LoadOptions{Quantization: cfg})
	require.NoError(t, err)
	assert.True(t, loaded.IsQuantized())
	assert.Equal(t, m.NumParameters(), loaded.NumParameters())
	assert.Less(t, loaded.MemoryFootprint(), m.MemoryFootprint())

	// A checkpoint that is already quantized rejects a second config.
	qdir := t.TempDir()
	require.NoError(t, loaded.SavePretrained(qdir, true))
	_, err = FromPretrained(qdir, LoadOptions{Quantization: cfg})
	assert.Error(t, err)
}

// TestPreQuantizationDType_Persistence verifies the pre-quantization dtype
// is stripped from the persisted config but available in memory after load.
func TestPreQuantizationDType_Persistence(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	cfg, err := quant.New(quant.Config{ComputeDType: tensor.Float16})
	require.NoError(t, err)
	require.NoError(t, m.Quantize(cfg))

	// In memory right after quantization.
	d := m.Config.QuantizationDict()
	require.NotNil(t, d)
	assert.Equal(t, "float16", d["_pre_quantization_dtype"])

	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, true))

	// Never persisted.
	raw, err := os.ReadFile(filepath.Join(dir, ConfigName))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	persisted, ok := onDisk["quantization_config"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, persisted, "_pre_quantization_dtype")
	assert.Equal(t, "nf4", persisted["quant_type"])

	// Re-attached on load.
	loaded, err := FromPretrained(dir, LoadOptions{})
	require.NoError(t, err)
	ld := loaded.Config.QuantizationDict()
	require.NotNil(t, ld)
	assert.Equal(t, "float16", ld["_pre_quantization_dtype"])

	// A full-precision model has no quantization dict at all.
	plain := newTestModel(t, tensor.Float16)
	assert.Nil(t, plain.Config.QuantizationDict())
}

// TestQuantize_LinearWeightsAreUint8 checks that quantization repacks every
// linear weight into the uint8 container while leaving other parameters in
// their original dtype.
func TestQuantize_LinearWeightsAreUint8(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	cfg, err := quant.New(quant.Config{ComputeDType: tensor.Float16})
	require.NoError(t, err)
	require.NoError(t, m.Quantize(cfg))

	for _, ref := range m.paramRefs() {
		if ref.linear != nil {
			assert.Equal(t, tensor.Uint8, ref.param.DType(), "%s packs to uint8", ref.name)
			assert.True(t, ref.param.IsQuantized(), ref.name)
		} else {
			assert.Equal(t, tensor.Float16, ref.param.DType(), "%s keeps float16", ref.name)
			assert.False(t, ref.param.IsQuantized(), ref.name)
		}
	}
}

// TestQuantize_KeepInFP32Modules exempts listed modules from quantization
// and preserves the exemption across a save/load round trip.
func TestQuantize_KeepInFP32Modules(t *testing.T) {
	cfg := testConfig()
	cfg.KeepInFP32Modules = []string{"proj_out", "time_embedding"}

	m, err := New(cfg, Options{Seed: 42, DType: tensor.Float16})
	require.NoError(t, err)

	qc, err := quant.New(quant.Config{ComputeDType: tensor.Float16})
	require.NoError(t, err)
	require.NoError(t, m.Quantize(qc))

	checkExemptions := func(model *Transformer2D) {
		for _, np := range model.NamedParameters() {
			switch {
			case model.Config.KeepsInFP32(np.Name):
				assert.False(t, np.Param.IsQuantized(), "%s must stay full precision", np.Name)
				assert.Equal(t, tensor.Float16, np.Param.DType(), np.Name)
			case strings.HasSuffix(np.Name, ".weight") && !strings.Contains(np.Name, "norm"):
				assert.True(t, np.Param.IsQuantized(), "%s must be packed", np.Name)
				assert.Equal(t, tensor.Uint8, np.Param.DType(), np.Name)
			}
		}
	}
	checkExemptions(m)

	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, true))

	// The exemption list is persisted with the architecture.
	raw, err := os.ReadFile(filepath.Join(dir, ConfigName))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, []any{"proj_out", "time_embedding"}, onDisk["keep_in_fp32_modules"])

	loaded, err := FromPretrained(dir, LoadOptions{})
	require.NoError(t, err)
	checkExemptions(loaded)

	for i, op := range m.NamedParameters() {
		lp := loaded.NamedParameters()[i]
		require.True(t, op.Param.Equal(lp.Param), "%s must round-trip exactly", op.Name)
	}
	assert.Equal(t, m.MemoryFootprint(), loaded.MemoryFootprint())
	assert.Equal(t, runForward(t, m), runForward(t, loaded))
}

// TestDequantize restores full-precision storage in the original dtype.
func TestDequantize(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	numParams := m.NumParameters()

	cfg, err := quant.New(quant.Config{ComputeDType: tensor.Float16})
	require.NoError(t, err)
	require.NoError(t, m.Quantize(cfg))
	require.NoError(t, m.Dequantize())

	assert.False(t, m.IsQuantized())
	assert.Nil(t, m.Config.QuantizationDict())
	assert.Equal(t, numParams, m.NumParameters())
	for _, np := range m.NamedParameters() {
		assert.Equal(t, tensor.Float16, np.Param.DType(), np.Name)
	}
}
