package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibble-ml/nibble/internal/quant"
	"github.com/nibble-ml/nibble/internal/serialization"
	"github.com/nibble-ml/nibble/internal/tensor"
)

// TestLoadConfig_Missing reports a missing directory distinctly.
func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope"))
	assert.True(t, errors.Is(err, ErrMissingConfig), "got %v", err)
}

// TestLoadConfig_Malformed wraps JSON syntax problems in a ConfigError.
func TestLoadConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte("{not json"), 0o644))

	_, err := LoadConfig(dir)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %T (%v)", err, err)
}

// TestLoadConfig_InvalidQuantization surfaces the quantization validation
// error, naming the bad field.
func TestLoadConfig_InvalidQuantization(t *testing.T) {
	dir := t.TempDir()
	body := `{
		"_class_name": "Transformer2DModel",
		"in_channels": 8, "num_layers": 2,
		"num_attention_heads": 4, "attention_head_dim": 16,
		"cross_attention_dim": 32, "pooled_projection_dim": 32,
		"sample_size": 8,
		"quantization_config": {"quant_type": "int3"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte(body), 0o644))

	_, err := LoadConfig(dir)
	var verr *quant.ValidationError
	require.True(t, errors.As(err, &verr), "got %T (%v)", err, err)
	assert.Equal(t, "quant_type", verr.Field)
	assert.Equal(t, "int3", verr.Value)
}

// TestLoadConfig_BadArchitecture rejects non-positive dimensions.
func TestLoadConfig_BadArchitecture(t *testing.T) {
	dir := t.TempDir()
	body := `{"_class_name": "Transformer2DModel", "in_channels": 0}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte(body), 0o644))

	_, err := LoadConfig(dir)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %T (%v)", err, err)
	assert.Contains(t, cfgErr.Error(), "in_channels")
}

// TestFromPretrained_WrongFormat detects containers masquerading under the
// other format's file name.
func TestFromPretrained_WrongFormat(t *testing.T) {
	m := newTestModel(t, tensor.Float16)

	t.Run("legacy bytes under safetensors name", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, m.SavePretrained(dir, false))
		require.NoError(t, os.Rename(
			filepath.Join(dir, WeightsName),
			filepath.Join(dir, SafeWeightsName),
		))

		_, err := FromPretrained(dir, LoadOptions{})
		assert.True(t, errors.Is(err, ErrWrongFormat), "got %v", err)
	})

	t.Run("junk bytes under legacy name", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, m.SavePretrained(dir, true))
		safetensorsBytes, err := os.ReadFile(filepath.Join(dir, SafeWeightsName))
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(dir, SafeWeightsName)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsName), safetensorsBytes, 0o644))

		_, err = FromPretrained(dir, LoadOptions{})
		assert.True(t, errors.Is(err, ErrWrongFormat), "got %v", err)
	})
}

// TestFromPretrained_NoWeights fails when the directory has a config but no
// weights file.
func TestFromPretrained_NoWeights(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, true))
	require.NoError(t, os.Remove(filepath.Join(dir, SafeWeightsName)))

	_, err := FromPretrained(dir, LoadOptions{})
	assert.Error(t, err)
}

// TestFromPretrained_CorruptLegacy propagates the checksum failure.
func TestFromPretrained_CorruptLegacy(t *testing.T) {
	m := newTestModel(t, tensor.Float16)
	dir := t.TempDir()
	require.NoError(t, m.SavePretrained(dir, false))

	path := filepath.Join(dir, WeightsName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = FromPretrained(dir, LoadOptions{})
	assert.True(t, errors.Is(err, serialization.ErrChecksumMismatch), "got %v", err)
}
