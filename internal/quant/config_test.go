package quant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibble-ml/nibble/internal/tensor"
)

// TestNewConfig_Defaults verifies that an empty config fills sane defaults.
func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := New(Config{})
	require.NoError(t, err)

	assert.Equal(t, QuantTypeNF4, cfg.QuantType)
	assert.Equal(t, "uint8", cfg.QuantStorage)
	assert.Equal(t, tensor.Float32, cfg.ComputeDType)
	assert.False(t, cfg.UseDoubleQuant)
	assert.Equal(t, tensor.Uint8, cfg.StorageDType())
}

// TestNewConfig_Validation rejects unsupported enumerated values at
// construction time, naming the offending field and value.
func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		wantField string
		wantValue string
	}{
		{
			name: "nf4 accepted",
			cfg:  Config{QuantType: "nf4"},
		},
		{
			name: "fp4 accepted",
			cfg:  Config{QuantType: "fp4"},
		},
		{
			name:      "unknown quant type",
			cfg:       Config{QuantType: "int4"},
			wantErr:   true,
			wantField: "quant_type",
			wantValue: "int4",
		},
		{
			name: "float16 storage accepted",
			cfg:  Config{QuantStorage: "float16"},
		},
		{
			name: "bfloat16 storage accepted",
			cfg:  Config{QuantStorage: "bfloat16"},
		},
		{
			name:      "nonsense storage",
			cfg:       Config{QuantStorage: "add"},
			wantErr:   true,
			wantField: "quant_storage",
			wantValue: "add",
		},
		{
			name:      "non-float compute dtype",
			cfg:       Config{ComputeDType: tensor.Uint8},
			wantErr:   true,
			wantField: "compute_dtype",
			wantValue: "uint8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := New(tt.cfg)
			if !tt.wantErr {
				require.NoError(t, err)
				require.NotNil(t, cfg)
				return
			}

			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "want *ValidationError, got %T", err)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.Equal(t, tt.wantValue, verr.Value)
			assert.Contains(t, err.Error(), tt.wantField)
			assert.Contains(t, err.Error(), tt.wantValue)
		})
	}
}

// TestConfig_DictRoundTrip checks that ToDict/FromDict preserve every field
// and that FromDict validates eagerly.
func TestConfig_DictRoundTrip(t *testing.T) {
	cfg, err := New(Config{
		QuantType:      QuantTypeFP4,
		UseDoubleQuant: true,
		ComputeDType:   tensor.Float16,
		QuantStorage:   "bfloat16",
	})
	require.NoError(t, err)

	d := cfg.ToDict()
	assert.Equal(t, "nibble_4bit", d["quant_method"])
	assert.Equal(t, true, d["load_in_4bit"])
	assert.NotContains(t, d, "_pre_quantization_dtype")

	restored, err := FromDict(d)
	require.NoError(t, err)
	assert.Equal(t, cfg, restored)

	d["quant_type"] = "int8"
	_, err = FromDict(d)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "quant_type", verr.Field)
}

// TestCodebook_Properties sanity-checks the NF4 and FP4 tables.
func TestCodebook_Properties(t *testing.T) {
	for _, qt := range []string{QuantTypeNF4, QuantTypeFP4} {
		code := Codebook(qt)
		require.Len(t, code, 16)
		assert.Contains(t, code, float32(0), "quant type %s must represent zero exactly", qt)

		var lo, hi float32
		for _, c := range code {
			if c < lo {
				lo = c
			}
			if c > hi {
				hi = c
			}
		}
		assert.Equal(t, float32(-1), lo, "%s spans to -1", qt)
		assert.Equal(t, float32(1), hi, "%s spans to +1", qt)
	}
}
