package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
instrument:
  analysis_class_name: "Lcom/dexpack/Analysis;"
  analysis_method_names: [onMethodBegin, onMethodExit]
  metadata_file_name: redex-source-blocks.csv
  max_num_blocks: 500
  instrument_catches: false
interdex:
  emit_canaries: true
  minimize_cross_dex_refs: true
  reserved_type_refs: 16
  minimizer:
    method_ref_weight: 120
  relocator:
    max_relocated_methods_per_class: 4
    relocate_static_methods: true
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "Lcom/dexpack/Analysis;", cfg.Instrument.AnalysisClassName)
	assert.Equal(t, []string{"onMethodBegin", "onMethodExit"}, cfg.Instrument.AnalysisMethodNames)
	assert.Equal(t, 500, cfg.Instrument.MaxNumBlocks)
	assert.True(t, cfg.Interdex.EmitCanaries)
	assert.Equal(t, 16, cfg.Interdex.ReservedTypeRefs)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("instrument:\n  analysis_klass: oops\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestParseRejectsNegativeMaxBlocks(t *testing.T) {
	_, err := Parse([]byte("instrument:\n  max_num_blocks: -5\n"))
	require.Error(t, err)
}

func TestParseRejectsWrongType(t *testing.T) {
	_, err := Parse([]byte("interdex:\n  emit_canaries: \"yes please\"\n"))
	require.Error(t, err)
}

func TestInstrumentOptionsMapping(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	opts := cfg.InstrumentOptions()
	assert.Equal(t, "Lcom/dexpack/Analysis;", opts.AnalysisClassName)
	assert.Equal(t, "redex-source-blocks.csv", opts.MetadataBaseFileName)
	assert.Equal(t, 500, opts.MaxNumBlocks)
}

func TestInterdexOptionsMappingAppliesWeightOverrides(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	opts := cfg.InterdexOptions()
	assert.True(t, opts.MinimizeCrossDexRefs)
	assert.Equal(t, uint64(120), opts.MinimizerConfig.MethodRefWeight)
	// Unset weights keep the production defaults.
	assert.Equal(t, uint64(90), opts.MinimizerConfig.FieldRefWeight)
	assert.True(t, opts.RelocatorConfig.RelocateStaticMethods)
	assert.Equal(t, 4, opts.RelocatorConfig.MaxRelocatedMethodsPerClass)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dexpack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Interdex.MinimizeCrossDexRefs)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
