// Package config loads the tool configuration: a YAML file validated
// against an embedded CUE schema before any engine consumes it.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/dexpack/dexpack/internal/instrument"
	"github.com/dexpack/dexpack/internal/interdex"
)

//go:embed schema.cue
var schemaSource string

// InstrumentConfig is the YAML shape of the instrumentation options.
type InstrumentConfig struct {
	AnalysisClassName                  string   `yaml:"analysis_class_name"`
	AnalysisMethodNames                []string `yaml:"analysis_method_names"`
	MetadataFileName                   string   `yaml:"metadata_file_name"`
	OutputDir                          string   `yaml:"output_dir"`
	MaxNumBlocks                       int      `yaml:"max_num_blocks"`
	InstrumentCatches                  bool     `yaml:"instrument_catches"`
	InstrumentBlocksWithoutSourceBlock bool     `yaml:"instrument_blocks_without_source_block"`
	OnlyColdStartClass                 bool     `yaml:"only_cold_start_class"`
	Allowlist                          []string `yaml:"allowlist"`
	Blocklist                          []string `yaml:"blocklist"`
	InstrumentOnlyRootStore            bool     `yaml:"instrument_only_root_store"`
	ReportPath                         string   `yaml:"report_path"`
}

// MinimizerConfig is the YAML shape of the cross-dex minimizer weights.
type MinimizerConfig struct {
	MethodRefWeight  *uint64 `yaml:"method_ref_weight"`
	FieldRefWeight   *uint64 `yaml:"field_ref_weight"`
	TypeRefWeight    *uint64 `yaml:"type_ref_weight"`
	StringRefWeight  *uint64 `yaml:"string_ref_weight"`
	MethodSeedWeight *uint64 `yaml:"method_seed_weight"`
	FieldSeedWeight  *uint64 `yaml:"field_seed_weight"`
	TypeSeedWeight   *uint64 `yaml:"type_seed_weight"`
	StringSeedWeight *uint64 `yaml:"string_seed_weight"`
}

// RelocatorConfig is the YAML shape of the cross-dex relocator options.
type RelocatorConfig struct {
	MaxRelocatedMethodsPerClass int  `yaml:"max_relocated_methods_per_class"`
	RelocateStaticMethods       bool `yaml:"relocate_static_methods"`
	RelocateNonStaticDirect     bool `yaml:"relocate_non_static_direct"`
	RelocateVirtualMethods      bool `yaml:"relocate_virtual_methods"`
}

// InterdexConfig is the YAML shape of the packing options.
type InterdexConfig struct {
	NormalPrimaryDex     bool            `yaml:"normal_primary_dex"`
	KeepPrimaryOrder     bool            `yaml:"keep_primary_order"`
	ForceSingleDex       bool            `yaml:"force_single_dex"`
	EmitCanaries         bool            `yaml:"emit_canaries"`
	MinimizeCrossDexRefs bool            `yaml:"minimize_cross_dex_refs"`
	StaticPruneClasses   bool            `yaml:"static_prune_classes"`
	SortRemainingClasses bool            `yaml:"sort_remaining_classes"`
	ReservedTypeRefs     int             `yaml:"reserved_type_refs"`
	SecondaryDexDir      string          `yaml:"secondary_dex_dir"`
	Minimizer            MinimizerConfig `yaml:"minimizer"`
	Relocator            RelocatorConfig `yaml:"relocator"`
}

// Config is the full tool configuration.
type Config struct {
	Instrument InstrumentConfig `yaml:"instrument"`
	Interdex   InterdexConfig   `yaml:"interdex"`
}

// Load reads, validates and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse validates the YAML source against the embedded CUE schema and
// decodes it.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// validate unifies the decoded document with the #Config definition.
// Definitions are closed, so unknown fields fail here with a CUE error
// naming the offending path.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("internal schema error: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("internal schema error: %w", err)
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encoding config for validation: %w", err)
	}
	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// InstrumentOptions converts the config into engine options.
func (c *Config) InstrumentOptions() instrument.Options {
	return instrument.Options{
		AnalysisClassName:                  c.Instrument.AnalysisClassName,
		AnalysisMethodNames:                c.Instrument.AnalysisMethodNames,
		MetadataBaseFileName:               c.Instrument.MetadataFileName,
		OutputDir:                          c.Instrument.OutputDir,
		MaxNumBlocks:                       c.Instrument.MaxNumBlocks,
		InstrumentCatches:                  c.Instrument.InstrumentCatches,
		InstrumentBlocksWithoutSourceBlock: c.Instrument.InstrumentBlocksWithoutSourceBlock,
		OnlyColdStartClass:                 c.Instrument.OnlyColdStartClass,
		Allowlist:                          c.Instrument.Allowlist,
		Blocklist:                          c.Instrument.Blocklist,
		InstrumentOnlyRootStore:            c.Instrument.InstrumentOnlyRootStore,
		ReportPath:                         c.Instrument.ReportPath,
	}
}

// InterdexOptions converts the config into packer options.
func (c *Config) InterdexOptions() interdex.Options {
	minimizer := interdex.DefaultMinimizerConfig()
	applyWeight := func(dst *uint64, src *uint64) {
		if src != nil {
			*dst = *src
		}
	}
	applyWeight(&minimizer.MethodRefWeight, c.Interdex.Minimizer.MethodRefWeight)
	applyWeight(&minimizer.FieldRefWeight, c.Interdex.Minimizer.FieldRefWeight)
	applyWeight(&minimizer.TypeRefWeight, c.Interdex.Minimizer.TypeRefWeight)
	applyWeight(&minimizer.StringRefWeight, c.Interdex.Minimizer.StringRefWeight)
	applyWeight(&minimizer.MethodSeedWeight, c.Interdex.Minimizer.MethodSeedWeight)
	applyWeight(&minimizer.FieldSeedWeight, c.Interdex.Minimizer.FieldSeedWeight)
	applyWeight(&minimizer.TypeSeedWeight, c.Interdex.Minimizer.TypeSeedWeight)
	applyWeight(&minimizer.StringSeedWeight, c.Interdex.Minimizer.StringSeedWeight)

	return interdex.Options{
		NormalPrimaryDex:     c.Interdex.NormalPrimaryDex,
		KeepPrimaryOrder:     c.Interdex.KeepPrimaryOrder,
		ForceSingleDex:       c.Interdex.ForceSingleDex,
		EmitCanaries:         c.Interdex.EmitCanaries,
		MinimizeCrossDexRefs: c.Interdex.MinimizeCrossDexRefs,
		StaticPruneClasses:   c.Interdex.StaticPruneClasses,
		SortRemainingClasses: c.Interdex.SortRemainingClasses,
		ReservedTypeRefs:     c.Interdex.ReservedTypeRefs,
		SecondaryDexDir:      c.Interdex.SecondaryDexDir,
		MinimizerConfig:      minimizer,
		RelocatorConfig: interdex.RelocatorConfig{
			MaxRelocatedMethodsPerClass: c.Interdex.Relocator.MaxRelocatedMethodsPerClass,
			RelocateStaticMethods:       c.Interdex.Relocator.RelocateStaticMethods,
			RelocateNonStaticDirect:     c.Interdex.Relocator.RelocateNonStaticDirect,
			RelocateVirtualMethods:      c.Interdex.Relocator.RelocateVirtualMethods,
		},
	}
}
