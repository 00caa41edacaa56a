package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dexpack/dexpack/internal/config"
)

// VetOptions holds flags for the vet command.
type VetOptions struct {
	*RootOptions
}

// VetSummary is the payload the vet command reports.
type VetSummary struct {
	Valid               bool   `json:"valid"`
	AnalysisClass       string `json:"analysis_class,omitempty"`
	MaxNumBlocks        int    `json:"max_num_blocks,omitempty"`
	ForceSingleDex      bool   `json:"force_single_dex"`
	MinimizeCrossDexRef bool   `json:"minimize_cross_dex_refs"`
	EmitCanaries        bool   `json:"emit_canaries"`
}

func (s VetSummary) String() string {
	return fmt.Sprintf(
		"valid: %t\nanalysis class: %s\nmax blocks: %d\nforce single dex: %t\nminimize cross-dex refs: %t\nemit canaries: %t",
		s.Valid, s.AnalysisClass, s.MaxNumBlocks,
		s.ForceSingleDex, s.MinimizeCrossDexRef, s.EmitCanaries)
}

// NewVetCommand creates the vet command: decode and schema-validate a tool
// configuration file.
func NewVetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "vet <config.yaml>",
		Short: "Validate a dexpack configuration file",
		Long: `Decode a YAML configuration file and validate it against the
embedded schema. Unknown fields and out-of-range values are errors.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVet(opts, args[0], cmd)
		},
	}
	return cmd
}

func runVet(opts *VetOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load(path)
	if err != nil {
		formatter.Error(ErrCodeConfig, err.Error(), nil)
		return &ExitError{Code: ExitFailure, Message: err.Error(), Err: err}
	}

	summary := VetSummary{
		Valid:               true,
		AnalysisClass:       cfg.Instrument.AnalysisClassName,
		MaxNumBlocks:        cfg.Instrument.MaxNumBlocks,
		ForceSingleDex:      cfg.Interdex.ForceSingleDex,
		MinimizeCrossDexRef: cfg.Interdex.MinimizeCrossDexRefs,
		EmitCanaries:        cfg.Interdex.EmitCanaries,
	}
	return formatter.Success(summary)
}
