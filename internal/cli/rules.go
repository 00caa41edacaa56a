package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dexpack/dexpack/internal/keeprules"
)

// RulesOptions holds flags for the rules command.
type RulesOptions struct {
	*RootOptions
	KeepBlocklisted bool // keep known-redundant rules instead of removing them
}

// RulesSummary is the payload the rules command reports.
type RulesSummary struct {
	OK                  bool     `json:"ok"`
	KeepRules           int      `json:"keep_rules"`
	AssumeNoSideEffects int      `json:"assume_no_side_effects_rules"`
	AssumeValues        int      `json:"assume_values_rules"`
	WhyAreYouKeeping    int      `json:"why_are_you_keeping_rules"`
	BlocklistedRemoved  int      `json:"blocklisted_removed"`
	BlanketNativeRules  int      `json:"blanket_native_rules"`
	UnknownTokens       int      `json:"unknown_tokens"`
	UnknownCommands     int      `json:"unknown_commands"`
	ParseErrors         int      `json:"parse_errors"`
	Unimplemented       int      `json:"unimplemented"`
	Includes            []string `json:"includes,omitempty"`
}

func (s RulesSummary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ok: %t\n", s.OK)
	fmt.Fprintf(&sb, "keep rules: %d (blanket native: %d, blocklisted removed: %d)\n",
		s.KeepRules, s.BlanketNativeRules, s.BlocklistedRemoved)
	fmt.Fprintf(&sb, "assume-no-side-effects rules: %d\n", s.AssumeNoSideEffects)
	fmt.Fprintf(&sb, "assume-values rules: %d\n", s.AssumeValues)
	fmt.Fprintf(&sb, "why-are-you-keeping rules: %d\n", s.WhyAreYouKeeping)
	fmt.Fprintf(&sb, "errors: unknown_tokens=%d unknown_commands=%d parse_errors=%d unimplemented=%d",
		s.UnknownTokens, s.UnknownCommands, s.ParseErrors, s.Unimplemented)
	return sb.String()
}

// NewRulesCommand creates the rules command: parse a keep-rule file with
// its includes, run the post-parse passes, and report a summary.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RulesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rules <file.pro>",
		Short: "Parse a keep-rule configuration and report rule statistics",
		Long: `Parse a shrinker keep-rule configuration file, resolving -include
directives transitively, then remove the internal blocklist and identify
blanket-native rules.

The exit code is 1 when the configuration has lex or parse errors.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRules(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.KeepBlocklisted, "keep-blocklisted", false,
		"keep known-redundant rules instead of removing them")

	return cmd
}

func runRules(opts *RulesOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	log := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg := keeprules.NewConfig()
	stats, err := keeprules.ParseFile(path, cfg, log)
	if err != nil {
		formatter.Error(ErrCodeRuleParse, err.Error(), nil)
		return &ExitError{Code: ExitCommandError, Message: err.Error(), Err: err}
	}
	for _, d := range stats.Diagnostics {
		formatter.VerboseLog("%s", d)
	}

	removed := 0
	if !opts.KeepBlocklisted {
		removed = keeprules.RemoveDefaultBlocklistedRules(cfg, log)
	}
	blanket := keeprules.IdentifyBlanketNativeRules(cfg, log)

	summary := RulesSummary{
		OK:                  cfg.OK,
		KeepRules:           cfg.KeepRules.Len(),
		AssumeNoSideEffects: cfg.AssumeNoSideEffects.Len(),
		AssumeValues:        cfg.AssumeValues.Len(),
		WhyAreYouKeeping:    cfg.WhyAreYouKeepingRules.Len(),
		BlocklistedRemoved:  removed,
		BlanketNativeRules:  blanket,
		UnknownTokens:       stats.UnknownTokens,
		UnknownCommands:     stats.UnknownCommands,
		ParseErrors:         stats.ParseErrors,
		Unimplemented:       stats.Unimplemented,
		Includes:            cfg.Includes,
	}
	if err := formatter.Success(summary); err != nil {
		return err
	}
	if !cfg.OK {
		return &ExitError{Code: ExitFailure, Message: "keep-rule configuration has errors"}
	}
	return nil
}
