package instrument

// Options configures the basic-block instrumentation engine.
type Options struct {
	// AnalysisClassName is the descriptor of the class exposing the
	// onMethodBegin/onMethodExit hooks and the shared stats array.
	AnalysisClassName string

	// AnalysisMethodNames holds exactly two entries for basic-block mode:
	// the onMethodBegin name and the onMethodExit name.
	AnalysisMethodNames []string

	// MetadataBaseFileName is the name of the per-method metadata CSV,
	// e.g. "redex-source-blocks.csv".
	MetadataBaseFileName string

	// OutputDir is where the metadata files are written.
	OutputDir string

	// MaxNumBlocks bounds block instrumentation; a method whose
	// instrumentable block count would reach the bound falls back to
	// method tracing.
	MaxNumBlocks int

	InstrumentCatches                  bool
	InstrumentBlocksWithoutSourceBlock bool

	// OnlyColdStartClass restricts selection to the allowlist plus the
	// cold-start class set.
	OnlyColdStartClass bool

	Allowlist []string
	Blocklist []string

	// InstrumentOnlyRootStore excludes methods of non-root stores.
	InstrumentOnlyRootStore bool

	// StatsFieldName is the deobfuscated simple name of the short[] stats
	// field patched with the final array size.
	StatsFieldName string

	// ReportPath, when set, additionally records every MethodRecord into a
	// SQLite report database for ad-hoc querying.
	ReportPath string
}

// DefaultStatsFieldName is the conventional stats array field.
const DefaultStatsFieldName = "sMethodStats"
