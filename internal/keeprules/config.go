package keeprules

import (
	"fmt"

	"github.com/dexpack/dexpack/internal/ir"
)

// ReturnValue is the assumed return value attached to an -assumevalues
// member clause. Only boolean literals are modeled.
type ReturnValue struct {
	IsBool bool
	Value  bool
}

// MemberSpec is one field or method clause of a class specification. A
// descriptor beginning with '(' denotes a method; the empty name and
// descriptor denote the wildcard forms ('*', '<methods>', '<fields>').
type MemberSpec struct {
	AnnotationType      string
	RequiredSetAccess   ir.AccessFlags
	RequiredUnsetAccess ir.AccessFlags
	Name                string
	Descriptor          string
	ReturnValue         ReturnValue
}

// ClassNameSpec is one entry of a class-name disjunction, possibly negated.
type ClassNameSpec struct {
	Name    string
	Negated bool
}

// ClassSpec is the class-specification half of a keep rule.
type ClassSpec struct {
	AnnotationType        string
	SetAccess             ir.AccessFlags
	UnsetAccess           ir.AccessFlags
	ClassNames            []ClassNameSpec
	ExtendsAnnotationType string
	ExtendsClassName      string
	FieldSpecs            []MemberSpec
	MethodSpecs           []MemberSpec
}

// KeepSpec is one parsed keep(-like) rule.
type KeepSpec struct {
	IncludeDescriptorClasses bool
	AllowShrinking           bool
	AllowOptimization        bool
	AllowObfuscation         bool
	MarkClasses              bool
	MarkConditionally        bool
	ClassSpec                ClassSpec
	SourceFilename           string
	SourceLine               int
}

// Equal compares two rules structurally. Source locations are excluded so
// that rules parsed from different files (say, a user config and the
// internal blocklist) compare equal.
func (k *KeepSpec) Equal(o *KeepSpec) bool {
	return k.IncludeDescriptorClasses == o.IncludeDescriptorClasses &&
		k.AllowShrinking == o.AllowShrinking &&
		k.AllowOptimization == o.AllowOptimization &&
		k.AllowObfuscation == o.AllowObfuscation &&
		k.MarkClasses == o.MarkClasses &&
		k.MarkConditionally == o.MarkConditionally &&
		k.ClassSpec.Equal(&o.ClassSpec)
}

// Equal compares class specifications structurally.
func (c *ClassSpec) Equal(o *ClassSpec) bool {
	if c.AnnotationType != o.AnnotationType ||
		c.SetAccess != o.SetAccess ||
		c.UnsetAccess != o.UnsetAccess ||
		c.ExtendsAnnotationType != o.ExtendsAnnotationType ||
		c.ExtendsClassName != o.ExtendsClassName ||
		len(c.ClassNames) != len(o.ClassNames) ||
		len(c.FieldSpecs) != len(o.FieldSpecs) ||
		len(c.MethodSpecs) != len(o.MethodSpecs) {
		return false
	}
	for i := range c.ClassNames {
		if c.ClassNames[i] != o.ClassNames[i] {
			return false
		}
	}
	for i := range c.FieldSpecs {
		if c.FieldSpecs[i] != o.FieldSpecs[i] {
			return false
		}
	}
	for i := range c.MethodSpecs {
		if c.MethodSpecs[i] != o.MethodSpecs[i] {
			return false
		}
	}
	return true
}

// KeepSpecSet is an insertion-ordered set of keep rules with a stable
// partition capability used to isolate the blanket-native rules.
type KeepSpecSet struct {
	specs []*KeepSpec
}

// Add appends a rule.
func (s *KeepSpecSet) Add(spec *KeepSpec) { s.specs = append(s.specs, spec) }

// Len returns the rule count.
func (s *KeepSpecSet) Len() int { return len(s.specs) }

// All returns the rules in insertion-partition order. Callers must not
// mutate the slice.
func (s *KeepSpecSet) All() []*KeepSpec { return s.specs }

// EraseIf removes every rule matching pred, preserving order, and returns
// the number removed.
func (s *KeepSpecSet) EraseIf(pred func(*KeepSpec) bool) int {
	kept := s.specs[:0]
	removed := 0
	for _, spec := range s.specs {
		if pred(spec) {
			removed++
			continue
		}
		kept = append(kept, spec)
	}
	s.specs = kept
	return removed
}

// StablePartition moves every rule for which pred is false to the tail,
// preserving the relative order of both partitions, and returns the index
// of the partition boundary.
func (s *KeepSpecSet) StablePartition(pred func(*KeepSpec) bool) int {
	front := make([]*KeepSpec, 0, len(s.specs))
	var tail []*KeepSpec
	for _, spec := range s.specs {
		if pred(spec) {
			front = append(front, spec)
		} else {
			tail = append(tail, spec)
		}
	}
	boundary := len(front)
	s.specs = append(front, tail...)
	return boundary
}

// NoNativePartition marks a configuration whose blanket-native partition has
// not been computed.
const NoNativePartition = -1

// Config is the typed rule database a keep-rule source parses into.
type Config struct {
	KeepRules             KeepSpecSet
	AssumeNoSideEffects   KeepSpecSet
	AssumeValues          KeepSpecSet
	WhyAreYouKeepingRules KeepSpecSet

	BaseDirectory string
	TargetVersion string

	InJars          []string
	OutJars         []string
	LibraryJars     []string
	Includes        []string
	KeepDirectories []string

	PrintSeeds         []string
	PrintUsage         []string
	PrintMapping       []string
	PrintConfiguration []string

	OptimizationFilters []string
	KeepAttributes      []string
	KeepPackageNames    []string
	DontWarn            []string

	Shrink                     bool
	Optimize                   bool
	AllowAccessModification    bool
	DontObfuscate              bool
	DontUseMixedCaseClassNames bool
	DontPreverify              bool
	Verbose                    bool

	// OK is cleared when any lex or parse problem was counted.
	OK bool

	// AlreadyIncluded guards against -include cycles.
	AlreadyIncluded map[string]bool

	// KeepRulesNativeBegin is the boundary index of the blanket-native
	// partition inside KeepRules, or NoNativePartition.
	KeepRulesNativeBegin int
}

// NewConfig creates an empty rule database with shrinking and optimization
// enabled, matching the language defaults.
func NewConfig() *Config {
	return &Config{
		Shrink:               true,
		Optimize:             true,
		OK:                   true,
		AlreadyIncluded:      make(map[string]bool),
		KeepRulesNativeBegin: NoNativePartition,
	}
}

// Stats aggregates the error counters of one parse, plus the rendered
// diagnostics for callers that surface them.
type Stats struct {
	UnknownTokens   int
	UnknownCommands int
	ParseErrors     int
	Unimplemented   int
	Diagnostics     []string
}

// Accumulate folds another parse's stats into s.
func (s *Stats) Accumulate(o Stats) {
	s.UnknownTokens += o.UnknownTokens
	s.UnknownCommands += o.UnknownCommands
	s.ParseErrors += o.ParseErrors
	s.Unimplemented += o.Unimplemented
	s.Diagnostics = append(s.Diagnostics, o.Diagnostics...)
}

// HasErrors reports whether any counter is nonzero.
func (s *Stats) HasErrors() bool {
	return s.UnknownTokens != 0 || s.UnknownCommands != 0 ||
		s.ParseErrors != 0 || s.Unimplemented != 0
}

func (s *Stats) String() string {
	return fmt.Sprintf("unknown_tokens=%d unknown_commands=%d parse_errors=%d unimplemented=%d",
		s.UnknownTokens, s.UnknownCommands, s.ParseErrors, s.Unimplemented)
}
