package interdex

import "github.com/dexpack/dexpack/internal/ir"

// Plugin lets other passes participate in packing: veto classes, charge
// extra refs against the caps, report classes their emission makes
// redundant, and contribute generated classes per DEX or at the end of the
// run.
type Plugin interface {
	Name() string

	// ShouldSkipClass vetoes emission of a class; skipped classes are
	// expected to reappear through AdditionalClasses or erased-class
	// reporting.
	ShouldSkipClass(cls *ir.Class) bool

	// GatherRefs may add to the refs the class would bring into the
	// current DEX and may report classes that its emission erases.
	GatherRefs(info DexInfo, cls *ir.Class,
		mrefs *[]*ir.MethodRef, frefs *[]*ir.FieldRef, trefs *[]*ir.Type,
		erased *[]*ir.Class, shouldNotRelocate bool)

	// AdditionalClasses contributes generated classes when a DEX is
	// flushed; they bypass the cap checks.
	AdditionalClasses(currentDexClasses []*ir.Class) []*ir.Class

	// LeftoverClasses contributes classes emitted after everything else.
	LeftoverClasses() []*ir.Class

	// AddToScope tells the plugin about a class created mid-run (say a
	// relocation helper).
	AddToScope(cls *ir.Class)

	// ShouldNotRelocateMethodsOfClass protects a class from the cross-dex
	// relocator.
	ShouldNotRelocateMethodsOfClass(cls *ir.Class) bool
}

// BasePlugin is a no-op Plugin to embed in implementations that only need
// a few hooks.
type BasePlugin struct{}

// Name names the plugin.
func (BasePlugin) Name() string { return "base" }

// ShouldSkipClass never skips.
func (BasePlugin) ShouldSkipClass(*ir.Class) bool { return false }

// GatherRefs adds nothing.
func (BasePlugin) GatherRefs(DexInfo, *ir.Class, *[]*ir.MethodRef, *[]*ir.FieldRef, *[]*ir.Type, *[]*ir.Class, bool) {
}

// AdditionalClasses contributes nothing.
func (BasePlugin) AdditionalClasses([]*ir.Class) []*ir.Class { return nil }

// LeftoverClasses contributes nothing.
func (BasePlugin) LeftoverClasses() []*ir.Class { return nil }

// AddToScope ignores the class.
func (BasePlugin) AddToScope(*ir.Class) {}

// ShouldNotRelocateMethodsOfClass never protects.
func (BasePlugin) ShouldNotRelocateMethodsOfClass(*ir.Class) bool { return false }
