package interdex

import (
	"github.com/dexpack/dexpack/internal/ir"
)

// maxRefs is the hard per-DEX cap on each reference kind.
const maxRefs = 65536

// MethodRefs, FieldRefs and TypeRefs are the per-class reference sets the
// packer accounts against the per-DEX caps.
type (
	MethodRefs map[*ir.MethodRef]struct{}
	FieldRefs  map[*ir.FieldRef]struct{}
	TypeRefs   map[*ir.Type]struct{}
)

// dexStructure is the accumulator for the DEX currently being filled.
type dexStructure struct {
	mrefs   MethodRefs
	frefs   FieldRefs
	trefs   TypeRefs
	classes []*ir.Class
	// squashed classes are emptied helper shells the relocator merged back;
	// they stay in the DEX but are reported separately to plugins.
	squashed []*ir.Class
}

func newDexStructure() *dexStructure {
	return &dexStructure{
		mrefs: make(MethodRefs),
		frefs: make(FieldRefs),
		trefs: make(TypeRefs),
	}
}

// countNew returns how many of the candidate refs are not yet present.
func countNew[M ~map[K]struct{}, K comparable](have, add M) int {
	n := 0
	for k := range add {
		if _, ok := have[k]; !ok {
			n++
		}
	}
	return n
}

func union[M ~map[K]struct{}, K comparable](have, add M) {
	for k := range add {
		have[k] = struct{}{}
	}
}

// DexesStructure tracks the full emission state: the current DEX
// accumulator, the completed DEX count per flavor, the global class set and
// aggregate statistics.
type DexesStructure struct {
	current *dexStructure

	// Caps default to the DEX format limits; tests shrink them.
	MaxMethodRefs int
	MaxFieldRefs  int
	MaxTypeRefs   int
	// ReservedTypeRefs is subtracted from the type-ref cap to leave room
	// for types the downstream writer adds.
	ReservedTypeRefs int

	numDexes          int
	numSecondaryDexes int
	numColdstartDexes int
	numExtendedDexes  int
	numScrollDexes    int

	allClasses map[*ir.Class]bool

	numMrefs    int
	numFrefs    int
	numDmethods int
	numVmethods int
}

// NewDexesStructure creates an empty accumulator with the format caps.
func NewDexesStructure() *DexesStructure {
	return &DexesStructure{
		current:       newDexStructure(),
		MaxMethodRefs: maxRefs,
		MaxFieldRefs:  maxRefs,
		MaxTypeRefs:   maxRefs,
		allClasses:    make(map[*ir.Class]bool),
	}
}

// HasClass reports whether the class was already emitted to any DEX,
// including the one being filled.
func (d *DexesStructure) HasClass(cls *ir.Class) bool { return d.allClasses[cls] }

// AddClassToCurrentDex adds the class if the current DEX stays under every
// cap, returning false without mutation otherwise.
func (d *DexesStructure) AddClassToCurrentDex(mrefs MethodRefs, frefs FieldRefs, trefs TypeRefs, cls *ir.Class) bool {
	if len(d.current.mrefs)+countNew(d.current.mrefs, mrefs) > d.MaxMethodRefs {
		return false
	}
	if len(d.current.frefs)+countNew(d.current.frefs, frefs) > d.MaxFieldRefs {
		return false
	}
	if len(d.current.trefs)+countNew(d.current.trefs, trefs) > d.MaxTypeRefs-d.ReservedTypeRefs {
		return false
	}
	d.addClass(mrefs, frefs, trefs, cls)
	return true
}

// AddClassNoChecks adds the class regardless of caps. Used for re-adding
// after an overflow flush, for canaries and for plugin classes; overflow
// then becomes the downstream writer's problem.
func (d *DexesStructure) AddClassNoChecks(mrefs MethodRefs, frefs FieldRefs, trefs TypeRefs, cls *ir.Class) {
	d.addClass(mrefs, frefs, trefs, cls)
}

func (d *DexesStructure) addClass(mrefs MethodRefs, frefs FieldRefs, trefs TypeRefs, cls *ir.Class) {
	d.numMrefs += countNew(d.current.mrefs, mrefs)
	d.numFrefs += countNew(d.current.frefs, frefs)
	union(d.current.mrefs, mrefs)
	union(d.current.frefs, frefs)
	union(d.current.trefs, trefs)
	d.current.classes = append(d.current.classes, cls)
	d.allClasses[cls] = true
	d.numDmethods += len(cls.DMethods)
	d.numVmethods += len(cls.VMethods)
}

// SquashClass moves a current-DEX class into the squashed list. Only
// classes of the DEX being filled can be squashed.
func (d *DexesStructure) SquashClass(cls *ir.Class) bool {
	for i, c := range d.current.classes {
		if c == cls {
			d.current.classes = append(d.current.classes[:i], d.current.classes[i+1:]...)
			d.current.squashed = append(d.current.squashed, cls)
			return true
		}
	}
	return false
}

// CurrentDexClasses returns the classes of the DEX being filled.
func (d *DexesStructure) CurrentDexClasses() []*ir.Class { return d.current.classes }

// CurrentDexSquashedClasses returns the squashed classes of the DEX being
// filled.
func (d *DexesStructure) CurrentDexSquashedClasses() []*ir.Class { return d.current.squashed }

// EndDex closes the DEX being filled, records its flavor, and returns its
// classes (squashed shells last).
func (d *DexesStructure) EndDex(info DexInfo) []*ir.Class {
	classes := d.current.classes
	classes = append(classes, d.current.squashed...)
	d.numDexes++
	if !info.Primary {
		d.numSecondaryDexes++
	}
	if info.Coldstart {
		d.numColdstartDexes++
	}
	if info.Extended {
		d.numExtendedDexes++
	}
	if info.Scroll {
		d.numScrollDexes++
	}
	d.current = newDexStructure()
	return classes
}

// NumDexes returns the number of completed DEX files.
func (d *DexesStructure) NumDexes() int { return d.numDexes }

// NumSecondaryDexes returns the completed secondary DEX count.
func (d *DexesStructure) NumSecondaryDexes() int { return d.numSecondaryDexes }

// NumColdstartDexes returns the completed coldstart DEX count.
func (d *DexesStructure) NumColdstartDexes() int { return d.numColdstartDexes }

// NumExtendedDexes returns the completed extended-set DEX count.
func (d *DexesStructure) NumExtendedDexes() int { return d.numExtendedDexes }

// NumScrollDexes returns the completed scroll DEX count.
func (d *DexesStructure) NumScrollDexes() int { return d.numScrollDexes }

// NumClasses returns the total emitted class count.
func (d *DexesStructure) NumClasses() int { return len(d.allClasses) }

// NumMrefs returns the total unique method refs accounted per DEX.
func (d *DexesStructure) NumMrefs() int { return d.numMrefs }

// NumFrefs returns the total unique field refs accounted per DEX.
func (d *DexesStructure) NumFrefs() int { return d.numFrefs }

// NumDmethods returns the total direct method definitions emitted.
func (d *DexesStructure) NumDmethods() int { return d.numDmethods }

// NumVmethods returns the total virtual method definitions emitted.
func (d *DexesStructure) NumVmethods() int { return d.numVmethods }
