package interdex

import (
	"fmt"

	"github.com/dexpack/dexpack/internal/ir"
)

// RelocatorConfig controls which method kinds the cross-dex relocator may
// extract into helper classes.
type RelocatorConfig struct {
	MaxRelocatedMethodsPerClass int
	RelocateStaticMethods       bool
	RelocateNonStaticDirect     bool
	RelocateVirtualMethods      bool
}

// Enabled reports whether any relocation kind is on.
func (c RelocatorConfig) Enabled() bool {
	return c.RelocateStaticMethods || c.RelocateNonStaticDirect || c.RelocateVirtualMethods
}

type relocatedHelper struct {
	helper  *ir.Class
	source  *ir.Class
	method  *ir.Method
	virtual bool
}

// CrossDexRelocator extracts relocatable methods into single-method helper
// classes before minimization, giving the minimizer finer-grained units to
// pack. Helpers whose placement never paid off are merged back into their
// source class.
type CrossDexRelocator struct {
	config RelocatorConfig
	arena  *ir.Arena
	dexes  *DexesStructure

	helpers map[*ir.Class]*relocatedHelper
	// currentDexHelpers are helpers emitted into the DEX being filled.
	currentDexHelpers []*ir.Class
	helperCount       int
}

// NewCrossDexRelocator creates a relocator bound to the packing
// accumulator.
func NewCrossDexRelocator(config RelocatorConfig, arena *ir.Arena, dexes *DexesStructure) *CrossDexRelocator {
	return &CrossDexRelocator{
		config:  config,
		arena:   arena,
		dexes:   dexes,
		helpers: make(map[*ir.Class]*relocatedHelper),
	}
}

// isTrueVirtual reports whether the method overrides or implements a
// member of a super type. True virtuals cannot be relocated; their call
// sites dispatch dynamically.
func (r *CrossDexRelocator) isTrueVirtual(cls *ir.Class, m *ir.Method) bool {
	var matches func(t *ir.Type) bool
	matches = func(t *ir.Type) bool {
		if t == nil {
			return false
		}
		sup := r.arena.ClassFor(t)
		if sup == nil {
			return false
		}
		for _, sm := range sup.AllMethods() {
			if sm.Ref.Name() == m.Ref.Name() && sm.Ref.Proto() == m.Ref.Proto() {
				return true
			}
		}
		if matches(sup.Super) {
			return true
		}
		for _, itf := range sup.Interfaces {
			if matches(itf) {
				return true
			}
		}
		return false
	}
	if matches(cls.Super) {
		return true
	}
	for _, itf := range cls.Interfaces {
		if matches(itf) {
			return true
		}
	}
	return false
}

// RelocateMethods extracts the class's relocatable methods, up to the per
// class cap, into fresh helper classes appended to relocated.
func (r *CrossDexRelocator) RelocateMethods(cls *ir.Class, relocated *[]*ir.Class) {
	budget := r.config.MaxRelocatedMethodsPerClass
	take := func(m *ir.Method, virtual bool) bool {
		if budget <= 0 {
			return false
		}
		budget--

		name := fmt.Sprintf("Lredex/$Relocated%d;", r.helperCount)
		r.helperCount++
		helperType := r.arena.MakeType(name)
		helper := ir.NewClass(r.arena, helperType, r.arena.MakeType("Ljava/lang/Object;"))
		helper.Access = ir.AccPublic | ir.AccFinal

		m.Ref = r.arena.MakeMethodRef(helperType, m.Ref.Name(), m.Ref.Proto())
		helper.DMethods = append(helper.DMethods, m)
		r.helpers[helper] = &relocatedHelper{helper: helper, source: cls, method: m, virtual: virtual}
		*relocated = append(*relocated, helper)
		return true
	}

	var keptD []*ir.Method
	for _, m := range cls.DMethods {
		isStatic := m.Access.Has(ir.AccStatic)
		isInit := m.Ref.Name() == "<init>" || m.Ref.Name() == "<clinit>"
		eligible := (isStatic && !isInit && r.config.RelocateStaticMethods) ||
			(!isStatic && !isInit && r.config.RelocateNonStaticDirect)
		if eligible && take(m, false) {
			continue
		}
		keptD = append(keptD, m)
	}
	cls.DMethods = keptD

	if r.config.RelocateVirtualMethods {
		var keptV []*ir.Method
		for _, m := range cls.VMethods {
			if !r.isTrueVirtual(cls, m) && take(m, true) {
				continue
			}
			keptV = append(keptV, m)
		}
		cls.VMethods = keptV
	}
}

// AddToCurrentDex records that cls was just emitted; helpers are tracked
// per DEX so an overflow can merge them back.
func (r *CrossDexRelocator) AddToCurrentDex(cls *ir.Class) {
	if _, ok := r.helpers[cls]; ok {
		r.currentDexHelpers = append(r.currentDexHelpers, cls)
	}
}

// CurrentDexOverflowed merges the helpers of the DEX that just flushed back
// into their source classes; past that point a separate helper buys nothing
// and only costs a type.
func (r *CrossDexRelocator) CurrentDexOverflowed() {
	for _, helper := range r.currentDexHelpers {
		r.mergeBack(helper)
	}
	r.currentDexHelpers = nil
}

// Cleanup merges back every helper that was never emitted.
func (r *CrossDexRelocator) Cleanup() {
	var unplaced []*ir.Class
	for helper := range r.helpers {
		if !r.dexes.HasClass(helper) {
			unplaced = append(unplaced, helper)
		}
	}
	for _, helper := range unplaced {
		r.mergeBack(helper)
	}
	r.currentDexHelpers = nil
}

func (r *CrossDexRelocator) mergeBack(helper *ir.Class) {
	info, ok := r.helpers[helper]
	if !ok {
		return
	}
	delete(r.helpers, helper)

	m := info.method
	m.Ref = r.arena.MakeMethodRef(info.source.Type(), m.Ref.Name(), m.Ref.Proto())
	if info.virtual {
		info.source.VMethods = append(info.source.VMethods, m)
	} else {
		info.source.DMethods = append(info.source.DMethods, m)
	}
	helper.DMethods = nil

	// If the shell is still in the DEX being filled, report it squashed so
	// plugins see it separately from real classes.
	r.dexes.SquashClass(helper)
}
