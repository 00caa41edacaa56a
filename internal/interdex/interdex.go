package interdex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dexpack/dexpack/internal/ir"
)

// Options configures one packing run.
type Options struct {
	// NormalPrimaryDex treats the primary DEX like any other; otherwise the
	// primary is sealed and must keep fitting in one DEX.
	NormalPrimaryDex bool

	// KeepPrimaryOrder prepends the primary DEX's classes to the cold-start
	// sequence in normal-primary mode.
	KeepPrimaryOrder bool

	// ForceSingleDex bypasses packing entirely.
	ForceSingleDex bool

	EmitCanaries         bool
	MinimizeCrossDexRefs bool
	StaticPruneClasses   bool
	SortRemainingClasses bool

	// Caps override the DEX format limits when nonzero; tests shrink them.
	MaxMethodRefs    int
	MaxFieldRefs     int
	MaxTypeRefs      int
	ReservedTypeRefs int

	MinimizerConfig MinimizerConfig
	RelocatorConfig RelocatorConfig

	// SecondaryDexDir, when set, receives the dex_manifest.txt asset.
	SecondaryDexDir string
}

// ManifestEntry pairs a flushed secondary DEX's canary name with the
// layout flags it closed with.
type ManifestEntry struct {
	CanaryName string
	Info       DexInfo
}

// InterDex packs one store's classes into an ordered DEX partition.
type InterDex struct {
	arena   *ir.Arena
	scope   []*ir.Class
	dexen   [][]*ir.Class
	plugins []Plugin
	opts    Options
	log     *logrus.Logger

	dexes     *DexesStructure
	minimizer *CrossDexRefMinimizer
	relocator *CrossDexRelocator

	entries        []coldstartEntry
	coldstartNames []string
	lastEndMarker  int

	emittingScrollSet bool
	emittingBgSet     bool
	emittedBgSet      bool
	emittingExtended  bool

	outdex   [][]*ir.Class
	dexInfos []ManifestEntry
}

// NewInterDex creates a packer for the given root store and prepares the
// cold-start entry sequence from the ordered class-name list.
func NewInterDex(
	arena *ir.Arena,
	store *ir.Store,
	coldstartClassNames []string,
	plugins []Plugin,
	opts Options,
	log *logrus.Logger,
) *InterDex {
	if log == nil {
		log = logrus.New()
		log.SetOutput(devNull{})
	}
	dexes := NewDexesStructure()
	if opts.MaxMethodRefs > 0 {
		dexes.MaxMethodRefs = opts.MaxMethodRefs
	}
	if opts.MaxFieldRefs > 0 {
		dexes.MaxFieldRefs = opts.MaxFieldRefs
	}
	if opts.MaxTypeRefs > 0 {
		dexes.MaxTypeRefs = opts.MaxTypeRefs
	}
	dexes.ReservedTypeRefs = opts.ReservedTypeRefs

	x := &InterDex{
		arena:          arena,
		scope:          ir.BuildClassScope([]*ir.Store{store}),
		dexen:          store.Dexen,
		plugins:        plugins,
		opts:           opts,
		log:            log,
		dexes:          dexes,
		coldstartNames: coldstartClassNames,
	}
	x.loadColdstartEntries(coldstartClassNames)
	return x
}

type devNull struct{}

func (devNull) Write(p []byte) (int, error) { return len(p), nil }

// Dexes returns the emitted DEX partition.
func (x *InterDex) Dexes() [][]*ir.Class { return x.outdex }

// DexInfos returns the manifest entries of the emitted secondary DEXes.
func (x *InterDex) DexInfos() []ManifestEntry { return x.dexInfos }

// Structure exposes the accumulator, mainly for invariant-checking tests.
func (x *InterDex) Structure() *DexesStructure { return x.dexes }

// loadColdstartEntries converts the ordered name list into typed entries.
// Names with a class definition in scope become class entries unless the
// class is pre-assigned to an interdex subgroup; missing names become
// marker entries when they match a marker prefix and are dropped
// otherwise. After each end marker, the classes of the corresponding
// subgroup are spliced in.
func (x *InterDex) loadColdstartEntries(names []string) {
	inScope := make(map[*ir.Class]bool, len(x.scope))
	groups := make(map[int][]*ir.Type)
	maxGroup := -1
	for _, cls := range x.scope {
		inScope[cls] = true
		if cls.InterdexSubgroup != ir.NoInterdexSubgroup {
			groups[cls.InterdexSubgroup] = append(groups[cls.InterdexSubgroup], cls.Type())
			if cls.InterdexSubgroup > maxGroup {
				maxGroup = cls.InterdexSubgroup
			}
		}
	}

	currentGroup := 0
	endMarkers := 0
	for _, name := range names {
		typ := x.arena.GetType(name)
		cls := (*ir.Class)(nil)
		if typ != nil {
			cls = x.arena.ClassFor(typ)
		}
		if cls == nil || !inScope[cls] {
			kind, ok := markerKind(name)
			if !ok {
				continue
			}
			entry := coldstartEntry{kind: kind, typ: x.arena.MakeType(name)}
			if kind == EntryEndMarker {
				entry.ordinal = endMarkers
				endMarkers++
			}
			x.entries = append(x.entries, entry)
			if kind == EntryEndMarker {
				for _, extra := range groups[currentGroup] {
					x.entries = append(x.entries, coldstartEntry{kind: EntryClass, typ: extra})
				}
				currentGroup++
			}
			continue
		}
		if cls.InterdexSubgroup != ir.NoInterdexSubgroup {
			// Pre-grouped classes are spliced in at their marker instead.
			continue
		}
		x.entries = append(x.entries, coldstartEntry{kind: EntryClass, typ: typ})
	}

	// Classes of the trailing subgroup, if any, go at the end.
	for _, extra := range groups[currentGroup] {
		x.entries = append(x.entries, coldstartEntry{kind: EntryClass, typ: extra})
	}

	x.lastEndMarker = endMarkers - 1
}

func (x *InterDex) shouldSkipClassDueToPlugin(cls *ir.Class) bool {
	for _, plugin := range x.plugins {
		if plugin.ShouldSkipClass(cls) {
			x.log.WithFields(logrus.Fields{
				"plugin": plugin.Name(),
				"class":  cls.Name(),
			}).Debug("skipping class")
			return true
		}
	}
	return false
}

func (x *InterDex) shouldNotRelocateMethodsOfClass(cls *ir.Class) bool {
	for _, plugin := range x.plugins {
		if plugin.ShouldNotRelocateMethodsOfClass(cls) {
			return true
		}
	}
	return false
}

func (x *InterDex) addToScope(cls *ir.Class) {
	for _, plugin := range x.plugins {
		plugin.AddToScope(cls)
	}
}

// gatherRefs collects the refs the class would add to the current DEX,
// letting plugins charge extras and report erased classes.
func (x *InterDex) gatherRefs(info DexInfo, cls *ir.Class, erased *[]*ir.Class) (MethodRefs, FieldRefs, TypeRefs) {
	var mrefs []*ir.MethodRef
	var frefs []*ir.FieldRef
	var trefs []*ir.Type
	cls.GatherMethods(&mrefs)
	cls.GatherFields(&frefs)
	cls.GatherTypes(&trefs)

	noRelocate := x.shouldNotRelocateMethodsOfClass(cls)
	for _, plugin := range x.plugins {
		plugin.GatherRefs(info, cls, &mrefs, &frefs, &trefs, erased, noRelocate)
	}

	ms := make(MethodRefs, len(mrefs))
	for _, r := range mrefs {
		ms[r] = struct{}{}
	}
	fs := make(FieldRefs, len(frefs))
	for _, r := range frefs {
		fs[r] = struct{}{}
	}
	ts := make(TypeRefs, len(trefs))
	for _, r := range trefs {
		ts[r] = struct{}{}
	}
	return ms, fs, ts
}

// emitClass adds the class to the current DEX, flushing and retrying
// without checks on overflow. Returns whether the class was emitted at all.
func (x *InterDex) emitClass(info *DexInfo, cls *ir.Class, checkIfSkip, perfSensitive bool, erased *[]*ir.Class) bool {
	if IsCanary(cls) {
		return false
	}
	if x.dexes.HasClass(cls) {
		x.log.WithField("class", cls.Name()).Debug("trying to re-add class")
		return false
	}
	if checkIfSkip && x.shouldSkipClassDueToPlugin(cls) {
		return false
	}
	if perfSensitive {
		cls.PerfSensitive = true
	}

	mrefs, frefs, trefs := x.gatherRefs(*info, cls, erased)
	if !x.dexes.AddClassToCurrentDex(mrefs, frefs, trefs, cls) {
		x.flushOutDex(info)

		// Plugins may maintain internal state keyed to the flushed DEX, so
		// give them a chance to rebuild it by re-gathering.
		if erased != nil {
			*erased = (*erased)[:0]
		}
		mrefs, frefs, trefs = x.gatherRefs(*info, cls, erased)
		x.dexes.AddClassNoChecks(mrefs, frefs, trefs, cls)
	}
	return true
}

// findUnreferencedColdstartClasses runs the optional pruning fixed point:
// classes of the cold-start cohort that nothing inside the cohort
// references (and that could be renamed, so nothing external pins them)
// are emitted last among the cohort.
func (x *InterDex) findUnreferencedColdstartClasses() map[*ir.Class]bool {
	unreferenced := make(map[*ir.Class]bool)
	if !x.opts.StaticPruneClasses {
		return unreferenced
	}

	coldstart := make(map[*ir.Type]bool)
	var coldstartClasses []*ir.Class
	for _, entry := range x.entries {
		if entry.kind != EntryClass {
			continue
		}
		if cls := x.arena.ClassFor(entry.typ); cls != nil {
			coldstart[entry.typ] = true
			coldstartClasses = append(coldstartClasses, cls)
		}
	}

	oldNoRef, newNoRef := -1, 0
	inputScope := x.scope
	for oldNoRef != newNoRef {
		oldNoRef = newNoRef
		newNoRef = 0
		references := make(map[*ir.Type]bool)

		for _, cls := range inputScope {
			if !coldstart[cls.Type()] {
				continue
			}
			for _, m := range cls.AllMethods() {
				if m.Code == nil {
					continue
				}
				for _, insn := range m.Code.Insns() {
					var called *ir.Type
					switch {
					case insn.Method != nil:
						called = insn.Method.Owner()
					case insn.Field != nil:
						called = insn.Field.Owner()
					case insn.Type != nil:
						called = insn.Type
					}
					if called != nil && called != cls.Type() && coldstart[called] {
						references[called] = true
					}
				}
			}
		}

		// Classes that cannot be renamed might be reached from native code;
		// they pin themselves.
		for _, cls := range x.scope {
			if !cls.CanRename() {
				references[cls.Type()] = true
			}
		}

		// Pull in everything a referenced class mentions, even without a
		// direct opcode.
		for _, cls := range inputScope {
			if references[cls.Type()] {
				var types []*ir.Type
				cls.GatherTypes(&types)
				for _, t := range types {
					references[t] = true
				}
			}
		}

		var outputScope []*ir.Class
		for _, cls := range coldstartClasses {
			if cls.CanRename() && !references[cls.Type()] {
				newNoRef++
				unreferenced[cls] = true
			} else {
				outputScope = append(outputScope, cls)
			}
		}
		x.log.WithField("count", newNoRef).Debug("coldstart classes with no references")
		inputScope = outputScope
	}
	return unreferenced
}

// emitPrimaryDex emits the sealed primary DEX: cold-start members first (in
// cold-start order, perf-sensitive), then the rest. The result must still
// fit in a single DEX.
func (x *InterDex) emitPrimaryDex(primaryDex []*ir.Class, unreferenced map[*ir.Class]bool) error {
	primarySet := make(map[*ir.Class]bool, len(primaryDex))
	for _, cls := range primaryDex {
		primarySet[cls] = true
	}

	primaryInfo := DexInfo{Primary: true}
	inPrimary := 0
	skippedInPrimary := 0

	for _, entry := range x.entries {
		if entry.kind != EntryClass {
			continue
		}
		cls := x.arena.ClassFor(entry.typ)
		if cls == nil || !primarySet[cls] {
			continue
		}
		if unreferenced[cls] {
			skippedInPrimary++
			continue
		}
		x.emitClass(&primaryInfo, cls, true, true, nil)
		inPrimary++
	}

	for _, cls := range primaryDex {
		x.emitClass(&primaryInfo, cls, true, false, nil)
	}
	x.log.WithFields(logrus.Fields{
		"from_coldstart": inPrimary,
		"skipped":        skippedInPrimary,
		"total":          len(primaryDex),
	}).Info("primary dex emitted")

	x.flushOutDex(&primaryInfo)

	if n := x.dexes.NumDexes(); n != 1 {
		return protocolErrorf(ErrCodePrimaryOverflow,
			"primary dex doesn't fit in only 1 dex anymore, but in %d", n)
	}
	return nil
}

// emitColdstartClasses walks the prepared cold-start sequence, driving the
// marker state machine and emitting class entries perf-sensitive.
func (x *InterDex) emitColdstartClasses(info *DexInfo, unreferenced map[*ir.Class]bool) error {
	if len(x.entries) == 0 {
		x.log.Debug("no coldstart classes passed")
		return nil
	}

	// Coldstart has no interaction with the extended and scroll sets, but
	// that is not true for the latter two.
	info.Coldstart = true

	skippedInSecondary := 0

	for _, entry := range x.entries {
		switch entry.kind {
		case EntryScrollStart:
			if x.emittingScrollSet {
				return protocolErrorf(ErrCodeScrollNesting,
					"scroll start marker discovered after another scroll start marker")
			}
			if x.emittingBgSet {
				return protocolErrorf(ErrCodeScrollNesting,
					"scroll start marker discovered between background set markers")
			}
			x.emittingScrollSet = true
			info.Scroll = true
		case EntryScrollEnd:
			if !x.emittingScrollSet {
				return protocolErrorf(ErrCodeScrollNesting,
					"scroll end marker discovered without scroll start marker")
			}
			x.emittingScrollSet = false
		case EntryBgStart:
			if x.emittingBgSet {
				return protocolErrorf(ErrCodeBackgroundNesting,
					"background start marker discovered after another background start marker")
			}
			if x.emittingScrollSet {
				return protocolErrorf(ErrCodeBackgroundNesting,
					"background start marker discovered between scroll set markers")
			}
			x.emittingBgSet = true
			info.Background = true
		case EntryBgEnd:
			if !x.emittingBgSet {
				return protocolErrorf(ErrCodeBackgroundNesting,
					"background end marker discovered without background start marker")
			}
			x.emittingBgSet = false
			x.emittedBgSet = true
		case EntryEndMarker:
			if x.emittingScrollSet {
				return protocolErrorf(ErrCodeEndMarkerInSet,
					"end marker discovered between scroll start/end markers")
			}
			if x.emittingBgSet {
				return protocolErrorf(ErrCodeEndMarkerInSet,
					"end marker discovered between background start/end markers")
			}
			x.log.WithField("marker", entry.typ.Name()).Debug("terminating dex")
			x.flushOutDex(info)
			if entry.ordinal == x.lastEndMarker {
				info.Coldstart = false
			}
		case EntryClass:
			cls := x.arena.ClassFor(entry.typ)
			if cls == nil {
				continue
			}
			if unreferenced[cls] {
				skippedInSecondary++
				continue
			}
			if x.emittedBgSet {
				x.emittedBgSet = false
				info.Extended = true
				x.emittingExtended = true
			}
			info.BetamapOrdered = true
			x.emitClass(info, cls, true, true, nil)
		}
	}

	// Now emit the classes we omitted from the original cold-start set.
	for _, entry := range x.entries {
		if entry.kind != EntryClass {
			continue
		}
		if cls := x.arena.ClassFor(entry.typ); cls != nil && unreferenced[cls] {
			x.emitClass(info, cls, true, false, nil)
		}
	}

	x.log.WithField("skipped", skippedInSecondary).Debug(
		"classes unreferenced from the coldstart order in secondary dexes")

	if x.emittingScrollSet {
		return protocolErrorf(ErrCodeUnterminatedSet, "unterminated scroll set marker")
	}
	if x.emittingBgSet {
		return protocolErrorf(ErrCodeUnterminatedSet, "unterminated background set marker")
	}
	x.emittingExtended = false
	return nil
}

// initCrossDexRefMinimizer relocates methods when configured, then loads
// every not-yet-emitted class into the minimizer.
func (x *InterDex) initCrossDexRefMinimizer() {
	x.minimizer = NewCrossDexRefMinimizer(x.opts.MinimizerConfig)
	if x.opts.RelocatorConfig.Enabled() {
		x.relocator = NewCrossDexRelocator(x.opts.RelocatorConfig, x.arena, x.dexes)
	}

	var toInsert []*ir.Class
	for _, cls := range x.scope {
		if IsCanary(cls) || x.dexes.HasClass(cls) {
			continue
		}

		if x.relocator != nil && !x.shouldNotRelocateMethodsOfClass(cls) {
			var relocated []*ir.Class
			x.relocator.RelocateMethods(cls, &relocated)
			for _, rc := range relocated {
				x.addToScope(rc)
				x.minimizer.Ignore(rc)
				toInsert = append(toInsert, rc)
			}
		}

		if x.shouldSkipClassDueToPlugin(cls) {
			// A skipped class may reappear via the additional-class
			// mechanism, so its refs still inform the frequency model.
			x.minimizer.Sample(cls)
			continue
		}
		toInsert = append(toInsert, cls)
	}

	for _, cls := range toInsert {
		x.minimizer.Sample(cls)
	}
	for _, cls := range toInsert {
		x.minimizer.Insert(cls)
	}

	// Classes already sitting in the DEX we are about to keep filling have
	// their refs applied from the start.
	for _, cls := range x.dexes.CurrentDexClasses() {
		x.minimizer.Sample(cls)
		x.minimizer.Insert(cls)
		x.minimizer.Erase(cls, true, false)
	}
}

// emitRemainingClasses emits everything the cold-start walk left behind,
// either in scope order or through the cross-dex ref minimizer.
func (x *InterDex) emitRemainingClasses(info *DexInfo) {
	if !x.opts.MinimizeCrossDexRefs {
		for _, cls := range x.scope {
			x.emitClass(info, cls, true, false, nil)
		}
		return
	}

	x.initCrossDexRefMinimizer()

	dexnum := x.dexes.NumDexes()
	// Strategy: at the start of a fresh DEX pick the "worst" class (highest
	// seed score); during a DEX pick the class sharing the
	// most applied refs while bringing in the fewest unapplied ones.
	pickWorst := true
	for !x.minimizer.Empty() {
		var cls *ir.Class
		if pickWorst {
			worst := x.minimizer.Worst()
			if x.minimizer.UnappliedRefs(worst) > x.minimizer.AppliedRefs() {
				cls = worst
			}
		}
		if cls == nil {
			cls = x.minimizer.Front()
		}

		var erased []*ir.Class
		emitted := x.emitClass(info, cls, false, false, &erased)
		newDexnum := x.dexes.NumDexes()
		overflowed := dexnum != newDexnum
		x.minimizer.Erase(cls, emitted, overflowed)

		if x.relocator != nil {
			if overflowed {
				x.relocator.CurrentDexOverflowed()
			}
			x.relocator.AddToCurrentDex(cls)
		}

		// Refs owned by erased classes are effectively emitted.
		for _, erasedCls := range erased {
			x.log.WithField("class", erasedCls.Name()).Debug("applying erased class")
			x.minimizer.Insert(erasedCls)
			x.minimizer.Erase(erasedCls, true, false)
		}

		pickWorst = (pickWorst && !emitted) || overflowed
		dexnum = newDexnum
	}
}

// Cleanup merges back relocation helpers that never earned their keep.
func (x *InterDex) Cleanup() {
	if x.relocator != nil {
		x.relocator.Cleanup()
	}
}

// RunForceSingleDex adds every class without checks and flushes one DEX;
// overflow becomes the downstream writer's problem.
func (x *InterDex) RunForceSingleDex() error {
	info := DexInfo{Primary: true}
	scope := x.scope
	if len(x.coldstartNames) > 0 {
		info.Coldstart = true
		scope = orderClasses(x.arena, x.coldstartNames, scope)
	} else {
		x.log.Debug("single dex mode: no coldstart classes")
	}

	for _, cls := range scope {
		var erased []*ir.Class
		mrefs, frefs, trefs := x.gatherRefs(info, cls, &erased)
		x.dexes.AddClassNoChecks(mrefs, frefs, trefs, cls)
	}
	if len(x.dexes.CurrentDexClasses()) > 0 {
		x.flushOutDex(&info)
	}
	x.logStats()
	return nil
}

// orderClasses stably fronts the scope with the cold-start classes in list
// order, marking them perf-sensitive.
func orderClasses(arena *ir.Arena, coldstartClassNames []string, scope []*ir.Class) []*ir.Class {
	priority := make(map[*ir.Class]int)
	next := 0
	for _, name := range coldstartClassNames {
		if typ := arena.GetType(name); typ != nil {
			if cls := arena.ClassFor(typ); cls != nil {
				if _, ok := priority[cls]; !ok {
					priority[cls] = next
					next++
					cls.PerfSensitive = true
				}
			}
		}
	}
	out := append([]*ir.Class(nil), scope...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := priority[out[i]]
		pj, jok := priority[out[j]]
		if !iok {
			pi = int(^uint(0) >> 1)
		}
		if !jok {
			pj = int(^uint(0) >> 1)
		}
		return pi < pj
	})
	return out
}

// Run packs the root store.
func (x *InterDex) Run() error {
	if x.opts.ForceSingleDex {
		return x.RunForceSingleDex()
	}

	unreferenced := x.findUnreferencedColdstartClasses()

	if len(x.dexen) == 0 {
		return fmt.Errorf("root store has no dexes")
	}
	primaryDex := x.dexen[0]
	if !x.opts.NormalPrimaryDex {
		// The sealed primary gets special treatment; we can't touch it.
		if err := x.emitPrimaryDex(primaryDex, unreferenced); err != nil {
			return err
		}
	} else if x.opts.KeepPrimaryOrder && len(x.entries) > 0 {
		// The primary will be repacked too, so the cold-start order has to
		// respect it.
		x.prependPrimaryToEntries(primaryDex)
	}

	var dexInfo DexInfo
	if err := x.emitColdstartClasses(&dexInfo, unreferenced); err != nil {
		return err
	}

	x.emitRemainingClasses(&dexInfo)

	// Whatever leftovers the plugins have, unconditionally.
	for _, plugin := range x.plugins {
		for _, cls := range plugin.LeftoverClasses() {
			x.log.WithFields(logrus.Fields{
				"plugin": plugin.Name(),
				"class":  cls.Name(),
			}).Debug("emitting leftover class")
			x.emitClass(&dexInfo, cls, false, false, nil)
		}
	}

	if len(x.dexes.CurrentDexClasses()) > 0 {
		x.flushOutDex(&dexInfo)
	}

	if err := x.writeManifest(); err != nil {
		return err
	}

	if x.opts.EmitCanaries && x.dexes.NumDexes() >= maxDexNum {
		return protocolErrorf(ErrCodeTooManyDexes,
			"max dex number surpassed: %d", x.dexes.NumDexes())
	}

	x.logStats()
	return nil
}

func (x *InterDex) prependPrimaryToEntries(primaryDex []*ir.Class) {
	entries := make([]coldstartEntry, 0, len(primaryDex)+len(x.entries))
	for _, cls := range primaryDex {
		entries = append(entries, coldstartEntry{kind: EntryClass, typ: cls.Type()})
	}
	x.entries = append(entries, x.entries...)
}

// RunOnNonRootStore packs a non-root store simply: every class in scope
// order, one flush at the end of each full DEX.
func (x *InterDex) RunOnNonRootStore() error {
	var emptyInfo DexInfo
	for _, cls := range x.scope {
		x.emitClass(&emptyInfo, cls, false, false, nil)
	}
	if len(x.dexes.CurrentDexClasses()) > 0 {
		x.flushOutDex(&emptyInfo)
	}
	x.logStats()
	return nil
}

// flushOutDex closes the DEX being filled: fabricate its canary, pull in
// plugin-generated classes, optionally sort the unordered suffix for
// compressed size, and reset the per-DEX flags.
func (x *InterDex) flushOutDex(info *DexInfo) {
	dexnum := x.dexes.NumDexes()
	if info.Primary {
		x.log.WithField("classes", len(x.dexes.CurrentDexClasses())).Debug("writing out primary dex")
	} else {
		x.log.WithFields(logrus.Fields{
			"secondary":  x.dexes.NumSecondaryDexes() + 1,
			"coldstart":  info.Coldstart,
			"extended":   info.Extended,
			"background": info.Background,
			"scroll":     info.Scroll,
			"classes":    len(x.dexes.CurrentDexClasses()),
		}).Debug("writing out secondary dex")
	}

	if x.opts.EmitCanaries && !info.Primary {
		canaryName := fmt.Sprintf(canaryClassFormat, dexnum)
		canaryType := x.arena.GetType(canaryName)
		if canaryType == nil {
			canaryType = x.arena.MakeType(canaryName)
		}
		canaryCls := x.arena.ClassFor(canaryType)
		if canaryCls == nil {
			canaryCls = ir.NewClass(x.arena, canaryType, x.arena.MakeType("Ljava/lang/Object;"))
			canaryCls.Access = ir.AccPublic | ir.AccInterface | ir.AccAbstract
			// Don't rename the canary we've created.
			canaryCls.KeepName = true
		}
		x.dexes.AddClassNoChecks(nil, nil, nil, canaryCls)
		x.dexInfos = append(x.dexInfos, ManifestEntry{CanaryName: canaryName, Info: *info})
	}

	additional := make(map[*ir.Class]bool)
	for _, plugin := range x.plugins {
		classes := append([]*ir.Class(nil), x.dexes.CurrentDexClasses()...)
		classes = append(classes, x.dexes.CurrentDexSquashedClasses()...)
		for _, cls := range plugin.AdditionalClasses(classes) {
			x.log.WithFields(logrus.Fields{
				"plugin": plugin.Name(),
				"class":  cls.Name(),
			}).Debug("emitting plugin-generated class")
			x.dexes.AddClassNoChecks(nil, nil, nil, cls)
			// Be conservative: in ordered dexes the additional classes are
			// treated as perf-sensitive too.
			if info.Primary || info.BetamapOrdered {
				cls.PerfSensitive = true
			}
			additional[cls] = true
		}
	}

	classes := x.dexes.EndDex(*info)
	if x.opts.SortRemainingClasses {
		isOrdered := func(cls *ir.Class) bool {
			return cls.PerfSensitive && !additional[cls]
		}
		begin := 0
		for begin < len(classes) && isOrdered(classes[begin]) {
			begin++
		}
		x.log.WithFields(logrus.Fields{
			"skipping": begin,
			"sorting":  len(classes) - begin,
		}).Debug("sorting dex classes for compressed size")
		suffix := classes[begin:]
		sort.SliceStable(suffix, func(i, j int) bool {
			return x.compareForCompressedSize(suffix[i], suffix[j])
		})
	}
	x.outdex = append(x.outdex, classes)

	if !x.emittingScrollSet {
		info.Scroll = false
	}
	if !x.emittingBgSet {
		info.Background = false
	}
	if !x.emittingExtended {
		info.Extended = false
	}
	// Reset for the next writable DEX; set again whenever a DEX receives
	// betamap-ordered classes.
	info.BetamapOrdered = false
}

// compareForCompressedSize orders classes so similar ones neighbor:
// canaries first, interfaces after non-interfaces, subtypes before their
// base types, then by super class and interface list.
func (x *InterDex) compareForCompressedSize(c1, c2 *ir.Class) bool {
	if IsCanary(c1) != IsCanary(c2) {
		return IsCanary(c1)
	}
	if c1.IsInterface() != c2.IsInterface() {
		return !c1.IsInterface()
	}
	if ir.CheckCast(x.arena, c2.Type(), c1.Type()) {
		return false
	}
	if ir.CheckCast(x.arena, c1.Type(), c2.Type()) {
		return true
	}
	if c1.Super != c2.Super {
		if c1.Super == nil {
			return true
		}
		if c2.Super == nil {
			return false
		}
		return ir.CompareTypes(c1.Super, c2.Super)
	}
	if !typeListsEqual(c1.Interfaces, c2.Interfaces) {
		return ir.CompareTypeLists(c1.Interfaces, c2.Interfaces)
	}
	return false
}

func typeListsEqual(a, b []*ir.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// writeManifest appends one line per secondary DEX to dex_manifest.txt in
// the secondary-dex asset directory.
func (x *InterDex) writeManifest() error {
	if x.opts.SecondaryDexDir == "" {
		return nil
	}
	b01 := func(v bool) int {
		if v {
			return 1
		}
		return 0
	}
	var sb strings.Builder
	for ordinal, entry := range x.dexInfos {
		fmt.Fprintf(&sb, "%s,ordinal=%d,coldstart=%d,extended=%d,primary=%d,scroll=%d,background=%d\n",
			entry.CanaryName, ordinal,
			b01(entry.Info.Coldstart), b01(entry.Info.Extended),
			b01(entry.Info.Primary), b01(entry.Info.Scroll),
			b01(entry.Info.Background))
	}
	path := filepath.Join(x.opts.SecondaryDexDir, "dex_manifest.txt")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing dex manifest: %w", err)
	}
	return nil
}

func (x *InterDex) logStats() {
	x.log.WithFields(logrus.Fields{
		"dexes":           x.dexes.NumDexes(),
		"secondary_dexes": x.dexes.NumSecondaryDexes(),
		"coldstart_dexes": x.dexes.NumColdstartDexes(),
		"extended_dexes":  x.dexes.NumExtendedDexes(),
		"scroll_dexes":    x.dexes.NumScrollDexes(),
		"classes":         x.dexes.NumClasses(),
		"mrefs":           x.dexes.NumMrefs(),
		"frefs":           x.dexes.NumFrefs(),
		"dmethods":        x.dexes.NumDmethods(),
		"vmethods":        x.dexes.NumVmethods(),
	}).Info("interdex finished")
}
