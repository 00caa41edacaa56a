package interdex

import (
	"github.com/dexpack/dexpack/internal/ir"
)

// MinimizerConfig holds the ref and seed weights of the cross-dex
// reference minimizer. Ref weights price a ref kind when scoring how
// expensive a class is to bring into the current DEX; seed weights price
// refs when picking the starting class of a fresh DEX.
type MinimizerConfig struct {
	MethodRefWeight uint64
	FieldRefWeight  uint64
	TypeRefWeight   uint64
	StringRefWeight uint64

	MethodSeedWeight uint64
	FieldSeedWeight  uint64
	TypeSeedWeight   uint64
	StringSeedWeight uint64
}

// DefaultMinimizerConfig returns the production weights.
func DefaultMinimizerConfig() MinimizerConfig {
	return MinimizerConfig{
		MethodRefWeight:  100,
		FieldRefWeight:   90,
		TypeRefWeight:    100,
		StringRefWeight:  90,
		MethodSeedWeight: 600,
		FieldSeedWeight:  200,
		TypeSeedWeight:   400,
		StringSeedWeight: 100,
	}
}

// ref is one cross-dex-countable reference: a *ir.MethodRef, *ir.FieldRef,
// *ir.Type, or a string literal. All are comparable, so refs can key maps.
type ref any

type classRefs struct {
	cls *ir.Class
	// refs are the class's owned refs, deduplicated, in first-seen order.
	refs        []ref
	refWeights  map[ref]uint64
	seedWeights map[ref]uint64
	index       int // insertion order; the deterministic tie-breaker
}

// CrossDexRefMinimizer greedily orders the remaining classes so that
// consecutive emissions share as many refs as possible within one DEX.
type CrossDexRefMinimizer struct {
	config MinimizerConfig

	infos   map[*ir.Class]*classRefs
	ordered []*classRefs // insertion order, with erased entries nilled out

	// refCounts is the global frequency of each sampled ref; it feeds the
	// seed score and the infrequent-ref discount.
	refCounts map[ref]int

	// appliedRefs are refs already present in the DEX being filled.
	appliedRefs map[ref]bool

	sampled map[*ir.Class][]ref
	nextIdx int
}

// NewCrossDexRefMinimizer creates an empty minimizer.
func NewCrossDexRefMinimizer(config MinimizerConfig) *CrossDexRefMinimizer {
	return &CrossDexRefMinimizer{
		config:      config,
		infos:       make(map[*ir.Class]*classRefs),
		refCounts:   make(map[ref]int),
		appliedRefs: make(map[ref]bool),
		sampled:     make(map[*ir.Class][]ref),
	}
}

// Config returns the weights in force.
func (m *CrossDexRefMinimizer) Config() MinimizerConfig { return m.config }

// gatherClassRefs collects a class's owned refs, deduplicated in
// first-seen order.
func gatherClassRefs(cls *ir.Class) []ref {
	var mrefs []*ir.MethodRef
	var frefs []*ir.FieldRef
	var trefs []*ir.Type
	var strs []string
	cls.GatherMethods(&mrefs)
	cls.GatherFields(&frefs)
	cls.GatherTypes(&trefs)
	cls.GatherStrings(&strs)

	seen := make(map[ref]bool)
	var out []ref
	add := func(r ref) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range mrefs {
		add(r)
	}
	for _, r := range frefs {
		add(r)
	}
	for _, r := range trefs {
		add(r)
	}
	for _, s := range strs {
		add(s)
	}
	return out
}

func (m *CrossDexRefMinimizer) weights(r ref) (refWeight, seedWeight uint64) {
	switch r.(type) {
	case *ir.MethodRef:
		return m.config.MethodRefWeight, m.config.MethodSeedWeight
	case *ir.FieldRef:
		return m.config.FieldRefWeight, m.config.FieldSeedWeight
	case *ir.Type:
		return m.config.TypeRefWeight, m.config.TypeSeedWeight
	default:
		return m.config.StringRefWeight, m.config.StringSeedWeight
	}
}

// Sample records a class's refs into the global frequency counts. Classes
// that plugins skip are sampled without being inserted, so their refs still
// inform the frequency model.
func (m *CrossDexRefMinimizer) Sample(cls *ir.Class) {
	if _, ok := m.sampled[cls]; ok {
		return
	}
	refs := gatherClassRefs(cls)
	m.sampled[cls] = refs
	for _, r := range refs {
		m.refCounts[r]++
	}
}

// Ignore marks a class as sampled with no refs, so a later Sample does not
// double count it. Used for relocation helpers whose refs were already
// counted against their source class.
func (m *CrossDexRefMinimizer) Ignore(cls *ir.Class) {
	if _, ok := m.sampled[cls]; !ok {
		m.sampled[cls] = nil
	}
}

// Insert adds a class to the pending set.
func (m *CrossDexRefMinimizer) Insert(cls *ir.Class) {
	if _, ok := m.infos[cls]; ok {
		return
	}
	refs, ok := m.sampled[cls]
	if !ok || refs == nil {
		refs = gatherClassRefs(cls)
	}
	info := &classRefs{
		cls:         cls,
		refs:        refs,
		refWeights:  make(map[ref]uint64, len(refs)),
		seedWeights: make(map[ref]uint64, len(refs)),
		index:       m.nextIdx,
	}
	m.nextIdx++
	for _, r := range refs {
		rw, sw := m.weights(r)
		info.refWeights[r] = rw
		info.seedWeights[r] = sw
	}
	m.infos[cls] = info
	m.ordered = append(m.ordered, info)
}

// Empty reports whether no classes remain.
func (m *CrossDexRefMinimizer) Empty() bool { return len(m.infos) == 0 }

// Size returns the number of pending classes.
func (m *CrossDexRefMinimizer) Size() int { return len(m.infos) }

// seedScore prices a class for starting a fresh DEX: the frequency-scaled
// seed weight of its refs. The "worst" class maximizes it.
func (m *CrossDexRefMinimizer) seedScore(info *classRefs) uint64 {
	var score uint64
	for _, r := range info.refs {
		score += info.seedWeights[r] * uint64(m.refCounts[r])
	}
	return score
}

// unappliedCost prices bringing a class into the current DEX: the weighted
// count of its refs not applied yet. Refs used by only one class in the
// whole scope cost nothing (they must be paid somewhere regardless, and
// sharing is impossible); refs with few users are discounted.
func (m *CrossDexRefMinimizer) unappliedCost(info *classRefs) uint64 {
	var cost uint64
	for _, r := range info.refs {
		if m.appliedRefs[r] {
			continue
		}
		w := info.refWeights[r]
		switch count := m.refCounts[r]; {
		case count <= 1:
			w = 0
		case count <= 5:
			w /= 2
		}
		cost += w
	}
	return cost
}

func (m *CrossDexRefMinimizer) appliedOverlap(info *classRefs) int {
	n := 0
	for _, r := range info.refs {
		if m.appliedRefs[r] {
			n++
		}
	}
	return n
}

// Worst returns the class with the highest seed score, ties broken by
// insertion order.
func (m *CrossDexRefMinimizer) Worst() *ir.Class {
	var best *classRefs
	var bestScore uint64
	for _, info := range m.ordered {
		if info == nil {
			continue
		}
		score := m.seedScore(info)
		if best == nil || score > bestScore {
			best = info
			bestScore = score
		}
	}
	if best == nil {
		return nil
	}
	return best.cls
}

// Front returns the highest-priority class for the DEX being filled:
// smallest unapplied cost, then largest applied overlap, then highest seed
// score, then insertion order.
func (m *CrossDexRefMinimizer) Front() *ir.Class {
	var best *classRefs
	var bestCost uint64
	var bestOverlap int
	var bestSeed uint64
	for _, info := range m.ordered {
		if info == nil {
			continue
		}
		cost := m.unappliedCost(info)
		overlap := m.appliedOverlap(info)
		seed := m.seedScore(info)
		better := false
		switch {
		case best == nil:
			better = true
		case cost != bestCost:
			better = cost < bestCost
		case overlap != bestOverlap:
			better = overlap > bestOverlap
		case seed != bestSeed:
			better = seed > bestSeed
		}
		if better {
			best, bestCost, bestOverlap, bestSeed = info, cost, overlap, seed
		}
	}
	if best == nil {
		return nil
	}
	return best.cls
}

// UnappliedRefs returns how many of the class's refs are not applied yet.
func (m *CrossDexRefMinimizer) UnappliedRefs(cls *ir.Class) int {
	info := m.infos[cls]
	if info == nil {
		return 0
	}
	return len(info.refs) - m.appliedOverlap(info)
}

// AppliedRefs returns how many refs the DEX being filled has applied.
func (m *CrossDexRefMinimizer) AppliedRefs() int { return len(m.appliedRefs) }

// Erase removes a class from the pending set. When the class was emitted,
// its refs become applied. When the emission overflowed into a fresh DEX,
// the applied set is reset first, so it ends up holding exactly the refs of
// the classes present in the fresh DEX.
func (m *CrossDexRefMinimizer) Erase(cls *ir.Class, emitted, overflowed bool) {
	if overflowed {
		m.appliedRefs = make(map[ref]bool)
	}
	info := m.infos[cls]
	if info != nil {
		delete(m.infos, cls)
		m.ordered[indexOf(m.ordered, info)] = nil
	}
	if emitted {
		refs := m.sampled[cls]
		if info != nil {
			refs = info.refs
		}
		for _, r := range refs {
			m.appliedRefs[r] = true
		}
	}
}

func indexOf(slice []*classRefs, target *classRefs) int {
	for i, info := range slice {
		if info == target {
			return i
		}
	}
	return -1
}
