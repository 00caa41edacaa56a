// Package interdex implements the inter-dex packing engine: a bin-packing
// planner that distributes the root store's classes across a sequence of
// DEX files under hard per-DEX reference caps, honoring the ordered
// cold-start layout with its scroll/background/extended markers, the
// primary-DEX invariants, and a cross-dex reference minimizer that picks
// class emission order to maximize intra-DEX reference sharing.
//
// ARCHITECTURE:
//
// Single Accumulator:
// All emission funnels through one DexesStructure. emitClass computes the
// refs a class would add, tries the capped add, and on overflow flushes the
// current DEX and re-adds without checks. The other writers are
// flushOutDex (canaries and plugin-supplied additional classes), the
// force-single-dex path, and the relocator's merge-back, which marks helper
// shells as squashed.
//
// Fatal Protocol Violations:
// The cold-start marker stream has a strict protocol (scroll and background
// ranges must be well-nested and disjoint, end markers must fall outside
// both). Violations indicate a corrupt betamap and abort the run with a
// typed ProtocolError.
package interdex
