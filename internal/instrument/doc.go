// Package instrument implements the basic-block instrumentation engine: a
// control-flow transform that rewrites selected method bodies to record
// per-block execution into 16-bit vectors and to call the analysis class's
// entry and exit hooks, then emits the CSV metadata the downstream profiler
// consumes.
//
// ARCHITECTURE:
//
// Single Deterministic Walk:
// Methods are processed in store/dex/class/member order. Offsets into the
// shared stats array are assigned monotonically along that walk, so the
// same input always produces the same metadata files.
//
// Per-Method Isolation:
// Each rewrite builds the method's editable CFG, mutates only that graph,
// and commits it back before moving on. The shared analysis class is
// touched only during setup (hook discovery) and teardown (static field
// patching).
package instrument
