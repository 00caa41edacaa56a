// Package ir holds the in-memory model of a parsed DEX application that the
// dexpack engines operate on: interned types and member references, class
// definitions, a small instruction set, and an editable control-flow graph.
//
// ARCHITECTURE:
//
// Explicit Arena:
// All types, protos and member references are interned in an Arena that is
// threaded explicitly into every entry point. There is no process-global
// registry; two Arenas never share handles. Identity comparisons (==) on
// *Type, *MethodRef and *FieldRef are therefore meaningful within one Arena.
//
// Handles, Not Graphs:
// The class graph is cyclic (super types, interfaces, member references).
// Classes store plain handle slices and never own their referents, so the
// whole model is torn down by dropping the Arena.
//
// Scoped CFG Editing:
// Code.BuildCFG hands out the editable graph; Code.ClearCFG commits the
// blocks back into the linear instruction list and releases the graph.
// Callers must pair the two on every exit path.
package ir
