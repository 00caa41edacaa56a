package instrument

import (
	"fmt"

	"github.com/dexpack/dexpack/internal/ir"
)

// onMethodExitMap indexes the analysis class's onMethodExit overloads by
// the number of short vector arguments they accept (excluding the leading
// int offset).
type onMethodExitMap map[int]*ir.Method

// loadOnMethodBegin finds the onMethodBegin hook among the analysis class's
// direct methods. The hook must take exactly one int argument.
func loadOnMethodBegin(arena *ir.Arena, cls *ir.Class, name string) (*ir.Method, error) {
	intType := arena.MakeType("I")
	for _, m := range cls.DMethods {
		if m.Ref.Name() != name {
			continue
		}
		args := m.Ref.Proto().Args()
		if len(args) != 1 || args[0] != intType {
			return nil, fmt.Errorf(
				"proto type of onMethodBegin must be onMethodBegin(int), but it was %s",
				m.Ref.Proto().Descriptor())
		}
		return m, nil
	}
	return nil, fmt.Errorf("cannot find %s in %s", name, cls.Name())
}

// buildOnMethodExitMap collects the onMethodExit overloads. Each overload
// must take an int offset followed only by short vectors; an empty map is a
// configuration error.
func buildOnMethodExitMap(arena *ir.Arena, cls *ir.Class, name string) (onMethodExitMap, error) {
	intType := arena.MakeType("I")
	shortType := arena.MakeType("S")

	out := make(onMethodExitMap)
	for _, m := range cls.DMethods {
		if m.Ref.Name() != name {
			continue
		}
		args := m.Ref.Proto().Args()
		bad := len(args) == 0 || args[0] != intType
		for _, a := range args[1:] {
			if a != shortType {
				bad = true
			}
		}
		if bad {
			return nil, fmt.Errorf(
				"proto type of onMethodExit must be (int) or (int, short, ..., short), but it was %s",
				m.Ref.Proto().Descriptor())
		}
		// Exclude the leading int offset from the arity key.
		out[len(args)-1] = m
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cannot find %s in %s", name, cls.Name())
	}
	return out, nil
}

// maxArity returns the largest vector arity among the overloads.
func (m onMethodExitMap) maxArity() int {
	max := 0
	for arity := range m {
		if arity > max {
			max = arity
		}
	}
	return max
}
