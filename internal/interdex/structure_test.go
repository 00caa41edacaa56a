package interdex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexpack/dexpack/internal/ir"
)

func refSets(f *fixture, cls *ir.Class) (MethodRefs, FieldRefs, TypeRefs) {
	var mrefs []*ir.MethodRef
	var frefs []*ir.FieldRef
	var trefs []*ir.Type
	cls.GatherMethods(&mrefs)
	cls.GatherFields(&frefs)
	cls.GatherTypes(&trefs)
	ms := make(MethodRefs)
	for _, r := range mrefs {
		ms[r] = struct{}{}
	}
	fs := make(FieldRefs)
	for _, r := range frefs {
		fs[r] = struct{}{}
	}
	ts := make(TypeRefs)
	for _, r := range trefs {
		ts[r] = struct{}{}
	}
	return ms, fs, ts
}

func TestDexesStructureCapRejectsWithoutMutation(t *testing.T) {
	f := newFixture()
	a := f.class("Lapp/A;", f.libRef("r1"), f.libRef("r2"))
	b := f.class("Lapp/B;", f.libRef("r3"), f.libRef("r4"))

	d := NewDexesStructure()
	d.MaxMethodRefs = 4

	ms, fs, ts := refSets(f, a)
	require.True(t, d.AddClassToCurrentDex(ms, fs, ts, a))
	require.Len(t, d.CurrentDexClasses(), 1)

	// B would push the dex to 6 method refs.
	ms, fs, ts = refSets(f, b)
	require.False(t, d.AddClassToCurrentDex(ms, fs, ts, b))
	assert.Len(t, d.CurrentDexClasses(), 1)
	assert.False(t, d.HasClass(b))

	// Shared refs don't double count: re-adding A's refs with a new class
	// brings nothing new.
	dup := f.b.Class("Lapp/Dup;")
	require.True(t, d.AddClassToCurrentDex(ms2(f, a), nil, nil, dup))
}

func ms2(f *fixture, cls *ir.Class) MethodRefs {
	ms, _, _ := refSets(f, cls)
	return ms
}

func TestDexesStructureEndDexCountsFlavors(t *testing.T) {
	f := newFixture()
	a := f.class("Lapp/A;")
	b := f.class("Lapp/B;")

	d := NewDexesStructure()
	ms, fs, ts := refSets(f, a)
	d.AddClassNoChecks(ms, fs, ts, a)
	classes := d.EndDex(DexInfo{Primary: true})
	assert.Equal(t, []*ir.Class{a}, classes)

	ms, fs, ts = refSets(f, b)
	d.AddClassNoChecks(ms, fs, ts, b)
	d.EndDex(DexInfo{Coldstart: true, Scroll: true})

	assert.Equal(t, 2, d.NumDexes())
	assert.Equal(t, 1, d.NumSecondaryDexes())
	assert.Equal(t, 1, d.NumColdstartDexes())
	assert.Equal(t, 1, d.NumScrollDexes())
	assert.Equal(t, 0, d.NumExtendedDexes())
	assert.Equal(t, 2, d.NumClasses())
	assert.True(t, d.HasClass(a))
	assert.Empty(t, d.CurrentDexClasses())
}

func TestDexesStructureReservedTypeRefs(t *testing.T) {
	f := newFixture()
	a := f.class("Lapp/A;")

	d := NewDexesStructure()
	// A gathers three types (itself, Object, V); reserving down to a
	// two-type budget must reject it.
	d.MaxTypeRefs = 3
	d.ReservedTypeRefs = 1

	ms, fs, ts := refSets(f, a)
	require.Len(t, ts, 3)
	assert.False(t, d.AddClassToCurrentDex(ms, fs, ts, a))

	d.ReservedTypeRefs = 0
	assert.True(t, d.AddClassToCurrentDex(ms, fs, ts, a))
}
