package interdex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexpack/dexpack/internal/ir"
)

func sampleAndInsert(m *CrossDexRefMinimizer, classes ...*ir.Class) {
	for _, cls := range classes {
		m.Sample(cls)
	}
	for _, cls := range classes {
		m.Insert(cls)
	}
}

func TestMinimizerWorstPrefersHighSeedScore(t *testing.T) {
	f := newFixture()
	shared := f.libRef("shared")
	heavy := f.class("Lapp/Heavy;", shared, f.libRef("h1"), f.libRef("h2"))
	light := f.class("Lapp/Light;")
	other := f.class("Lapp/Other;", shared)

	m := NewCrossDexRefMinimizer(DefaultMinimizerConfig())
	sampleAndInsert(m, light, heavy, other)

	assert.Same(t, heavy, m.Worst())
}

func TestMinimizerFrontPrefersAppliedOverlap(t *testing.T) {
	f := newFixture()
	r1 := f.libRef("r1")
	a := f.class("Lapp/A;", r1, f.libRef("r2"))
	b := f.class("Lapp/B;", r1, f.libRef("r3"))
	c := f.class("Lapp/C;", f.libRef("r4"))

	m := NewCrossDexRefMinimizer(DefaultMinimizerConfig())
	sampleAndInsert(m, a, b, c)

	m.Erase(a, true, false)
	// B shares r1 with the applied set; C shares only the ambient types.
	assert.Same(t, b, m.Front())
}

func TestMinimizerEraseTracksAppliedRefs(t *testing.T) {
	f := newFixture()
	a := f.class("Lapp/A;", f.libRef("r1"))
	b := f.class("Lapp/B;", f.libRef("r1"))

	m := NewCrossDexRefMinimizer(DefaultMinimizerConfig())
	sampleAndInsert(m, a, b)
	require.Equal(t, 2, m.Size())

	assert.Equal(t, 0, m.AppliedRefs())
	m.Erase(a, true, false)
	assert.Positive(t, m.AppliedRefs())
	unappliedBefore := m.UnappliedRefs(b)

	// On overflow the applied set resets to the fresh dex contents.
	m.Erase(b, true, true)
	assert.True(t, m.Empty())
	assert.Positive(t, unappliedBefore)
}

func TestMinimizerInfrequentRefsAreFree(t *testing.T) {
	f := newFixture()
	// Apart from the Object and V types they share, each class carries only
	// refs used once in the whole scope, which cost nothing; the costs tie
	// and the tie breaks by insertion order.
	a := f.class("Lapp/A;", f.libRef("only_a"))
	b := f.class("Lapp/B;", f.libRef("only_b"))

	m := NewCrossDexRefMinimizer(DefaultMinimizerConfig())
	sampleAndInsert(m, a, b)

	assert.Same(t, a, m.Front())
}

func TestMinimizerSampleIsIdempotent(t *testing.T) {
	f := newFixture()
	a := f.class("Lapp/A;", f.libRef("r1"))

	m := NewCrossDexRefMinimizer(DefaultMinimizerConfig())
	m.Sample(a)
	m.Sample(a)
	m.Insert(a)

	// Double sampling must not double the frequency counts; seed score for
	// a freq-1 ref uses weight*1.
	cfg := DefaultMinimizerConfig()
	refs := m.infos[a].refs
	var methodRefs int
	for _, r := range refs {
		if _, ok := r.(*ir.MethodRef); ok {
			methodRefs++
		}
	}
	expected := cfg.MethodSeedWeight*uint64(methodRefs) +
		cfg.TypeSeedWeight*uint64(len(refs)-methodRefs)
	assert.Equal(t, expected, m.seedScore(m.infos[a]))
}
