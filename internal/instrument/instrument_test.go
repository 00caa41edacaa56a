package instrument

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexpack/dexpack/internal/ir"
	"github.com/dexpack/dexpack/internal/report"
	"github.com/dexpack/dexpack/internal/testutil"
)

const analysisClassName = "Lcom/dexpack/Analysis;"

// newAnalysisClass builds the analysis class with onMethodBegin, three
// onMethodExit overloads (arity 1..3) and the three patchable fields.
func newAnalysisClass(b *testutil.Builder) *ir.Class {
	cls := b.Class(analysisClassName)
	b.StaticMethod(cls, "onMethodBegin", "V", "I")
	b.StaticMethod(cls, "onMethodExit", "V", "I", "S")
	b.StaticMethod(cls, "onMethodExit", "V", "I", "S", "S")
	b.StaticMethod(cls, "onMethodExit", "V", "I", "S", "S", "S")
	for _, name := range []string{"sMethodStats", "sNumStaticallyInstrumented", "sProfileType"} {
		cls.SFields = append(cls.SFields, &ir.Field{
			Ref:      b.Arena.MakeFieldRef(cls.Type(), name, b.Arena.MakeType("I")),
			Access:   ir.AccPublic | ir.AccStatic,
			DeobName: name,
		})
	}
	return cls
}

func defaultOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		AnalysisClassName:    analysisClassName,
		AnalysisMethodNames:  []string{"onMethodBegin", "onMethodExit"},
		MetadataBaseFileName: "redex-source-blocks.csv",
		OutputDir:            t.TempDir(),
		MaxNumBlocks:         500,
	}
}

func rootStore(classes ...*ir.Class) []*ir.Store {
	return []*ir.Store{{Name: "classes", Root: true, Dexen: [][]*ir.Class{classes}}}
}

func countOps(code *ir.Code, op ir.Op) int {
	n := 0
	for _, insn := range code.Insns() {
		if insn.Op == op {
			n++
		}
	}
	return n
}

func TestInstrumentDiamondMethod(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = b.DiamondCode(m.Ref)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.False(t, rec.TooManyBlocks)
	assert.Equal(t, 8, rec.Offset)
	assert.Equal(t, 3, rec.NumNonEntryBlocks)
	assert.Equal(t, 3, rec.NumInstrumentedBlocks)
	assert.Equal(t, 1, rec.NumVectors)
	assert.Equal(t, 1, rec.NumExitCalls)
	assert.Empty(t, rec.RejectedBlocks)
	assert.Equal(t, InstrumentedTypeBoth, rec.InstrumentedType())

	// Invariant: instrumented + rejected = non-entry blocks.
	assert.Equal(t, rec.NumNonEntryBlocks, rec.NumInstrumentedBlocks+len(rec.RejectedBlocks))

	// One OR per instrumented block; prologue invoke + one exit invoke.
	assert.Equal(t, 3, countOps(m.Code, ir.OpOrIntLit16))
	assert.Equal(t, 2, countOps(m.Code, ir.OpInvokeStatic))

	// The next method would start after 2 stats shorts and 1 vector.
	assert.Equal(t, 8+2+1, res.MethodOffset)
}

func TestInstrumentVectorCountMatchesBlocks(t *testing.T) {
	// 20 instrumentable blocks need ceil(20/16) = 2 vectors.
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/Chain;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = chainCode(b, m.Ref, 20)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	rec := res.Records[0]
	assert.Equal(t, 20, rec.NumInstrumentedBlocks)
	assert.Equal(t, 2, rec.NumVectors)
	assert.Len(t, rec.BitIDToBlockID, 20)
}

// chainCode builds entry -> b1 -> ... -> bn, each with one opcode and a
// source block; the final block returns.
func chainCode(b *testutil.Builder, owner *ir.MethodRef, n int) *ir.Code {
	graph := &ir.ControlFlowGraph{}
	entry := graph.NewBlock()
	entry.Append(ir.NewInsn(ir.OpConst))
	prev := entry
	for i := 0; i < n; i++ {
		blk := graph.NewBlock()
		blk.Append(ir.NewInsn(ir.OpConst))
		blk.AttachSourceBlock(&ir.SourceBlock{Src: owner, ID: uint32(i)})
		graph.AddEdge(prev, blk, ir.EdgeGoto)
		prev = blk
	}
	prev.Append(ir.NewInsn(ir.OpReturnVoid))
	return ir.NewCode(graph)
}

func TestInstrumentSplitsExitCallsPastMaxArity(t *testing.T) {
	// 50 blocks -> 4 vectors; max overload arity is 3, so the exit chain is
	// onMethodExit(offset, v0, v1, v2); offset += 3; onMethodExit(offset, v3).
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/Wide;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = chainCode(b, m.Ref, 50)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	rec := res.Records[0]
	require.Equal(t, 4, rec.NumVectors)
	require.Equal(t, 1, rec.NumExitCalls)

	var exitInvokes []*ir.Insn
	for _, insn := range m.Code.Insns() {
		if insn.Op == ir.OpInvokeStatic && insn.Method.Name() == "onMethodExit" {
			exitInvokes = append(exitInvokes, insn)
		}
	}
	require.Len(t, exitInvokes, 2)
	assert.Len(t, exitInvokes[0].Srcs, 4) // offset + 3 vectors
	assert.Len(t, exitInvokes[1].Srcs, 2) // offset + 1 vector
}

func TestInstrumentTooManyBlocks(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/Big;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = chainCode(b, m.Ref, 1000)

	opts := defaultOptions(t)
	opts.MaxNumBlocks = 500
	engine := NewEngine(b.Arena, opts, nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	rec := res.Records[0]
	assert.True(t, rec.TooManyBlocks)
	assert.Equal(t, 0, rec.NumVectors)
	assert.Empty(t, rec.BitIDToBlockID)
	assert.Equal(t, InstrumentedTypeMethodOnly, rec.InstrumentedType())

	// Only the method-level prologue was inserted: no ORs, one invoke.
	assert.Equal(t, 0, countOps(m.Code, ir.OpOrIntLit16))
	assert.Equal(t, 1, countOps(m.Code, ir.OpInvokeStatic))
	assert.Equal(t, 8+2+0, res.MethodOffset)
}

func TestInstrumentEntryBlockWithThrowEdge(t *testing.T) {
	// The entry block sits in a try-region, so it is included in the
	// instrumentation set and the prologue gets its own block.
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/Try;")
	m := b.VoidMethod(app, "run", nil)

	graph := &ir.ControlFlowGraph{}
	entry := graph.NewBlock()
	entry.Append(ir.NewInsn(ir.OpLoadParam), ir.NewInsn(ir.OpConst))
	entry.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 0})
	ret := graph.NewBlock()
	ret.Append(ir.NewInsn(ir.OpReturnVoid))
	ret.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 1})
	handler := graph.NewBlock()
	handler.Append(ir.NewInsn(ir.OpMoveException), ir.NewInsn(ir.OpThrow))
	graph.AddEdge(entry, ret, ir.EdgeGoto)
	graph.AddEdge(entry, handler, ir.EdgeThrow)
	m.Code = ir.NewCode(graph)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	rec := res.Records[0]
	// Old entry, return block and handler are all non-entry now.
	assert.Equal(t, 3, rec.NumNonEntryBlocks)
	// Entry and return instrumented; handler rejected as a catch block.
	assert.Equal(t, 2, rec.NumInstrumentedBlocks)
	require.Len(t, rec.RejectedBlocks, 1)
	assert.Equal(t, BlockTypeCatch, rec.RejectedBlocks[handler.ID()])
	assert.Equal(t, rec.NumNonEntryBlocks, rec.NumInstrumentedBlocks+len(rec.RejectedBlocks))

	// The entry block's coverage update lands after its param loading.
	assert.Contains(t, rec.BitIDToBlockID, entry.ID())
}

func TestInstrumentBlockClassification(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/Mix;")
	m := b.VoidMethod(app, "run", nil)

	graph := &ir.ControlFlowGraph{}
	entry := graph.NewBlock()
	entry.Append(ir.NewInsn(ir.OpInvokeStatic))

	// Starts with move-result: insertion point is past it.
	moveResult := graph.NewBlock()
	moveResult.Append(ir.NewInsn(ir.OpMoveResult), ir.NewInsn(ir.OpConst))
	moveResult.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 0})

	// Only a move-result: useless.
	useless := graph.NewBlock()
	useless.Append(ir.NewInsn(ir.OpMoveResult))

	// Empty block.
	empty := graph.NewBlock()

	// No source block, not a leaf: rejected.
	noSB := graph.NewBlock()
	noSB.Append(ir.NewInsn(ir.OpConst))

	ret := graph.NewBlock()
	ret.Append(ir.NewInsn(ir.OpReturnVoid))
	ret.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 1})

	graph.AddEdge(entry, moveResult, ir.EdgeGoto)
	graph.AddEdge(moveResult, useless, ir.EdgeGoto)
	graph.AddEdge(useless, empty, ir.EdgeGoto)
	graph.AddEdge(empty, noSB, ir.EdgeGoto)
	graph.AddEdge(noSB, ret, ir.EdgeGoto)
	m.Code = ir.NewCode(graph)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	rec := res.Records[0]
	assert.Equal(t, 5, rec.NumNonEntryBlocks)
	assert.Equal(t, 2, rec.NumInstrumentedBlocks) // moveResult + ret
	assert.Equal(t, 1, rec.NumEmptyBlocks)
	assert.Equal(t, 1, rec.NumUselessBlocks)
	assert.Equal(t, 1, rec.NumNoSourceBlocks)
	assert.Equal(t, rec.NumNonEntryBlocks, rec.NumInstrumentedBlocks+len(rec.RejectedBlocks))

	assert.Equal(t, BlockTypeUseless|BlockTypeNormal, rec.RejectedBlocks[useless.ID()])
	assert.Equal(t, BlockTypeEmpty, rec.RejectedBlocks[empty.ID()])
	assert.Equal(t, BlockTypeNoSourceBlock|BlockTypeNormal, rec.RejectedBlocks[noSB.ID()])
}

func TestInstrumentCatchBlocksOptIn(t *testing.T) {
	build := func() (*testutil.Builder, *ir.Class, *ir.Method, *ir.Block) {
		b := testutil.NewBuilder()
		app := b.Class("Lcom/app/Catchy;")
		m := b.VoidMethod(app, "run", nil)
		graph := &ir.ControlFlowGraph{}
		entry := graph.NewBlock()
		entry.Append(ir.NewInsn(ir.OpInvokeStatic))
		handler := graph.NewBlock()
		handler.Append(ir.NewInsn(ir.OpMoveException), ir.NewInsn(ir.OpConst), ir.NewInsn(ir.OpReturnVoid))
		handler.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 0})
		ret := graph.NewBlock()
		ret.Append(ir.NewInsn(ir.OpReturnVoid))
		ret.AttachSourceBlock(&ir.SourceBlock{Src: m.Ref, ID: 1})
		graph.AddEdge(entry, ret, ir.EdgeGoto)
		graph.AddEdge(entry, handler, ir.EdgeThrow)
		m.Code = ir.NewCode(graph)
		return b, app, m, handler
	}

	t.Run("skipped by default", func(t *testing.T) {
		b, app, _, handler := build()
		analysis := newAnalysisClass(b)
		engine := NewEngine(b.Arena, defaultOptions(t), nil)
		res, err := engine.Run(rootStore(analysis, app), nil)
		require.NoError(t, err)
		rec := res.Records[0]
		assert.Equal(t, BlockTypeCatch, rec.RejectedBlocks[handler.ID()])
		assert.Equal(t, 1, rec.NumCatches)
		assert.Equal(t, 0, rec.NumInstrumentedCatches)
	})

	t.Run("instrumented when enabled", func(t *testing.T) {
		b, app, _, handler := build()
		analysis := newAnalysisClass(b)
		opts := defaultOptions(t)
		opts.InstrumentCatches = true
		engine := NewEngine(b.Arena, opts, nil)
		res, err := engine.Run(rootStore(analysis, app), nil)
		require.NoError(t, err)
		rec := res.Records[0]
		assert.NotContains(t, rec.RejectedBlocks, handler.ID())
		assert.Equal(t, 1, rec.NumInstrumentedCatches)
	})
}

func TestInstrumentMethodSelection(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	cold := b.Class("Lcom/app/Cold;")
	mCold := b.VoidMethod(cold, "run", nil)
	mCold.Code = b.DiamondCode(mCold.Ref)
	warm := b.Class("Lcom/app/Warm;")
	mWarm := b.VoidMethod(warm, "run", nil)
	mWarm.Code = b.DiamondCode(mWarm.Ref)

	opts := defaultOptions(t)
	opts.OnlyColdStartClass = true
	engine := NewEngine(b.Arena, opts, nil)

	coldStart := []string{"Lcom/app/Cold;", "LDexEndMarker0;", "Lcom/app/Warm;"}
	res, err := engine.Run(rootStore(analysis, cold, warm), coldStart)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Same(t, mCold, res.Records[0].Method)
	assert.Equal(t, 1, res.PickedByColdStart)
	assert.Equal(t, 1, res.Rejected)
}

func TestInstrumentBlocklistWins(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = b.DiamondCode(m.Ref)

	opts := defaultOptions(t)
	opts.Allowlist = []string{"Lcom/app/T;"}
	opts.Blocklist = []string{"Lcom/app/T;"}
	engine := NewEngine(b.Arena, opts, nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Blocklisted)
}

func TestInstrumentOnlyRootStore(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = b.DiamondCode(m.Ref)
	aux := b.Class("Lcom/aux/U;")
	mAux := b.VoidMethod(aux, "run", nil)
	mAux.Code = b.DiamondCode(mAux.Ref)

	stores := []*ir.Store{
		{Name: "classes", Root: true, Dexen: [][]*ir.Class{{analysis, app}}},
		{Name: "aux", Root: false, Dexen: [][]*ir.Class{{aux}}},
	}

	opts := defaultOptions(t)
	opts.InstrumentOnlyRootStore = true
	engine := NewEngine(b.Arena, opts, nil)
	res, err := engine.Run(stores, nil)
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.Same(t, m, res.Records[0].Method)
	assert.Equal(t, 1, res.NonRootStoreMethods)
}

func TestInstrumentPatchesAnalysisFields(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = b.DiamondCode(m.Ref)

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(res.MethodOffset), analysis.FindFieldBySimpleDeobName("sMethodStats").EncodedValue)
	assert.Equal(t, int64(1), analysis.FindFieldBySimpleDeobName("sNumStaticallyInstrumented").EncodedValue)
	assert.Equal(t, int64(ProfileTypeBasicBlockTracing), analysis.FindFieldBySimpleDeobName("sProfileType").EncodedValue)
}

func TestInstrumentAnalysisClassValidation(t *testing.T) {
	t.Run("missing exit hook", func(t *testing.T) {
		b := testutil.NewBuilder()
		cls := b.Class(analysisClassName)
		b.StaticMethod(cls, "onMethodBegin", "V", "I")
		engine := NewEngine(b.Arena, defaultOptions(t), nil)
		_, err := engine.Run(rootStore(cls), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "onMethodExit")
	})

	t.Run("bad begin prototype", func(t *testing.T) {
		b := testutil.NewBuilder()
		cls := b.Class(analysisClassName)
		b.StaticMethod(cls, "onMethodBegin", "V", "J")
		b.StaticMethod(cls, "onMethodExit", "V", "I", "S")
		engine := NewEngine(b.Arena, defaultOptions(t), nil)
		_, err := engine.Run(rootStore(cls), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "onMethodBegin(int)")
	})

	t.Run("bad exit prototype", func(t *testing.T) {
		b := testutil.NewBuilder()
		cls := b.Class(analysisClassName)
		b.StaticMethod(cls, "onMethodBegin", "V", "I")
		b.StaticMethod(cls, "onMethodExit", "V", "I", "J")
		engine := NewEngine(b.Arena, defaultOptions(t), nil)
		_, err := engine.Run(rootStore(cls), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "onMethodExit")
	})

	t.Run("wrong method name count", func(t *testing.T) {
		b := testutil.NewBuilder()
		cls := newAnalysisClass(b)
		opts := defaultOptions(t)
		opts.AnalysisMethodNames = []string{"onMethodBegin"}
		engine := NewEngine(b.Arena, opts, nil)
		_, err := engine.Run(rootStore(cls), nil)
		require.Error(t, err)
	})
}

func TestMetadataGolden(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	alpha := b.VoidMethod(app, "a", nil)
	alpha.DeobName = "Lcom/app/T;.alpha:()V"
	alpha.Code = b.DiamondCode(alpha.Ref)
	beta := b.VoidMethod(app, "b", nil)
	beta.DeobName = "Lcom/app/T;.beta:()V"
	beta.Code = b.LinearCode()

	opts := defaultOptions(t)
	engine := NewEngine(b.Arena, opts, nil)
	_, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	g := goldie.New(t)
	metadata, err := os.ReadFile(filepath.Join(opts.OutputDir, opts.MetadataBaseFileName))
	require.NoError(t, err)
	g.Assert(t, "metadata", metadata)

	dict, err := os.ReadFile(filepath.Join(opts.OutputDir, methodDictionaryFileName))
	require.NoError(t, err)
	g.Assert(t, "dictionary", dict)
}

func TestMetadataRowCountMatchesMethods(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	for _, name := range []string{"a", "b", "c"} {
		m := b.VoidMethod(app, name, nil)
		m.DeobName = "Lcom/app/T;." + name + ":()V"
		m.Code = b.DiamondCode(m.Ref)
	}

	opts := defaultOptions(t)
	engine := NewEngine(b.Arena, opts, nil)
	res, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(opts.OutputDir, opts.MetadataBaseFileName))
	require.NoError(t, err)
	lines := 0
	for _, c := range data {
		if c == '\n' {
			lines++
		}
	}
	// Three header lines plus one row per instrumented method.
	assert.Equal(t, 3+len(res.Records), lines)
}

func TestMethodDictionaryRejectsDuplicateDeobNames(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	for _, name := range []string{"a", "b"} {
		m := b.VoidMethod(app, name, nil)
		m.DeobName = "Lcom/app/T;.same:()V"
		m.Code = b.DiamondCode(m.Ref)
	}

	engine := NewEngine(b.Arena, defaultOptions(t), nil)
	_, err := engine.Run(rootStore(analysis, app), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identical deobfuscated names")
}

func TestInstrumentWritesReport(t *testing.T) {
	b := testutil.NewBuilder()
	analysis := newAnalysisClass(b)
	app := b.Class("Lcom/app/T;")
	m := b.VoidMethod(app, "run", nil)
	m.Code = b.DiamondCode(m.Ref)

	opts := defaultOptions(t)
	opts.ReportPath = filepath.Join(t.TempDir(), "report.db")
	engine := NewEngine(b.Arena, opts, nil)
	_, err := engine.Run(rootStore(analysis, app), nil)
	require.NoError(t, err)

	store, err := report.Open(opts.ReportPath)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	count, err := store.MethodCount(runs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
