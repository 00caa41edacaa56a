package instrument

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dexpack/dexpack/internal/ir"
)

// methodOffsetHeader reserves the first shorts of the stats array for the
// runtime's own header.
const methodOffsetHeader = 8

// ProfileTypeBasicBlockTracing is the profile-type constant patched into
// the analysis class for this mode.
const ProfileTypeBasicBlockTracing = 4

// coldStartEndMarker truncates the cold-start list for method selection.
const coldStartEndMarker = "LDexEndMarker0;"

// Engine drives basic-block instrumentation over a set of stores.
type Engine struct {
	arena *ir.Arena
	opts  Options
	log   *logrus.Logger
}

// NewEngine creates an engine. A nil logger discards diagnostics.
func NewEngine(arena *ir.Arena, opts Options, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	if opts.StatsFieldName == "" {
		opts.StatsFieldName = DefaultStatsFieldName
	}
	return &Engine{arena: arena, opts: opts, log: log}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Result is the outcome of one instrumentation run.
type Result struct {
	Records []*MethodRecord

	// MethodOffset is the final stats array size: the header plus every
	// method's 2+num_vectors slots.
	MethodOffset int

	AllMethods          int
	Eligible            int
	Specials            int
	PickedByAllowlist   int
	PickedByColdStart   int
	Blocklisted         int
	Rejected            int
	BlockInstrumented   int
	NonRootStoreMethods int
}

// ColdStartClassSet converts the ordered cold-start list into the class set
// used for method selection: entries up to the first dex end marker, with
// the trailing ';' replaced by '/'.
func ColdStartClassSet(coldStart []string) map[string]bool {
	out := make(map[string]bool)
	for _, name := range coldStart {
		if name == coldStartEndMarker {
			break
		}
		if strings.HasSuffix(name, ";") {
			name = name[:len(name)-1] + "/"
		}
		out[name] = true
	}
	return out
}

func toSet(entries []string) map[string]bool {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e] = true
	}
	return out
}

// isIncluded reports whether the method or its class appears in the set.
// Class entries may use either the descriptor form "Lcom/Foo;" or the
// cold-start '/'-terminated form.
func isIncluded(m *ir.Method, set map[string]bool) bool {
	if len(set) == 0 {
		return false
	}
	cls := m.Ref.Owner().Name()
	if set[cls] {
		return true
	}
	if strings.HasSuffix(cls, ";") && set[cls[:len(cls)-1]+"/"] {
		return true
	}
	return set[m.Ref.Show()]
}

// Run instruments every selected method, patches the analysis class's
// static fields, and writes the metadata sidecar files.
func (e *Engine) Run(stores []*ir.Store, coldStart []string) (*Result, error) {
	if len(e.opts.AnalysisMethodNames) != 2 {
		return nil, fmt.Errorf(
			"basic block profiling must have two analysis methods: [onMethodBegin, onMethodExit], got %d",
			len(e.opts.AnalysisMethodNames))
	}

	analysisType := e.arena.GetType(e.opts.AnalysisClassName)
	if analysisType == nil {
		return nil, fmt.Errorf("analysis class %s not found", e.opts.AnalysisClassName)
	}
	analysisCls := e.arena.ClassFor(analysisType)
	if analysisCls == nil {
		return nil, fmt.Errorf("analysis class %s has no definition", e.opts.AnalysisClassName)
	}

	onMethodBegin, err := loadOnMethodBegin(e.arena, analysisCls, e.opts.AnalysisMethodNames[0])
	if err != nil {
		return nil, err
	}
	exitMap, err := buildOnMethodExitMap(e.arena, analysisCls, e.opts.AnalysisMethodNames[1])
	if err != nil {
		return nil, err
	}
	maxVectorArity := exitMap.maxArity()
	for arity := 1; arity <= maxVectorArity; arity++ {
		if exitMap[arity] == nil {
			return nil, fmt.Errorf("missing onMethodExit overload with %d vector arguments", arity)
		}
	}
	e.log.WithFields(logrus.Fields{
		"on_method_begin":  onMethodBegin.Ref.Show(),
		"max_vector_arity": maxVectorArity,
	}).Debug("loaded analysis methods")

	coldStartClasses := ColdStartClassSet(coldStart)
	allowlist := toSet(e.opts.Allowlist)
	blocklist := toSet(e.opts.Blocklist)

	res := &Result{MethodOffset: methodOffsetHeader}

	var scope []*ir.Class
	if e.opts.InstrumentOnlyRootStore {
		var root []*ir.Store
		for _, store := range stores {
			if store.Root {
				root = append(root, store)
				continue
			}
			for _, cls := range ir.BuildClassScope([]*ir.Store{store}) {
				res.NonRootStoreMethods += len(cls.DMethods) + len(cls.VMethods)
			}
		}
		res.AllMethods += res.NonRootStoreMethods
		scope = ir.BuildClassScope(root)
	} else {
		scope = ir.BuildClassScope(stores)
	}

	isExitHook := func(m *ir.Method) bool {
		for _, hook := range exitMap {
			if hook == m {
				return true
			}
		}
		return false
	}

	for _, cls := range scope {
		for _, method := range cls.AllMethods() {
			if method.Code == nil {
				continue
			}
			res.AllMethods++
			if (cls == analysisCls && method.Ref.Name() == "<clinit>") ||
				method == onMethodBegin || isExitHook(method) {
				res.Specials++
				continue
			}

			res.Eligible++
			if len(allowlist) != 0 || e.opts.OnlyColdStartClass {
				switch {
				case isIncluded(method, allowlist):
					res.PickedByAllowlist++
				case isIncluded(method, coldStartClasses):
					res.PickedByColdStart++
				default:
					// An allow or cold-start list is in force; reject.
					res.Rejected++
					continue
				}
			}

			// Blocklist has priority over allowlist and cold-start list.
			if isIncluded(method, blocklist) {
				res.Blocklisted++
				continue
			}

			rec := e.instrumentBasicBlocks(method, onMethodBegin, exitMap, maxVectorArity, res.MethodOffset)
			res.Records = append(res.Records, rec)
			if rec.TooManyBlocks {
				e.log.WithField("method", method.ShowDeobfuscated()).Debug("too many blocks")
			} else {
				res.BlockInstrumented++
			}

			// Two shorts of method stats plus the vectors.
			res.MethodOffset += 2 + rec.NumVectors
		}
	}

	if err := e.patchAnalysisFields(analysisCls, res); err != nil {
		return nil, err
	}
	if err := e.writeMetadata(res.Records); err != nil {
		return nil, err
	}
	if e.opts.ReportPath != "" {
		if err := e.writeReport(res); err != nil {
			return nil, err
		}
	}

	e.logSummary(res)
	return res, nil
}

// patchAnalysisFields patches the stats array size, the instrumented-method
// count and the profile type constant onto the analysis class.
func (e *Engine) patchAnalysisFields(cls *ir.Class, res *Result) error {
	patch := func(name string, value int64) error {
		field := cls.FindFieldBySimpleDeobName(name)
		if field == nil {
			return fmt.Errorf("analysis class %s has no field %s", cls.Name(), name)
		}
		field.EncodedValue = value
		return nil
	}
	if err := patch(e.opts.StatsFieldName, int64(res.MethodOffset)); err != nil {
		return err
	}
	if err := patch("sNumStaticallyInstrumented", int64(len(res.Records))); err != nil {
		return err
	}
	return patch("sProfileType", ProfileTypeBasicBlockTracing)
}

// instrumentBasicBlocks rewrites one method body. It cannot fail: methods
// that resist block instrumentation degrade to method tracing.
func (e *Engine) instrumentBasicBlocks(
	method *ir.Method,
	onMethodBegin *ir.Method,
	exitMap onMethodExitMap,
	maxVectorArity int,
	methodOffset int,
) *MethodRecord {
	graph := method.Code.BuildCFG(true)
	defer method.Code.ClearCFG()

	// Step 1: classify blocks in source-block DFS order and assign bits.
	blocks, numToInstrument, tooManyBlocks := e.blocksToInstrument(graph)

	// Step 2: allocate vectors and insert the onMethodBegin prologue after
	// parameter loading.
	numVectors := (numToInstrument + bitVectorSize - 1) / bitVectorSize
	regVectors, regMethodOffset := insertPrologue(graph, onMethodBegin, numVectors, methodOffset)

	// Step 3: per-block coverage updates.
	insertBlockCoverage(blocks, regVectors)

	// Step 4: exit calls on terminal return/throw blocks.
	numExitCalls := insertOnMethodExitCalls(graph, regVectors, methodOffset, regMethodOffset, exitMap, maxVectorArity)
	graph.RecomputeRegistersSize()

	count := func(t BlockType) int {
		n := 0
		for _, info := range blocks {
			if info.typ.Has(t) {
				n++
			}
		}
		return n
	}

	rec := &MethodRecord{
		Method:            method,
		TooManyBlocks:     tooManyBlocks,
		Offset:            methodOffset,
		NumNonEntryBlocks: len(graph.Blocks()) - 1,
		NumVectors:        numVectors,
		NumExitCalls:      numExitCalls,

		NumEmptyBlocks:         count(BlockTypeEmpty),
		NumUselessBlocks:       count(BlockTypeUseless),
		NumNoSourceBlocks:      count(BlockTypeNoSourceBlock),
		NumCatches:             count(BlockTypeCatch),
		NumInstrumentedCatches: count(BlockTypeCatch | BlockTypeInstrumentable),
		NumInstrumentedBlocks:  numToInstrument,

		RejectedBlocks: make(map[ir.BlockID]BlockType),
	}
	if tooManyBlocks {
		rec.NumBlocksTooLarge = rec.NumNonEntryBlocks
	}

	for _, info := range blocks {
		if info.isInstrumentable() {
			rec.BitIDToBlockID = append(rec.BitIDToBlockID, info.block.ID())
			rec.BitIDToSourceBlocks = append(rec.BitIDToSourceBlocks, info.block.SourceBlocks())
		} else {
			rec.RejectedBlocks[info.block.ID()] = info.typ
		}
	}

	// Post condition: every non-entry block is either instrumented or
	// rejected, unless we degraded to method tracing.
	if rec.InstrumentedType() != InstrumentedTypeMethodOnly &&
		numToInstrument != rec.NumNonEntryBlocks-len(rec.RejectedBlocks) {
		e.log.WithFields(logrus.Fields{
			"method":           method.ShowDeobfuscated(),
			"instrumented":     numToInstrument,
			"non_entry_blocks": rec.NumNonEntryBlocks,
			"rejected":         len(rec.RejectedBlocks),
		}).Error("post condition violation in block instrumentation")
	}
	return rec
}

// blocksToInstrument collects the blocks in source-block visitation order,
// classifies them and assigns bit ids. The entry block is skipped unless it
// has outgoing throw edges, in which case the prologue insertion may split
// it and the original entry becomes a non-entry block.
func (e *Engine) blocksToInstrument(graph *ir.ControlFlowGraph) ([]*blockInfo, int, bool) {
	var blocks []*ir.Block
	entry := graph.EntryBlock()
	graph.VisitInOrder(
		func(b *ir.Block) {
			if b == entry && len(entry.OutgoingThrows()) == 0 {
				return
			}
			blocks = append(blocks, b)
		},
		func(*ir.Block, *ir.Edge) {},
		func(*ir.Block) {},
	)

	infos := make([]*blockInfo, 0, len(blocks))
	id := 0
	for _, b := range blocks {
		info := e.createBlockInfo(b)
		if info.isInstrumentable() {
			if id >= e.opts.MaxNumBlocks {
				// Effectively rejects all blocks: method tracing only.
				return nil, 0, true
			}
			info.bitID = id
			id++
		}
		infos = append(infos, info)
	}
	return infos, id, false
}

// createBlockInfo classifies one block and finds its insertion point.
func (e *Engine) createBlockInfo(block *ir.Block) *blockInfo {
	if block.NumOpcodes() == 0 {
		return &blockInfo{block: block, typ: BlockTypeEmpty, bitID: noBitID}
	}

	// Catch blocks are skipped by default in the hope they are cold; large
	// register frames from instrumenting them have caused allocation
	// trouble.
	if block.IsCatch() && !e.opts.InstrumentCatches {
		return &blockInfo{block: block, typ: BlockTypeCatch, bitID: noBitID}
	}

	typ := BlockTypeNormal
	if block.IsCatch() {
		typ = BlockTypeCatch
	}
	var insertPos *ir.Insn
	switch {
	case block.StartsWithMoveResult():
		insertPos = firstNonMoveResultInsn(block)
	case block.StartsWithMoveException():
		// move-exception must be the first instruction of a handler, so
		// insert after it.
		insertPos = firstInsnAfterMoveException(block)
		typ |= BlockTypeMoveException
	default:
		insertPos = block.FirstNonParamLoadingInsn()
	}

	if insertPos == nil {
		return &blockInfo{block: block, typ: BlockTypeUseless | typ, bitID: noBitID}
	}

	// Without a source block there is nothing to map coverage back to, so
	// skip unless the block is a leaf (leaves carry the exit calls and must
	// be tracked regardless).
	if !e.opts.InstrumentBlocksWithoutSourceBlock &&
		!block.HasSourceBlocks() && len(block.Succs()) != 0 {
		return &blockInfo{block: block, typ: BlockTypeNoSourceBlock | typ, bitID: noBitID}
	}

	return &blockInfo{block: block, typ: BlockTypeInstrumentable | typ, insertionPoint: insertPos, bitID: noBitID}
}

func firstNonMoveResultInsn(b *ir.Block) *ir.Insn {
	for _, insn := range b.Insns() {
		if !insn.IsMoveResultAny() {
			return insn
		}
	}
	return nil
}

func firstInsnAfterMoveException(b *ir.Block) *ir.Insn {
	insns := b.Insns()
	if len(insns) < 2 {
		return nil
	}
	return insns[1]
}

// insertPrologue allocates the zero-initialized vectors plus the method
// offset register and prepends them and the onMethodBegin call to the entry
// block, after parameter loading.
func insertPrologue(
	graph *ir.ControlFlowGraph,
	onMethodBegin *ir.Method,
	numVectors int,
	methodOffset int,
) ([]ir.Reg, ir.Reg) {
	regVectors := make([]ir.Reg, numVectors)
	prologues := make([]*ir.Insn, 0, numVectors+2)

	for i := 0; i < numVectors; i++ {
		regVectors[i] = graph.AllocateTemp()
		insn := ir.NewInsn(ir.OpConst)
		insn.Literal = 0
		insn.Dest = regVectors[i]
		prologues = append(prologues, insn)
	}

	regMethodOffset := graph.AllocateTemp()
	offsetInsn := ir.NewInsn(ir.OpConst)
	offsetInsn.Literal = int64(methodOffset)
	offsetInsn.Dest = regMethodOffset
	prologues = append(prologues, offsetInsn)

	invoke := ir.NewInsn(ir.OpInvokeStatic)
	invoke.Method = onMethodBegin.Ref
	invoke.Srcs = []ir.Reg{regMethodOffset}
	prologues = append(prologues, invoke)

	entry := graph.EntryBlock()
	if len(entry.OutgoingThrows()) > 0 {
		// The entry sits in a try-region; the onMethodBegin call may throw,
		// so it needs its own block ahead of the old entry, which becomes a
		// regular (instrumentable) block.
		newEntry := graph.PrependEntryBlock()
		newEntry.Append(entry.TakeLeadingParamLoading()...)
		newEntry.Append(prologues...)
	} else {
		entry.InsertBefore(entry.FirstNonParamLoadingInsn(), prologues...)
	}
	return regVectors, regMethodOffset
}

// insertBlockCoverage inserts vec[bit/16] |= 1 << (bit%16) at each
// instrumentable block's insertion point.
func insertBlockCoverage(blocks []*blockInfo, regVectors []ir.Reg) {
	for _, info := range blocks {
		if !info.isInstrumentable() {
			continue
		}
		vectorID := info.bitID / bitVectorSize
		insn := ir.NewInsn(ir.OpOrIntLit16)
		insn.Literal = int64(int16(1 << (info.bitID % bitVectorSize)))
		insn.Srcs = []ir.Reg{regVectors[vectorID]}
		insn.Dest = regVectors[vectorID]
		info.block.InsertBefore(info.insertionPoint, insn)
	}
}

// onlyTerminalReturnOrThrowBlocks filters the CFG's exit blocks down to
// those with no successors; exit blocks that still have successors (say a
// monitor-exit that can throw into a handler) carry no exit call.
func onlyTerminalReturnOrThrowBlocks(graph *ir.ControlFlowGraph) []*ir.Block {
	var out []*ir.Block
	for _, b := range graph.RealExitBlocks(false) {
		if len(b.Succs()) == 0 {
			out = append(out, b)
		}
	}
	return out
}

// insertOnMethodExitCalls places the exit call chain immediately before the
// last instruction of every terminal block. When there are more vectors
// than the widest overload takes, the chain is split and the offset
// register is bumped by the overload arity between calls.
func insertOnMethodExitCalls(
	graph *ir.ControlFlowGraph,
	regVectors []ir.Reg,
	methodOffset int,
	regMethodOffset ir.Reg,
	exitMap onMethodExitMap,
	maxVectorArity int,
) int {
	// Methods with a single entry block allocate no vectors and need no
	// exit instrumentation.
	if len(regVectors) == 0 {
		return 0
	}

	numVectors := len(regVectors)
	numInvokes := (numVectors + maxVectorArity - 1) / maxVectorArity

	createInvokeInsns := func() []*ir.Insn {
		insns := make([]*ir.Insn, 0, numInvokes*2-1)
		offset := methodOffset
		for i, v := 0, numVectors; i < numInvokes; i, v = i+1, v-maxVectorArity {
			arity := v
			if arity > maxVectorArity {
				arity = maxVectorArity
			}
			invoke := ir.NewInsn(ir.OpInvokeStatic)
			invoke.Method = exitMap[arity].Ref
			invoke.Srcs = append([]ir.Reg{regMethodOffset}, regVectors[maxVectorArity*i:maxVectorArity*i+arity]...)
			insns = append(insns, invoke)

			if i != numInvokes-1 {
				offset += maxVectorArity
				bump := ir.NewInsn(ir.OpConst)
				bump.Literal = int64(offset)
				bump.Dest = regMethodOffset
				insns = append(insns, bump)
			}
		}
		return insns
	}

	exitBlocks := onlyTerminalReturnOrThrowBlocks(graph)
	for _, b := range exitBlocks {
		b.InsertBefore(b.LastInsn(), createInvokeInsns()...)
	}
	return len(exitBlocks)
}

func (e *Engine) logSummary(res *Result) {
	e.log.WithFields(logrus.Fields{
		"all_methods":        res.AllMethods,
		"eligible":           res.Eligible,
		"special":            res.Specials,
		"non_root":           res.NonRootStoreMethods,
		"allow_list":         res.PickedByAllowlist,
		"cold_start":         res.PickedByColdStart,
		"block_list":         res.Blocklisted,
		"rejected":           res.Rejected,
		"total_instrumented": len(res.Records),
		"block_instrumented": res.BlockInstrumented,
		"method_only":        len(res.Records) - res.BlockInstrumented,
		"stats_array_size":   res.MethodOffset,
	}).Info("basic block instrumentation finished")
}
