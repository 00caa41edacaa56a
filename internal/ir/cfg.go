package ir

// EdgeType classifies a CFG edge.
type EdgeType int

const (
	EdgeGoto EdgeType = iota
	EdgeBranch
	EdgeThrow
)

// Edge is a directed control-flow edge.
type Edge struct {
	Src  *Block
	Tgt  *Block
	Type EdgeType
}

// BlockID identifies a block within one CFG.
type BlockID uint32

// Block is a basic block in an editable CFG.
type Block struct {
	id           BlockID
	insns        []*Insn
	sourceBlocks []*SourceBlock
	preds        []*Edge
	succs        []*Edge
	catchHandler bool
}

// ID returns the block id.
func (b *Block) ID() BlockID { return b.id }

// Insns returns the block's instructions in order. Callers must not mutate
// the slice; use InsertBefore and Append.
func (b *Block) Insns() []*Insn { return b.insns }

// NumOpcodes returns the instruction count.
func (b *Block) NumOpcodes() int { return len(b.insns) }

// Append adds instructions at the end of the block.
func (b *Block) Append(insns ...*Insn) {
	b.insns = append(b.insns, insns...)
}

// InsertBefore inserts the given instructions immediately before target.
// A nil target appends at the end of the block. Insertion points are
// instruction handles, not positions, so an earlier insertion elsewhere in
// the block does not invalidate them.
func (b *Block) InsertBefore(target *Insn, insns ...*Insn) {
	if target == nil {
		b.insns = append(b.insns, insns...)
		return
	}
	for i, cur := range b.insns {
		if cur == target {
			out := make([]*Insn, 0, len(b.insns)+len(insns))
			out = append(out, b.insns[:i]...)
			out = append(out, insns...)
			out = append(out, b.insns[i:]...)
			b.insns = out
			return
		}
	}
	// Target vanished from the block; treat as append to keep the engines
	// total, matching the iterator-at-end convention.
	b.insns = append(b.insns, insns...)
}

// FirstInsn returns the first instruction, or nil for an empty block.
func (b *Block) FirstInsn() *Insn {
	if len(b.insns) == 0 {
		return nil
	}
	return b.insns[0]
}

// LastInsn returns the last instruction, or nil for an empty block.
func (b *Block) LastInsn() *Insn {
	if len(b.insns) == 0 {
		return nil
	}
	return b.insns[len(b.insns)-1]
}

// FirstNonParamLoadingInsn returns the first instruction that is not a
// load-param pseudo-op, or nil when the block holds only param loading.
func (b *Block) FirstNonParamLoadingInsn() *Insn {
	for _, insn := range b.insns {
		if !insn.IsParamLoading() {
			return insn
		}
	}
	return nil
}

// StartsWithMoveResult reports whether the first instruction is a
// move-result variant.
func (b *Block) StartsWithMoveResult() bool {
	first := b.FirstInsn()
	return first != nil && first.IsMoveResultAny()
}

// StartsWithMoveException reports whether the first instruction is
// move-exception.
func (b *Block) StartsWithMoveException() bool {
	first := b.FirstInsn()
	return first != nil && first.Op == OpMoveException
}

// IsCatch reports whether the block is a catch handler.
func (b *Block) IsCatch() bool { return b.catchHandler }

// SetCatch marks the block as a catch handler.
func (b *Block) SetCatch() { b.catchHandler = true }

// Preds returns incoming edges.
func (b *Block) Preds() []*Edge { return b.preds }

// Succs returns outgoing edges.
func (b *Block) Succs() []*Edge { return b.succs }

// OutgoingThrows returns the outgoing throw edges in order.
func (b *Block) OutgoingThrows() []*Edge {
	var out []*Edge
	for _, e := range b.succs {
		if e.Type == EdgeThrow {
			out = append(out, e)
		}
	}
	return out
}

// SourceBlocks returns the provenance markers attached to the block.
func (b *Block) SourceBlocks() []*SourceBlock { return b.sourceBlocks }

// HasSourceBlocks reports whether any provenance marker is attached.
func (b *Block) HasSourceBlocks() bool { return len(b.sourceBlocks) > 0 }

// AttachSourceBlock appends a provenance marker.
func (b *Block) AttachSourceBlock(sb *SourceBlock) {
	b.sourceBlocks = append(b.sourceBlocks, sb)
}

// ControlFlowGraph is the editable CFG of one method body.
type ControlFlowGraph struct {
	entry         *Block
	blocks        []*Block
	nextID        BlockID
	registersSize uint16
}

// EntryBlock returns the entry block.
func (g *ControlFlowGraph) EntryBlock() *Block { return g.entry }

// Blocks returns all blocks in creation order.
func (g *ControlFlowGraph) Blocks() []*Block { return g.blocks }

// NewBlock creates an empty block. The first block created becomes the
// entry block.
func (g *ControlFlowGraph) NewBlock() *Block {
	b := &Block{id: g.nextID}
	g.nextID++
	g.blocks = append(g.blocks, b)
	if g.entry == nil {
		g.entry = b
	}
	return b
}

// PrependEntryBlock creates a fresh block, makes it the entry, and links it
// to the old entry with a goto edge. Used when instrumentation must insert
// potentially-throwing code ahead of an entry block that sits in a
// try-region: the old entry becomes a regular block.
func (g *ControlFlowGraph) PrependEntryBlock() *Block {
	oldEntry := g.entry
	b := &Block{id: g.nextID}
	g.nextID++
	g.blocks = append(g.blocks, b)
	g.entry = b
	if oldEntry != nil {
		g.AddEdge(b, oldEntry, EdgeGoto)
	}
	return b
}

// TakeLeadingParamLoading removes and returns the block's leading
// load-param pseudo-ops.
func (b *Block) TakeLeadingParamLoading() []*Insn {
	n := 0
	for n < len(b.insns) && b.insns[n].IsParamLoading() {
		n++
	}
	params := b.insns[:n:n]
	b.insns = b.insns[n:]
	return params
}

// AddEdge links src to tgt.
func (g *ControlFlowGraph) AddEdge(src, tgt *Block, typ EdgeType) *Edge {
	e := &Edge{Src: src, Tgt: tgt, Type: typ}
	src.succs = append(src.succs, e)
	tgt.preds = append(tgt.preds, e)
	if typ == EdgeThrow {
		tgt.catchHandler = true
	}
	return e
}

// AllocateTemp reserves a fresh register.
func (g *ControlFlowGraph) AllocateTemp() Reg {
	r := Reg(g.registersSize)
	g.registersSize++
	return r
}

// RegistersSize returns the current register frame size.
func (g *ControlFlowGraph) RegistersSize() uint16 { return g.registersSize }

// RecomputeRegistersSize rescans every instruction and grows the frame to
// cover the highest register in use.
func (g *ControlFlowGraph) RecomputeRegistersSize() {
	var max uint16
	seen := false
	for _, b := range g.blocks {
		for _, insn := range b.insns {
			regs := append([]Reg{insn.Dest}, insn.Srcs...)
			for _, r := range regs {
				if !seen || uint16(r) > max {
					max = uint16(r)
					seen = true
				}
			}
		}
	}
	if seen && max+1 > g.registersSize {
		g.registersSize = max + 1
	}
}

// RealExitBlocks returns the blocks that leave the method: blocks whose last
// instruction is a return or throw. When countInfiniteLoops is set, non-empty
// blocks without successors are included as well; loops are not detected.
// No dexpack engine sets it.
func (g *ControlFlowGraph) RealExitBlocks(countInfiniteLoops bool) []*Block {
	var out []*Block
	for _, b := range g.blocks {
		last := b.LastInsn()
		if last != nil && last.IsTerminator() {
			out = append(out, b)
			continue
		}
		if countInfiniteLoops && len(b.succs) == 0 && len(b.insns) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// VisitInOrder walks the graph depth-first from the entry block in edge
// order, the same order earlier passes assign source blocks in. The three
// callbacks fire on block entry, on each outgoing edge, and on block exit.
func (g *ControlFlowGraph) VisitInOrder(
	blockStart func(*Block),
	edge func(*Block, *Edge),
	blockEnd func(*Block),
) {
	if g.entry == nil {
		return
	}
	visited := make(map[*Block]bool, len(g.blocks))
	var dfs func(*Block)
	dfs = func(b *Block) {
		visited[b] = true
		blockStart(b)
		for _, e := range b.succs {
			edge(b, e)
			if !visited[e.Tgt] {
				dfs(e.Tgt)
			}
		}
		blockEnd(b)
	}
	dfs(g.entry)
}

// Code is a method body. The instruction list is the committed form; the
// CFG is the editable form handed out by BuildCFG and committed back by
// ClearCFG.
type Code struct {
	graph    *ControlFlowGraph
	insns    []*Insn
	editable bool
}

// NewCode creates a body around a pre-built graph and commits its blocks
// into the linear instruction list.
func NewCode(graph *ControlFlowGraph) *Code {
	c := &Code{graph: graph}
	c.commit()
	return c
}

// BuildCFG hands out the graph for editing. The editable graph must be
// released with ClearCFG before the body is read again.
func (c *Code) BuildCFG(editable bool) *ControlFlowGraph {
	c.editable = editable
	return c.graph
}

// ClearCFG commits the graph back into the linear instruction list and ends
// the editing scope.
func (c *Code) ClearCFG() {
	c.commit()
	c.editable = false
}

// Insns returns the committed linear instruction list.
func (c *Code) Insns() []*Insn {
	if c.editable {
		c.commit()
	}
	return c.insns
}

// NumBlocks returns the block count of the underlying graph.
func (c *Code) NumBlocks() int { return len(c.graph.blocks) }

func (c *Code) commit() {
	c.insns = c.insns[:0]
	if c.graph.entry != nil {
		c.insns = append(c.insns, c.graph.entry.insns...)
	}
	for _, b := range c.graph.blocks {
		if b == c.graph.entry {
			continue
		}
		c.insns = append(c.insns, b.insns...)
	}
}
