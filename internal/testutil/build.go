// Package testutil provides builders that assemble small IR scopes and
// control-flow graphs for engine tests.
package testutil

import (
	"github.com/dexpack/dexpack/internal/ir"
)

// Builder wraps an arena with shorthand constructors.
type Builder struct {
	Arena  *ir.Arena
	Object *ir.Type
}

// NewBuilder creates a fresh arena pre-seeded with java/lang/Object.
func NewBuilder() *Builder {
	arena := ir.NewArena()
	return &Builder{
		Arena:  arena,
		Object: arena.MakeType("Ljava/lang/Object;"),
	}
}

// Class creates and registers a class extending java/lang/Object.
func (b *Builder) Class(name string) *ir.Class {
	cls := ir.NewClass(b.Arena, b.Arena.MakeType(name), b.Object)
	cls.Access = ir.AccPublic
	return cls
}

// VoidMethod creates a ()V method on cls with the given body, registered as
// a virtual method.
func (b *Builder) VoidMethod(cls *ir.Class, name string, code *ir.Code) *ir.Method {
	proto := b.Arena.MakeProto(b.Arena.MakeType("V"))
	m := &ir.Method{
		Ref:    b.Arena.MakeMethodRef(cls.Type(), name, proto),
		Access: ir.AccPublic,
		Code:   code,
	}
	cls.VMethods = append(cls.VMethods, m)
	return m
}

// StaticMethod creates a static method on cls with the given descriptor
// pieces, registered as a direct method.
func (b *Builder) StaticMethod(cls *ir.Class, name string, ret string, args ...string) *ir.Method {
	argTypes := make([]*ir.Type, len(args))
	for i, a := range args {
		argTypes[i] = b.Arena.MakeType(a)
	}
	proto := b.Arena.MakeProto(b.Arena.MakeType(ret), argTypes...)
	m := &ir.Method{
		Ref:    b.Arena.MakeMethodRef(cls.Type(), name, proto),
		Access: ir.AccPublic | ir.AccStatic,
	}
	cls.DMethods = append(cls.DMethods, m)
	return m
}

// LinearCode builds a single-block body ending with return-void.
func (b *Builder) LinearCode(opcodes ...ir.Op) *ir.Code {
	graph := &ir.ControlFlowGraph{}
	block := graph.NewBlock()
	for _, op := range opcodes {
		block.Append(ir.NewInsn(op))
	}
	block.Append(ir.NewInsn(ir.OpReturnVoid))
	return ir.NewCode(graph)
}

// DiamondCode builds the classic four-block diamond:
//
//	entry -> left -> exit
//	entry -> right -> exit
//
// Every non-entry block gets one opcode and a source block attributed to
// owner, so all three are instrumentable. The exit block returns.
func (b *Builder) DiamondCode(owner *ir.MethodRef) *ir.Code {
	graph := &ir.ControlFlowGraph{}
	entry := graph.NewBlock()
	branch := ir.NewInsn(ir.OpIfEqz)
	entry.Append(branch)

	left := graph.NewBlock()
	right := graph.NewBlock()
	exit := graph.NewBlock()
	for i, blk := range []*ir.Block{left, right, exit} {
		blk.Append(ir.NewInsn(ir.OpConst))
		blk.AttachSourceBlock(&ir.SourceBlock{Src: owner, ID: uint32(i)})
	}
	exit.Append(ir.NewInsn(ir.OpReturnVoid))

	graph.AddEdge(entry, left, ir.EdgeBranch)
	graph.AddEdge(entry, right, ir.EdgeGoto)
	graph.AddEdge(left, exit, ir.EdgeGoto)
	graph.AddEdge(right, exit, ir.EdgeGoto)
	return ir.NewCode(graph)
}

// InvokeInsn builds an invoke-static on the target method.
func InvokeInsn(target *ir.Method) *ir.Insn {
	insn := ir.NewInsn(ir.OpInvokeStatic)
	insn.Method = target.Ref
	return insn
}

// FieldInsn builds a static-get on the target field ref.
func FieldInsn(ref *ir.FieldRef) *ir.Insn {
	insn := ir.NewInsn(ir.OpSGet)
	insn.Field = ref
	return insn
}

// TypeInsn builds a new-instance of the target type.
func TypeInsn(t *ir.Type) *ir.Insn {
	insn := ir.NewInsn(ir.OpNewInstance)
	insn.Type = t
	return insn
}

// StringInsn builds a const-string.
func StringInsn(s string) *ir.Insn {
	insn := ir.NewInsn(ir.OpConstString)
	insn.Str = s
	return insn
}
