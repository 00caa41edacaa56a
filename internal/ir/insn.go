package ir

import "fmt"

// Reg is a Dalvik virtual register number.
type Reg uint16

// Op enumerates the instruction subset the dexpack engines need to inspect
// or synthesize. The full Dalvik opcode space is the DEX reader's concern.
type Op int

const (
	OpNop Op = iota
	// OpLoadParam is the pseudo-opcode binding an incoming parameter to a
	// register. Load-params are always the leading instructions of a method.
	OpLoadParam
	OpConst
	OpConstString
	OpMove
	OpMoveResult
	OpMoveResultObject
	OpMoveException
	OpOrIntLit16
	OpInvokeStatic
	OpInvokeVirtual
	OpInvokeDirect
	OpIfEqz
	OpGoto
	OpCheckCast
	OpNewInstance
	OpSGet
	OpSPut
	OpIGet
	OpIPut
	OpMonitorEnter
	OpMonitorExit
	OpReturnVoid
	OpReturn
	OpReturnObject
	OpThrow
)

// Insn is a single instruction. Zero-valued fields are unused for the given
// opcode; the engines only read the fields their opcode implies.
type Insn struct {
	Op      Op
	Dest    Reg
	Srcs    []Reg
	Literal int64
	Method  *MethodRef
	Field   *FieldRef
	Type    *Type
	Str     string
}

// NewInsn creates an instruction with the given opcode.
func NewInsn(op Op) *Insn { return &Insn{Op: op} }

// IsMoveResultAny reports whether the instruction is any move-result
// variant. Such instructions must stay glued to their producing invoke, so
// nothing may be inserted before them.
func (i *Insn) IsMoveResultAny() bool {
	return i.Op == OpMoveResult || i.Op == OpMoveResultObject
}

// IsParamLoading reports whether the instruction is a load-param pseudo-op.
func (i *Insn) IsParamLoading() bool { return i.Op == OpLoadParam }

// IsTerminator reports whether the instruction ends a method activation.
func (i *Insn) IsTerminator() bool {
	switch i.Op {
	case OpReturnVoid, OpReturn, OpReturnObject, OpThrow:
		return true
	}
	return false
}

func (i *Insn) String() string {
	switch {
	case i.Method != nil:
		return fmt.Sprintf("op=%d %s", i.Op, i.Method.Show())
	case i.Field != nil:
		return fmt.Sprintf("op=%d %s", i.Op, i.Field.Show())
	case i.Type != nil:
		return fmt.Sprintf("op=%d %s", i.Op, i.Type.Name())
	default:
		return fmt.Sprintf("op=%d lit=%d", i.Op, i.Literal)
	}
}

// SourceBlock is the provenance marker tying a basic block back to the
// method and block id it originated from before earlier passes reshaped the
// CFG.
type SourceBlock struct {
	Src *MethodRef
	ID  uint32
}
