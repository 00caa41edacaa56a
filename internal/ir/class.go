package ir

import "sort"

// Field is a field definition: a FieldRef plus access flags and, for static
// fields, an encoded value the instrumenter may patch.
type Field struct {
	Ref          *FieldRef
	Access       AccessFlags
	DeobName     string
	EncodedValue int64
}

// Method is a method definition: a MethodRef plus access flags and an
// optional body.
type Method struct {
	Ref      *MethodRef
	Access   AccessFlags
	DeobName string
	Code     *Code
}

// ShowDeobfuscated returns the deobfuscated rendering of the method, falling
// back to the obfuscated ref when no mapping was recorded.
func (m *Method) ShowDeobfuscated() string {
	if m.DeobName != "" {
		return m.DeobName
	}
	return m.Ref.Show()
}

// NoInterdexSubgroup marks a class as not pre-assigned to any interdex
// subgroup.
const NoInterdexSubgroup = -1

// Class is a class definition.
type Class struct {
	typ        *Type
	Super      *Type
	Interfaces []*Type
	Access     AccessFlags
	DeobName   string

	DMethods []*Method // direct: static, private, constructors
	VMethods []*Method // virtual
	SFields  []*Field
	IFields  []*Field

	// Keep/rename state maintained by the out-of-scope reachability passes.
	PerfSensitive    bool
	KeepName         bool
	DoNotRename      bool
	InterdexSubgroup int
}

// NewClass creates a class definition for typ and registers it in the arena.
func NewClass(a *Arena, typ *Type, super *Type) *Class {
	cls := &Class{typ: typ, Super: super, InterdexSubgroup: NoInterdexSubgroup}
	a.RegisterClass(cls)
	return cls
}

// Type returns the class's own type handle.
func (c *Class) Type() *Type { return c.typ }

// Name returns the class's type descriptor.
func (c *Class) Name() string { return c.typ.Name() }

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool { return c.Access.Has(AccInterface) }

// CanRename reports whether the obfuscator may rename the class. Classes
// pinned by keep rules or reflection pin themselves into the coldstart set.
func (c *Class) CanRename() bool { return !c.KeepName && !c.DoNotRename }

// AllMethods returns direct then virtual methods.
func (c *Class) AllMethods() []*Method {
	out := make([]*Method, 0, len(c.DMethods)+len(c.VMethods))
	out = append(out, c.DMethods...)
	return append(out, c.VMethods...)
}

// FindFieldBySimpleDeobName returns the static or instance field whose
// deobfuscated simple name matches, or nil.
func (c *Class) FindFieldBySimpleDeobName(name string) *Field {
	for _, f := range c.SFields {
		if f.DeobName == name || f.Ref.Name() == name {
			return f
		}
	}
	for _, f := range c.IFields {
		if f.DeobName == name || f.Ref.Name() == name {
			return f
		}
	}
	return nil
}

// GatherMethods appends every method reference the class carries: its own
// member definitions and every method ref in reachable code.
func (c *Class) GatherMethods(out *[]*MethodRef) {
	for _, m := range c.AllMethods() {
		*out = append(*out, m.Ref)
		if m.Code == nil {
			continue
		}
		for _, insn := range m.Code.Insns() {
			if insn.Method != nil {
				*out = append(*out, insn.Method)
			}
		}
	}
}

// GatherFields appends every field reference the class carries.
func (c *Class) GatherFields(out *[]*FieldRef) {
	for _, f := range c.SFields {
		*out = append(*out, f.Ref)
	}
	for _, f := range c.IFields {
		*out = append(*out, f.Ref)
	}
	for _, m := range c.AllMethods() {
		if m.Code == nil {
			continue
		}
		for _, insn := range m.Code.Insns() {
			if insn.Field != nil {
				*out = append(*out, insn.Field)
			}
		}
	}
}

// GatherTypes appends every type the class references: itself, its super
// type, interfaces, member types and code-level type operands.
func (c *Class) GatherTypes(out *[]*Type) {
	*out = append(*out, c.typ)
	if c.Super != nil {
		*out = append(*out, c.Super)
	}
	*out = append(*out, c.Interfaces...)
	for _, f := range c.SFields {
		*out = append(*out, f.Ref.Type())
	}
	for _, f := range c.IFields {
		*out = append(*out, f.Ref.Type())
	}
	for _, m := range c.AllMethods() {
		*out = append(*out, m.Ref.Proto().Ret())
		*out = append(*out, m.Ref.Proto().Args()...)
		if m.Code == nil {
			continue
		}
		for _, insn := range m.Code.Insns() {
			if insn.Type != nil {
				*out = append(*out, insn.Type)
			}
		}
	}
}

// GatherStrings appends every string literal referenced from code.
func (c *Class) GatherStrings(out *[]string) {
	for _, m := range c.AllMethods() {
		if m.Code == nil {
			continue
		}
		for _, insn := range m.Code.Insns() {
			if insn.Op == OpConstString {
				*out = append(*out, insn.Str)
			}
		}
	}
}

// CheckCast reports whether a value of type 'from' can be assigned to 'to':
// from == to, or to appears on from's super chain or transitive interface
// lists. Types without definitions contribute nothing beyond identity.
func CheckCast(a *Arena, from, to *Type) bool {
	if from == to {
		return true
	}
	cls := a.ClassFor(from)
	if cls == nil {
		return false
	}
	if cls.Super != nil && CheckCast(a, cls.Super, to) {
		return true
	}
	for _, itf := range cls.Interfaces {
		if CheckCast(a, itf, to) {
			return true
		}
	}
	return false
}

// CompareTypes orders types by descriptor.
func CompareTypes(a, b *Type) bool { return a.Name() < b.Name() }

// CompareTypeLists orders type lists lexicographically by descriptor.
func CompareTypeLists(a, b []*Type) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return CompareTypes(a[i], b[i])
		}
	}
	return len(a) < len(b)
}

// Store is a named group of DEX files. Index 0 of the root store is the
// primary DEX.
type Store struct {
	Name  string
	Root  bool
	Dexen [][]*Class
}

// BuildClassScope flattens the stores' DEX files into a single class list in
// store/dex/class order.
func BuildClassScope(stores []*Store) []*Class {
	var scope []*Class
	for _, store := range stores {
		for _, dex := range store.Dexen {
			scope = append(scope, dex...)
		}
	}
	return scope
}

// SortUniqueTypes sorts and deduplicates in place, returning the shrunk
// slice.
func SortUniqueTypes(types []*Type) []*Type {
	sort.Slice(types, func(i, j int) bool { return types[i].Name() < types[j].Name() })
	out := types[:0]
	var prev *Type
	for _, t := range types {
		if t != prev {
			out = append(out, t)
		}
		prev = t
	}
	return out
}
