package ir

import "strings"

// Type is an interned JVM type descriptor such as "Lcom/foo/Bar;" or "I".
// Handles are unique per Arena; compare with ==.
type Type struct {
	name string
}

// Name returns the descriptor string.
func (t *Type) Name() string { return t.name }

// SimpleName strips the "L...;" shell from a reference descriptor; primitive
// and array descriptors are returned unchanged.
func (t *Type) SimpleName() string {
	n := t.name
	if strings.HasPrefix(n, "L") && strings.HasSuffix(n, ";") {
		return n[1 : len(n)-1]
	}
	return n
}

// Proto is an interned method prototype (return type plus argument types).
type Proto struct {
	ret  *Type
	args []*Type
}

// Ret returns the return type.
func (p *Proto) Ret() *Type { return p.ret }

// Args returns the argument types. Callers must not mutate the slice.
func (p *Proto) Args() []*Type { return p.args }

// Descriptor renders the prototype as "(arg1...argN)ret".
func (p *Proto) Descriptor() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, a := range p.args {
		sb.WriteString(a.name)
	}
	sb.WriteByte(')')
	sb.WriteString(p.ret.name)
	return sb.String()
}

// MethodRef identifies a method by owner type, name and prototype. A
// MethodRef may refer to a method with no definition in the scope (a library
// method); defined methods wrap their ref in a Method.
type MethodRef struct {
	owner *Type
	name  string
	proto *Proto
}

// Owner returns the declaring type.
func (m *MethodRef) Owner() *Type { return m.owner }

// Name returns the method name.
func (m *MethodRef) Name() string { return m.name }

// Proto returns the method prototype.
func (m *MethodRef) Proto() *Proto { return m.proto }

// Show renders the ref as "Lowner;.name:(args)ret".
func (m *MethodRef) Show() string {
	return m.owner.name + "." + m.name + ":" + m.proto.Descriptor()
}

// FieldRef identifies a field by owner type, name and field type.
type FieldRef struct {
	owner *Type
	name  string
	typ   *Type
}

// Owner returns the declaring type.
func (f *FieldRef) Owner() *Type { return f.owner }

// Name returns the field name.
func (f *FieldRef) Name() string { return f.name }

// Type returns the field type.
func (f *FieldRef) Type() *Type { return f.typ }

// Show renders the ref as "Lowner;.name:type".
func (f *FieldRef) Show() string {
	return f.owner.name + "." + f.name + ":" + f.typ.name
}

type methodKey struct {
	owner *Type
	name  string
	proto *Proto
}

type fieldKey struct {
	owner *Type
	name  string
	typ   *Type
}

// Arena interns types, protos and member references, and registers class
// definitions. It is the explicit stand-in for a process-global DEX
// registry; every parse or transform entry point receives one.
//
// An Arena is not safe for concurrent mutation.
type Arena struct {
	types   map[string]*Type
	protos  map[string]*Proto
	methods map[methodKey]*MethodRef
	fields  map[fieldKey]*FieldRef
	classes map[*Type]*Class
}

// NewArena creates an empty Arena.
func NewArena() *Arena {
	return &Arena{
		types:   make(map[string]*Type),
		protos:  make(map[string]*Proto),
		methods: make(map[methodKey]*MethodRef),
		fields:  make(map[fieldKey]*FieldRef),
		classes: make(map[*Type]*Class),
	}
}

// GetType returns the interned type for descriptor, or nil if it has never
// been interned.
func (a *Arena) GetType(descriptor string) *Type {
	return a.types[descriptor]
}

// MakeType interns descriptor, creating the type on first use.
func (a *Arena) MakeType(descriptor string) *Type {
	if t, ok := a.types[descriptor]; ok {
		return t
	}
	t := &Type{name: descriptor}
	a.types[descriptor] = t
	return t
}

// MakeProto interns a prototype.
func (a *Arena) MakeProto(ret *Type, args ...*Type) *Proto {
	p := &Proto{ret: ret, args: args}
	key := p.Descriptor()
	if existing, ok := a.protos[key]; ok {
		return existing
	}
	a.protos[key] = p
	return p
}

// MakeMethodRef interns a method reference.
func (a *Arena) MakeMethodRef(owner *Type, name string, proto *Proto) *MethodRef {
	key := methodKey{owner, name, proto}
	if m, ok := a.methods[key]; ok {
		return m
	}
	m := &MethodRef{owner: owner, name: name, proto: proto}
	a.methods[key] = m
	return m
}

// MakeFieldRef interns a field reference.
func (a *Arena) MakeFieldRef(owner *Type, name string, typ *Type) *FieldRef {
	key := fieldKey{owner, name, typ}
	if f, ok := a.fields[key]; ok {
		return f
	}
	f := &FieldRef{owner: owner, name: name, typ: typ}
	a.fields[key] = f
	return f
}

// ClassFor returns the class definition registered for t, or nil if t has no
// definition in this Arena (a library type or a marker sentinel).
func (a *Arena) ClassFor(t *Type) *Class {
	return a.classes[t]
}

// RegisterClass records cls as the definition of its type. Registering a
// second definition for the same type replaces the first.
func (a *Arena) RegisterClass(cls *Class) {
	a.classes[cls.typ] = cls
}
