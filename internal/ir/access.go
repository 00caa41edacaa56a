package ir

import "strings"

// AccessFlags is the DEX access-flag bit set, shared by classes, fields and
// methods. Values match the Dalvik encoding.
type AccessFlags uint32

const (
	AccPublic       AccessFlags = 0x1
	AccPrivate      AccessFlags = 0x2
	AccProtected    AccessFlags = 0x4
	AccStatic       AccessFlags = 0x8
	AccFinal        AccessFlags = 0x10
	AccSynchronized AccessFlags = 0x20
	AccVolatile     AccessFlags = 0x40
	AccBridge       AccessFlags = 0x40
	AccTransient    AccessFlags = 0x80
	AccVarargs      AccessFlags = 0x80
	AccNative       AccessFlags = 0x100
	AccInterface    AccessFlags = 0x200
	AccAbstract     AccessFlags = 0x400
	AccStrict       AccessFlags = 0x800
	AccSynthetic    AccessFlags = 0x1000
	AccAnnotation   AccessFlags = 0x2000
	AccEnum         AccessFlags = 0x4000
	AccConstructor  AccessFlags = 0x10000
)

// Has reports whether every bit of flag is set.
func (a AccessFlags) Has(flag AccessFlags) bool { return a&flag == flag }

var accessNames = []struct {
	flag AccessFlags
	name string
}{
	{AccPublic, "public"},
	{AccPrivate, "private"},
	{AccProtected, "protected"},
	{AccStatic, "static"},
	{AccFinal, "final"},
	{AccNative, "native"},
	{AccInterface, "interface"},
	{AccAbstract, "abstract"},
	{AccSynthetic, "synthetic"},
	{AccAnnotation, "annotation"},
	{AccEnum, "enum"},
	{AccConstructor, "constructor"},
	{AccVolatile, "volatile"},
	{AccTransient, "transient"},
}

// String renders the set flags as a space-separated modifier list, mainly
// for diagnostics.
func (a AccessFlags) String() string {
	var parts []string
	for _, e := range accessNames {
		if a.Has(e.flag) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, " ")
}
