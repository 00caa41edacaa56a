package keeprules

import "strings"

var primitiveDescriptors = map[string]string{
	"void":    "V",
	"boolean": "Z",
	"byte":    "B",
	"char":    "C",
	"short":   "S",
	"int":     "I",
	"long":    "J",
	"float":   "F",
	"double":  "D",
}

// ConvertWildcardType translates a dotted keep-rule type pattern into JVM
// descriptor form while preserving the shrinker wildcards: primitives map
// to their descriptor letters, '%' (any primitive), '***' (any type) and
// '...' (any argument list) pass through, array suffixes become leading
// '[', and every other pattern is wrapped in an 'L...;' reference shell
// with '.' separators turned into '/'.
func ConvertWildcardType(pattern string) string {
	dims := 0
	for strings.HasSuffix(pattern, "[]") {
		pattern = pattern[:len(pattern)-2]
		dims++
	}

	var desc string
	switch {
	case pattern == "%" || pattern == "***" || pattern == "...":
		desc = pattern
	case primitiveDescriptors[pattern] != "":
		desc = primitiveDescriptors[pattern]
	default:
		desc = "L" + strings.ReplaceAll(pattern, ".", "/") + ";"
	}
	return strings.Repeat("[", dims) + desc
}
