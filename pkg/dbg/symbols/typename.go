package symbols

import (
	"strconv"
	"strings"
)

// CLR and C# spell primitive type names differently; function breakpoint
// parameter signatures are compared in the C# spelling.

var cs2system = map[string]string{
	"void":    "System.Void",
	"bool":    "System.Boolean",
	"byte":    "System.Byte",
	"sbyte":   "System.SByte",
	"char":    "System.Char",
	"decimal": "System.Decimal",
	"double":  "System.Double",
	"float":   "System.Single",
	"int":     "System.Int32",
	"uint":    "System.UInt32",
	"long":    "System.Int64",
	"ulong":   "System.UInt64",
	"object":  "System.Object",
	"short":   "System.Int16",
	"ushort":  "System.UInt16",
	"string":  "System.String",
	"IntPtr":  "System.IntPtr",
	"UIntPtr": "System.UIntPtr",
}

var system2cs = map[string]string{
	"System.Void":    "void",
	"System.Boolean": "bool",
	"System.Byte":    "byte",
	"System.SByte":   "sbyte",
	"System.Char":    "char",
	"System.Decimal": "decimal",
	"System.Double":  "double",
	"System.Single":  "float",
	"System.Int32":   "int",
	"System.UInt32":  "uint",
	"System.Int64":   "long",
	"System.UInt64":  "ulong",
	"System.Object":  "object",
	"System.Int16":   "short",
	"System.UInt16":  "ushort",
	"System.String":  "string",
	"System.IntPtr":  "IntPtr",
	"System.UIntPtr": "UIntPtr",
}

// RenameToSystem maps a C# primitive name to its CLR name, or returns the
// input unchanged.
func RenameToSystem(typeName string) string {
	if renamed, found := cs2system[typeName]; found {
		return renamed
	}
	return typeName
}

// RenameToCSharp maps a CLR type name to its C# spelling, or returns the
// input unchanged.
func RenameToCSharp(typeName string) string {
	if renamed, found := system2cs[typeName]; found {
		return renamed
	}
	return typeName
}

// RenderTypeName renders a CLR type name the way C# displays it: primitives
// renamed, nested classes '+' replaced with '.', and generic arity markers
// "`N" expanded to "<...>" using the type argument names from the enclosing
// context (type parameters render as their given names, missing ones as
// "!N").
func RenderTypeName(clrName string, typeArgs []string) string {
	if renamed, found := system2cs[clrName]; found {
		return renamed
	}

	name := strings.ReplaceAll(clrName, "+", ".")
	argIndex := 0

	var out strings.Builder
	for {
		tick := strings.IndexByte(name, '`')
		if tick < 0 {
			out.WriteString(name)
			break
		}
		out.WriteString(name[:tick])
		rest := name[tick+1:]

		digits := 0
		for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		arity, _ := strconv.Atoi(rest[:digits])
		out.WriteByte('<')
		for i := 0; i < arity; i++ {
			if i > 0 {
				out.WriteByte(',')
			}
			if argIndex < len(typeArgs) {
				out.WriteString(typeArgs[argIndex])
			} else {
				out.WriteString("!" + strconv.Itoa(argIndex))
			}
			argIndex++
		}
		out.WriteByte('>')
		name = rest[digits:]
	}
	return out.String()
}

// RenderParamSignature renders CLR parameter type names into the canonical
// "(type,type)" form used to compare function breakpoint signatures.
func RenderParamSignature(clrParamTypes []string) string {
	var out strings.Builder
	out.WriteByte('(')
	for i, param := range clrParamTypes {
		if i > 0 {
			out.WriteByte(',')
		}
		out.WriteString(RenderTypeName(param, nil))
	}
	out.WriteByte(')')
	return out.String()
}
