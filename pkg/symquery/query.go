// Package symquery turns the symbol names recorded in crash report frames into
// queries that pick exactly one entry out of a binary's symbol table.
//
// Objective-C binaries routinely carry several symbols sharing a method's
// prefix: the method itself, its `block_invoke` closures and its `.cold` split
// paths. A query records which of those markers the frame named so that the
// lookup can require them when present and reject them when absent.
package symquery

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	blockInvokeMarker = "block_invoke"
	coldMarker        = "cold"
)

// Kind is the shape of the recorded symbol name
type Kind int

const (
	// Plain is a C/C++/Swift style symbol
	Plain Kind = iota
	// ObjCMethod is a `[-+]\[Class selector]` symbol
	ObjCMethod
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case ObjCMethod:
		return "objc"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// [-+][Class selector] followed by optional block_invoke[_N] and cold[.N] suffixes
var objcMethodRE = regexp.MustCompile(`[-+]\[([^ \]]+) ([^\]]+)\][._]*(block_invoke[._]*[0-9]*)?[._]*(cold[._]*[0-9]*)?`)

// Query is the parsed lookup intent for one frame symbol
type Query struct {
	Kind Kind
	// Name is the full symbol name (Plain queries)
	Name string

	Class    string
	Selector string
	// BlockInvoke is the block_invoke suffix as recorded (e.g. "block_invoke_2"), empty when absent
	BlockInvoke string
	// Cold is the cold split suffix as recorded (e.g. "cold.1"), empty when absent
	Cold string
}

// HasBlockInvoke reports whether the symbol named a block_invoke variant
func (q Query) HasBlockInvoke() bool {
	if q.Kind == Plain {
		return strings.Contains(q.Name, blockInvokeMarker)
	}
	return len(q.BlockInvoke) > 0
}

// HasCold reports whether the symbol named a cold split path
func (q Query) HasCold() bool {
	return q.Kind == ObjCMethod && len(q.Cold) > 0
}

// Parse builds the query for a recorded symbol name. Names containing a '['
// must parse as an Objective-C method.
func Parse(symbol string) (Query, error) {
	if !strings.Contains(symbol, "[") {
		if len(symbol) == 0 {
			return Query{}, fmt.Errorf("empty symbol name")
		}
		return Query{Kind: Plain, Name: symbol}, nil
	}
	m := objcMethodRE.FindStringSubmatch(symbol)
	if m == nil {
		return Query{}, fmt.Errorf("failed to parse Objective-C method name %q", symbol)
	}
	return Query{
		Kind:        ObjCMethod,
		Name:        symbol,
		Class:       m[1],
		Selector:    m[2],
		BlockInvoke: m[3],
		Cold:        m[4],
	}, nil
}

// Match reports whether a symbol table entry name satisfies the query
func (q Query) Match(name string) bool {
	switch q.Kind {
	case ObjCMethod:
		method := "[" + q.Class + " " + q.Selector + "]"
		idx := strings.Index(name, method)
		if idx < 0 {
			return false
		}
		// markers only count after the method name
		suffix := name[idx+len(method):]
		if q.HasBlockInvoke() {
			if !strings.Contains(suffix, q.BlockInvoke) {
				return false
			}
		} else if strings.Contains(suffix, blockInvokeMarker) {
			return false
		}
		if q.HasCold() {
			return strings.Contains(suffix, q.Cold)
		}
		return !strings.Contains(suffix, coldMarker)
	default:
		if !strings.Contains(name, q.Name) {
			return false
		}
		if !q.HasBlockInvoke() && strings.Contains(name, blockInvokeMarker) {
			return false
		}
		return true
	}
}

// exact reports whether name is the query's symbol itself, modulo the Mach-O leading underscore
func (q Query) exact(name string) bool {
	return name == q.Name || strings.TrimPrefix(name, "_") == q.Name
}

// Symbol is a symbol table entry a query can be matched against
type Symbol struct {
	Name    string
	Address uint64
	// Global is set for external (exported or private-extern) definitions
	Global bool
}

func (q Query) rank(sym Symbol) int {
	var r int
	if q.exact(sym.Name) {
		r += 2
	}
	if sym.Global {
		r++
	}
	return r
}

// Select picks the entry the query resolves to. Among matching entries an exact
// name beats a substring hit and a global definition beats a local alias; ties
// keep symbol table order.
func (q Query) Select(syms []Symbol) (Symbol, bool) {
	var best Symbol
	found := false
	bestRank := -1
	for _, sym := range syms {
		if !q.Match(sym.Name) {
			continue
		}
		if r := q.rank(sym); r > bestRank {
			best, bestRank, found = sym, r, true
		}
	}
	return best, found
}
