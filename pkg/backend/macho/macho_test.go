package macho

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/blacktop/assemblicate/pkg/symquery"
)

func TestRenderAnnotatesBranchTargets(t *testing.T) {
	s := &Session{a2s: map[uint64]string{
		0x1000: "_caller",
		0x1010: "_target",
	}}
	data := []byte{
		0x1f, 0x20, 0x03, 0xd5, // nop
		0x03, 0x00, 0x00, 0x94, // bl 0x1010
		0xc0, 0x03, 0x5f, 0xd6, // ret
	}

	out := s.render(data, 0x1000, 0x1004)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("render() produced %d lines, want label + 3 instructions:\n%s", len(lines), out)
	}
	if lines[0] != "_caller:" {
		t.Errorf("label = %q, want %q", lines[0], "_caller:")
	}
	if !strings.Contains(lines[1], "nop") {
		t.Errorf("line 1 = %q, want nop", lines[1])
	}
	if !strings.HasPrefix(lines[2], "👉00001004") {
		t.Errorf("line 2 = %q, want the marked instruction", lines[2])
	}
	if !strings.Contains(lines[2], "_target") {
		t.Errorf("line 2 = %q, want branch target symbolicated", lines[2])
	}
	if !strings.Contains(lines[3], "ret") {
		t.Errorf("line 3 = %q, want ret", lines[3])
	}
}

func TestRenderUnknownStartAndPartialWord(t *testing.T) {
	s := &Session{a2s: map[uint64]string{}}
	data := []byte{
		0xc0, 0x03, 0x5f, 0xd6, // ret
		0x00, 0x00, 0x00, // trailing partial word is ignored
	}
	out := s.render(data, 0x2000, 0)
	if !strings.HasPrefix(out, "sub_2000:\n") {
		t.Errorf("render() = %q, want sub_2000 label", out)
	}
	if n := strings.Count(out, "\n"); n != 2 {
		t.Errorf("render() = %q, want one instruction line", out)
	}
	if strings.Contains(out, "👉") {
		t.Errorf("render() = %q, nothing should be marked", out)
	}
}

func TestQuerySymbolAddress(t *testing.T) {
	s := &Session{a2s: map[uint64]string{}}
	ctx := context.Background()

	q, _ := symquery.Parse("-[Foo bar]")
	if _, err := s.QuerySymbolAddress(ctx, q); !errors.Is(err, backend.ErrBackend) {
		t.Errorf("QuerySymbolAddress() before Analyze error = %v, want ErrBackend", err)
	}

	s.analyzed = true
	s.addSymbol("-[Foo bar]_block_invoke", 0x100, true)
	s.addSymbol("-[Foo bar]", 0x200, false)
	s.addSymbol("-[Foo bar].cold.1", 0x300, false)

	addr, err := s.QuerySymbolAddress(ctx, q)
	if err != nil {
		t.Fatalf("QuerySymbolAddress() error = %v", err)
	}
	if addr != 0x200 {
		t.Errorf("QuerySymbolAddress() = %#x, want 0x200", addr)
	}

	q, _ = symquery.Parse("-[Foo baz]")
	if _, err := s.QuerySymbolAddress(ctx, q); !errors.Is(err, backend.ErrNoMatch) {
		t.Errorf("QuerySymbolAddress() error = %v, want ErrNoMatch", err)
	}
}

func TestAddSymbolPrefersGlobalLabel(t *testing.T) {
	s := &Session{a2s: map[uint64]string{}}
	s.addSymbol("ltmp0", 0x10, false)
	s.addSymbol("_exported", 0x10, true)
	s.addSymbol("ltmp1", 0x10, false)
	if got := s.a2s[0x10]; got != "_exported" {
		t.Errorf("a2s[0x10] = %q, want _exported", got)
	}
}

func TestOpenRejectsNonMachO(t *testing.T) {
	path := t.TempDir() + "/not-a-macho"
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewOpener(nil).Open(context.Background(), path); !errors.Is(err, backend.ErrBackend) {
		t.Errorf("Open() error = %v, want ErrBackend", err)
	}
}

// testdata/hello-arm64 is a thin arm64 MH_EXECUTE with a symbol table but no
// LC_FUNCTION_STARTS. __TEXT.__text spans 0x100000200-0x10000021c:
//
//	_helper 0x100000200: nop; ret
//	_main   0x100000208: stp; mov; bl _helper; ldp; ret
func openHello(t *testing.T) *Session {
	t.Helper()
	sess, err := NewOpener(nil).Open(context.Background(), "testdata/hello-arm64")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	s := sess.(*Session)
	if err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	return s
}

func TestOpenAnalyzeMachO(t *testing.T) {
	s := openHello(t)
	ctx := context.Background()

	base, err := s.StaticBase(ctx)
	if err != nil {
		t.Fatalf("StaticBase() error = %v", err)
	}
	if base != 0x100000000 {
		t.Errorf("StaticBase() = %#x, want 0x100000000", base)
	}

	tests := []struct {
		symbol string
		want   uint64
	}{
		{"main", 0x100000208},
		{"_helper", 0x100000200},
	}
	for _, tt := range tests {
		q, _ := symquery.Parse(tt.symbol)
		got, err := s.QuerySymbolAddress(ctx, q)
		if err != nil {
			t.Errorf("QuerySymbolAddress(%q) error = %v", tt.symbol, err)
			continue
		}
		if got != tt.want {
			t.Errorf("QuerySymbolAddress(%q) = %#x, want %#x", tt.symbol, got, tt.want)
		}
	}
}

func TestDisassembleBytesMachO(t *testing.T) {
	s := openHello(t)
	ctx := context.Background()

	out, err := s.DisassembleBytes(ctx, 0x100000208, 8)
	if err != nil {
		t.Fatalf("DisassembleBytes() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || lines[0] != "_main:" {
		t.Fatalf("DisassembleBytes() = %q, want _main label + 2 instructions", out)
	}
	if !strings.Contains(lines[1], "stp") || !strings.Contains(lines[2], "mov") {
		t.Errorf("DisassembleBytes() = %q, want stp then mov", out)
	}

	// an odd count up to the section end rounds to the last whole instruction
	out, err = s.DisassembleBytes(ctx, 0x100000208, 0x13)
	if err != nil {
		t.Fatalf("DisassembleBytes() error = %v", err)
	}
	if n := strings.Count(out, "\n"); n != 6 {
		t.Errorf("DisassembleBytes() = %q, want label + 5 instructions", out)
	}
}

func TestDisassembleBytesBoundedBySection(t *testing.T) {
	s := openHello(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		addr  uint64
		count uint64
	}{
		{"past section end", 0x100000208, 0x18},
		{"huge count", 0x100000208, 1 << 40},
		{"count that would wrap when rounded", 0x100000208, ^uint64(0) - 1},
		{"max count", 0x100000200, ^uint64(0)},
		{"unmapped address", 0x100000100, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.DisassembleBytes(ctx, tt.addr, tt.count)
			if !errors.Is(err, backend.ErrBackend) {
				t.Errorf("DisassembleBytes(%#x, %d) = %q, %v; want ErrBackend", tt.addr, tt.count, out, err)
			}
		})
	}
}

func TestDisassembleFunctionFallsBackToSymbols(t *testing.T) {
	s := openHello(t)
	ctx := context.Background()

	out, err := s.DisassembleFunction(ctx, 0x100000210)
	if err != nil {
		t.Fatalf("DisassembleFunction() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 || lines[0] != "_main:" {
		t.Fatalf("DisassembleFunction() = %q, want _main label + 3 instructions", out)
	}
	if !strings.HasPrefix(lines[3], "👉100000210") {
		t.Errorf("last line = %q, want the marked bl", lines[3])
	}
	if !strings.Contains(lines[3], "_helper") {
		t.Errorf("last line = %q, want branch target symbolicated", lines[3])
	}

	// the preceding symbol bounds _helper so it never runs into _main
	out, err = s.DisassembleFunction(ctx, 0x100000204)
	if err != nil {
		t.Fatalf("DisassembleFunction() error = %v", err)
	}
	if !strings.HasPrefix(out, "_helper:\n") || strings.Count(out, "\n") != 3 {
		t.Errorf("DisassembleFunction() = %q, want _helper label + 2 instructions", out)
	}

	if _, err := s.DisassembleFunction(ctx, 0x100000300); !errors.Is(err, backend.ErrBackend) {
		t.Errorf("DisassembleFunction() outside any section error = %v, want ErrBackend", err)
	}
}
