// Package macho is an in-process analysis backend built on go-macho and the
// arm64 disassembler. Its full analysis pass indexes the symbol table and the
// LC_FUNCTION_STARTS function boundaries of one ARM64 Mach-O.
package macho

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/blacktop/assemblicate/pkg/symquery"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// Config is the Mach-O backend configuration
type Config struct {
	// Arch selects the slice of a universal binary (defaults to the first arm64 slice)
	Arch string
}

// Opener opens Mach-O files
type Opener struct {
	conf *Config
}

// NewOpener returns an Opener using conf
func NewOpener(conf *Config) *Opener {
	if conf == nil {
		conf = &Config{}
	}
	return &Opener{conf: conf}
}

func isArm64(m *macho.File) bool {
	return m.CPU == types.CPUArm64
}

// Open parses the Mach-O at path, picking the arm64 slice of universal binaries
func (o *Opener) Open(ctx context.Context, path string) (backend.Session, error) {
	s := &Session{path: path, a2s: make(map[uint64]string)}

	fat, err := macho.OpenFat(path)
	if err != nil && err != macho.ErrNotFat {
		return nil, errors.Wrapf(backend.ErrBackend, "%s appears to not be a valid MachO: %v", path, err)
	}
	if err == macho.ErrNotFat {
		s.m, err = macho.Open(path)
		if err != nil {
			return nil, errors.Wrapf(backend.ErrBackend, "%s appears to not be a valid MachO: %v", path, err)
		}
	} else {
		s.fat = fat
		for _, arch := range fat.Arches {
			sub := strings.ToLower(arch.SubCPU.String(arch.CPU))
			if len(o.conf.Arch) > 0 && !strings.Contains(sub, strings.ToLower(o.conf.Arch)) {
				continue
			}
			if strings.Contains(sub, "arm64") {
				s.m = arch.File
				break
			}
		}
		if s.m == nil {
			fat.Close()
			return nil, errors.Wrapf(backend.ErrBackend, "no arm64 slice found in universal binary %s", path)
		}
	}

	if !isArm64(s.m) {
		s.Close()
		return nil, errors.Wrapf(backend.ErrBackend, "can only disassemble arm64 binaries (%s is %s)", path, s.m.CPU)
	}

	return s, nil
}

// Session is an opened Mach-O with its analysis results
type Session struct {
	path string
	m    *macho.File
	fat  *macho.FatFile

	analyzed bool
	syms     []symquery.Symbol
	a2s      map[uint64]string
	// starts are the sorted unique symbol addresses, used to bound functions
	// when the binary has no LC_FUNCTION_STARTS
	starts []uint64
}

// Analyze indexes the symbol table and function starts
func (s *Session) Analyze(ctx context.Context) error {
	if s.analyzed {
		return nil
	}
	if s.m.Symtab != nil {
		for _, sym := range s.m.Symtab.Syms {
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(backend.ErrBackend, "analysis of %s aborted: %v", s.path, err)
			}
			if sym.Type.IsDebugSym() || sym.Type.IsUndefinedSym() || sym.Value == 0 {
				continue
			}
			s.addSymbol(sym.Name, sym.Value, sym.Type.IsExternalSym() || sym.Type.IsPrivateExternalSym())
		}
	}
	// stripped functions still get a label for branch annotation, but never answer queries
	var unnamed int
	for _, fn := range s.m.GetFunctions() {
		if _, ok := s.a2s[fn.StartAddr]; !ok {
			s.a2s[fn.StartAddr] = fmt.Sprintf("func_%x", fn.StartAddr)
			unnamed++
		}
	}
	for _, sym := range s.syms {
		s.starts = append(s.starts, sym.Address)
	}
	slices.Sort(s.starts)
	s.starts = slices.Compact(s.starts)
	s.analyzed = true

	log.WithFields(log.Fields{
		"path":    s.path,
		"symbols": len(s.syms),
		"unnamed": unnamed,
	}).Debug("Analyzed MachO")

	return nil
}

func (s *Session) addSymbol(name string, addr uint64, global bool) {
	s.syms = append(s.syms, symquery.Symbol{Name: name, Address: addr, Global: global})
	if _, ok := s.a2s[addr]; !ok || global {
		s.a2s[addr] = name
	}
}

// StaticBase returns the __TEXT vmaddr (or the lowest section address when there is no __TEXT)
func (s *Session) StaticBase(ctx context.Context) (uint64, error) {
	if text := s.m.Segment("__TEXT"); text != nil {
		return text.Addr, nil
	}
	var base uint64
	found := false
	for _, sec := range s.m.Sections {
		if sec.Size == 0 {
			continue
		}
		if !found || sec.Addr < base {
			base, found = sec.Addr, true
		}
	}
	if !found {
		return 0, errors.Wrapf(backend.ErrBackend, "%s has no mapped sections", s.path)
	}
	return base, nil
}

// QuerySymbolAddress resolves q against the analyzed symbol table
func (s *Session) QuerySymbolAddress(ctx context.Context, q symquery.Query) (uint64, error) {
	if !s.analyzed {
		return 0, errors.Wrapf(backend.ErrBackend, "%s has not been analyzed", s.path)
	}
	sym, ok := q.Select(s.syms)
	if !ok {
		return 0, backend.ErrNoMatch
	}
	return sym.Address, nil
}

func (s *Session) readAt(addr, size uint64) ([]byte, error) {
	off, err := s.m.GetOffset(addr)
	if err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to get file offset for %#x: %v", addr, err)
	}
	data := make([]byte, size)
	if _, err := s.m.ReadAt(data, int64(off)); err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to read %d bytes at %#x: %v", size, addr, err)
	}
	return data, nil
}

// section returns the section containing addr and the number of bytes left in it from addr
func (s *Session) section(addr uint64) (*types.Section, uint64, error) {
	sec := s.m.FindSectionForVMAddr(addr)
	if sec == nil {
		return nil, 0, errors.Wrapf(backend.ErrBackend, "%#x is not in any section of %s", addr, s.path)
	}
	return sec, sec.Addr + sec.Size - addr, nil
}

// DisassembleBytes disassembles count bytes at addr (rounded up to whole
// instructions); the range must lie within the section containing addr
func (s *Session) DisassembleBytes(ctx context.Context, addr, count uint64) (string, error) {
	if count == 0 {
		return "", nil
	}
	sec, avail, err := s.section(addr)
	if err != nil {
		return "", err
	}
	if count > avail {
		return "", errors.Wrapf(backend.ErrBackend, "%d bytes at %#x run past the end of %s.%s (%d bytes left)", count, addr, sec.Seg, sec.Name, avail)
	}
	// count <= avail so rounding cannot wrap
	count = min((count+3)&^3, avail)
	data, err := s.readAt(addr, count)
	if err != nil {
		return "", err
	}
	return s.render(data, addr, 0), nil
}

// functionBounds returns the start and end of the function containing addr,
// from LC_FUNCTION_STARTS or else the nearest preceding symbol in the same section
func (s *Session) functionBounds(addr uint64) (uint64, uint64, error) {
	if fn, err := s.m.GetFunctionForVMAddr(addr); err == nil {
		return fn.StartAddr, fn.EndAddr, nil
	}
	sec, _, err := s.section(addr)
	if err != nil {
		return 0, 0, err
	}
	i := sort.Search(len(s.starts), func(i int) bool { return s.starts[i] > addr }) - 1
	if i < 0 || s.starts[i] < sec.Addr {
		return 0, 0, errors.Wrapf(backend.ErrBackend, "no function or symbol contains %#x", addr)
	}
	end := sec.Addr + sec.Size
	if i+1 < len(s.starts) && s.starts[i+1] < end {
		end = s.starts[i+1]
	}
	return s.starts[i], end, nil
}

// DisassembleFunction disassembles the function containing addr from its start through addr
func (s *Session) DisassembleFunction(ctx context.Context, addr uint64) (string, error) {
	start, end, err := s.functionBounds(addr)
	if err != nil {
		return "", err
	}
	// addr < end for both sources
	if end-addr > 4 {
		end = addr + 4
	}
	data, err := s.readAt(start, end-start)
	if err != nil {
		return "", err
	}
	return s.render(data, start, addr), nil
}

// Close releases the underlying file
func (s *Session) Close() error {
	if s.fat != nil {
		return s.fat.Close()
	}
	if s.m != nil {
		return s.m.Close()
	}
	return nil
}
