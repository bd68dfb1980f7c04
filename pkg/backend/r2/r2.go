// Package r2 drives radare2 over its pipe protocol: the child is started with
// `-q0`, signals readiness with a NUL byte and answers every newline terminated
// command with its output followed by a NUL byte.
package r2

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/blacktop/assemblicate/pkg/symquery"
	"github.com/pkg/errors"
)

const defaultPath = "r2"

// Config is the radare2 backend configuration
type Config struct {
	// Path is the radare2 executable (defaults to r2 in $PATH)
	Path string
	// Args are passed before the pipe flags and the binary path
	Args []string
}

// Opener starts one radare2 process per binary
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

// Open starts radare2 on path and waits for it to become ready
func (o *Opener) Open(ctx context.Context, path string) (backend.Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to open %s: %v", path, err)
	}

	bin := o.conf.Path
	if len(bin) == 0 {
		bin = defaultPath
	}
	args := append(append([]string{}, o.conf.Args...), "-q0", path)

	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to create r2 stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to create r2 stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(backend.ErrBackend, "failed to start %s: %v", bin, err)
	}

	s := &Session{
		path:   path,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}
	// r2 sends a lone NUL once the binary is loaded
	if _, err := s.read(ctx); err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "r2 failed to load %s", path)
	}

	log.WithFields(log.Fields{"path": path, "pid": cmd.Process.Pid}).Debug("Started radare2")

	return s, nil
}

// Session is a running radare2 process bound to one binary
type Session struct {
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu     sync.Mutex
	broken error
	closed bool
	// pending is the reply of a read abandoned on timeout
	pending chan reply

	syms       []symquery.Symbol
	symsLoaded bool
}

type reply struct {
	out string
	err error
}

// read waits for the next NUL terminated reply; when ctx expires the process
// is killed because the pipe is left mid-reply and cannot be reused
func (s *Session) read(ctx context.Context) (string, error) {
	ch := make(chan reply, 1)
	go func() {
		out, err := s.stdout.ReadString(0)
		ch <- reply{out: strings.TrimSuffix(out, "\x00"), err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			s.broken = errors.Wrapf(backend.ErrBackend, "r2 pipe read failed: %v", r.err)
			return "", s.broken
		}
		return r.out, nil
	case <-ctx.Done():
		s.broken = errors.Wrapf(backend.ErrBackend, "r2 call aborted: %v", ctx.Err())
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.pending = ch
		return "", s.broken
	}
}

// Cmd runs a radare2 command and returns its output
func (s *Session) Cmd(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errors.Wrap(backend.ErrBackend, "r2 session is closed")
	}
	if s.broken != nil {
		return "", s.broken
	}
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		s.broken = errors.Wrapf(backend.ErrBackend, "r2 pipe write failed: %v", err)
		return "", s.broken
	}
	return s.read(ctx)
}

// Cmdj runs a radare2 JSON command and decodes its output into v
func (s *Session) Cmdj(ctx context.Context, command string, v any) error {
	out, err := s.Cmd(ctx, command)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return errors.Wrapf(backend.ErrBackend, "failed to decode %q output: %v", command, err)
	}
	return nil
}

// Analyze runs `aaa`
func (s *Session) Analyze(ctx context.Context) error {
	_, err := s.Cmd(ctx, "aaa")
	return err
}

type segment struct {
	Name  string `json:"name"`
	Vaddr uint64 `json:"vaddr"`
	Vsize uint64 `json:"vsize"`
}

// StaticBase returns the lowest vaddr of the binary's mapped segments (`iSSj`)
func (s *Session) StaticBase(ctx context.Context) (uint64, error) {
	var segs []segment
	if err := s.Cmdj(ctx, "iSSj", &segs); err != nil {
		return 0, err
	}
	var base uint64
	found := false
	for _, seg := range segs {
		if seg.Vsize == 0 || strings.Contains(seg.Name, "PAGEZERO") {
			continue
		}
		if !found || seg.Vaddr < base {
			base, found = seg.Vaddr, true
		}
	}
	if !found {
		return 0, errors.Wrapf(backend.ErrBackend, "r2 reported no mapped segments for %s", s.path)
	}
	return base, nil
}

type symbol struct {
	Name       string `json:"name"`
	Realname   string `json:"realname"`
	Bind       string `json:"bind"`
	Vaddr      uint64 `json:"vaddr"`
	IsImported bool   `json:"is_imported"`
}

// symbols loads the defined entries of the symbol table (`isj`) once per session
func (s *Session) symbols(ctx context.Context) ([]symquery.Symbol, error) {
	if s.symsLoaded {
		return s.syms, nil
	}
	var rows []symbol
	if err := s.Cmdj(ctx, "isj", &rows); err != nil {
		return nil, err
	}
	syms := make([]symquery.Symbol, 0, len(rows))
	for _, row := range rows {
		if row.IsImported || row.Vaddr == 0 {
			continue
		}
		global := row.Bind == "GLOBAL" || row.Bind == "WEAK"
		syms = append(syms, symquery.Symbol{Name: row.Name, Address: row.Vaddr, Global: global})
		if len(row.Realname) > 0 && row.Realname != row.Name {
			syms = append(syms, symquery.Symbol{Name: row.Realname, Address: row.Vaddr, Global: global})
		}
	}
	s.syms, s.symsLoaded = syms, true
	log.WithFields(log.Fields{"path": s.path, "count": len(syms)}).Debug("Loaded r2 symbol table")
	return syms, nil
}

// QuerySymbolAddress matches the query against the symbol table locally so
// report text never reaches the r2 command line
func (s *Session) QuerySymbolAddress(ctx context.Context, q symquery.Query) (uint64, error) {
	syms, err := s.symbols(ctx)
	if err != nil {
		return 0, err
	}
	sym, ok := q.Select(syms)
	if !ok {
		return 0, backend.ErrNoMatch
	}
	return sym.Address, nil
}

// DisassembleBytes seeks to addr and prints count bytes of disassembly (`pD`)
func (s *Session) DisassembleBytes(ctx context.Context, addr, count uint64) (string, error) {
	return s.Cmd(ctx, fmt.Sprintf("s %#x; pD %d", addr, count))
}

// DisassembleFunction seeks to the start of the function containing addr and
// disassembles up to addr (`sf.; pdua`)
func (s *Session) DisassembleFunction(ctx context.Context, addr uint64) (string, error) {
	return s.Cmd(ctx, fmt.Sprintf("s %#x; sf.; pdua %#x", addr, addr))
}

// Close quits radare2 and reaps the process
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.broken == nil {
		io.WriteString(s.stdin, "q!\n")
	}
	s.stdin.Close()
	if s.pending != nil {
		// the killed process closes stdout, unblocking the abandoned read
		<-s.pending
		s.pending = nil
	}
	if err := s.cmd.Wait(); err != nil && s.broken == nil {
		return errors.Wrapf(err, "r2 exited uncleanly for %s", s.path)
	}
	return nil
}
