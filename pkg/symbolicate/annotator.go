package symbolicate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/blacktop/assemblicate/pkg/crashlog"
	"github.com/blacktop/assemblicate/pkg/symquery"
)

// Status is how far a frame got through symbolication
type Status int

const (
	// StatusUnknownImage means the frame's image has no name
	StatusUnknownImage Status = iota
	StatusFiltered
	StatusNotFound
	// StatusBackendFailure means the binary could not be opened/analyzed or a backend call failed
	StatusBackendFailure
	StatusSymbolicated
)

func (s Status) String() string {
	switch s {
	case StatusUnknownImage:
		return "unknown image"
	case StatusFiltered:
		return "filtered"
	case StatusNotFound:
		return "not found"
	case StatusBackendFailure:
		return "backend failure"
	case StatusSymbolicated:
		return "symbolicated"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Block is one rendered stack frame
type Block struct {
	Index  int
	Image  string
	Symbol string
	Status Status
	// Err is the reason a frame was not symbolicated (nil when Status is StatusSymbolicated)
	Err error

	// ByteCount is the number of bytes requested from the symbol's address (0 for function disassembly)
	ByteCount   uint64
	Header      string
	Disassembly string
}

const separator = "----------------------------------------------------------------------------------------------------"

func (b *Block) String() string {
	var sb strings.Builder
	sb.WriteString(b.Header)
	sb.WriteString("\n\n")
	switch b.Status {
	case StatusUnknownImage, StatusFiltered, StatusNotFound:
		return sb.String()
	}
	if len(b.Disassembly) > 0 {
		sb.WriteString(b.Disassembly)
		if !strings.HasSuffix(b.Disassembly, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString(separator)
	sb.WriteString("\n\n")
	return sb.String()
}

// Config is the symbolicator configuration
type Config struct {
	Resolver *Resolver
	Cache    *Cache
	// Timeout bounds every backend call; expiry fails only the current frame
	Timeout time.Duration
}

// Symbolicator annotates the crashing backtrace of one crash report
type Symbolicator struct {
	ips  *crashlog.Ips
	conf *Config
}

// New returns a Symbolicator for ips
func New(ips *crashlog.Ips, conf *Config) *Symbolicator {
	return &Symbolicator{ips: ips, conf: conf}
}

func (s *Symbolicator) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.conf.Timeout > 0 {
		return context.WithTimeout(ctx, s.conf.Timeout)
	}
	return context.WithCancel(ctx)
}

// Backtrace annotates the last exception backtrace (or the crashed thread's
// frames) from the outermost frame to the crashing one. An invalid report
// fails before any backend work; backend trouble only degrades single frames.
func (s *Symbolicator) Backtrace(ctx context.Context) ([]*Block, error) {
	if err := s.ips.Payload.Validate(); err != nil {
		return nil, err
	}

	frames := s.ips.Payload.Backtrace()
	blocks := make([]*Block, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return blocks, err
		}
		block, err := s.Frame(ctx, i, frames[i])
		if err != nil {
			return blocks, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func symbolText(image *crashlog.UsedImage, frame crashlog.Frame) string {
	if len(frame.Symbol) > 0 {
		return frame.Symbol
	}
	return fmt.Sprintf("%#x + %#x", image.Base, frame.ImageOffset)
}

// Frame annotates the frame at index idx of the backtrace
func (s *Symbolicator) Frame(ctx context.Context, idx int, frame crashlog.Frame) (*Block, error) {
	image, err := s.ips.Payload.Image(frame)
	if err != nil {
		return nil, err
	}

	if len(image.Name) == 0 {
		return &Block{
			Index:  idx,
			Image:  "???",
			Status: StatusUnknownImage,
			Header: fmt.Sprintf("%-10d %-25s 0x%-25X", idx, "???", frame.ImageOffset),
		}, nil
	}

	block := &Block{
		Index:  idx,
		Image:  image.Name,
		Symbol: symbolText(image, frame),
	}
	block.Header = fmt.Sprintf("%-10d %-25s %-25s", idx, block.Image, block.Symbol)

	l := log.WithFields(log.Fields{"frame": idx, "image": image.Name})

	path, err := s.conf.Resolver.Resolve(image, s.ips.Payload.ProcName, s.ips.Header.FirstParty())
	if err != nil {
		block.Err = err
		if errors.Is(err, ErrFiltered) {
			block.Status = StatusFiltered
			l.Debug("skipping filtered image")
		} else {
			block.Status = StatusNotFound
			l.WithField("path", path).Warn("binary not found")
		}
		return block, nil
	}

	if err := s.disassemble(ctx, block, path, image, frame); err != nil {
		block.Status = StatusBackendFailure
		block.Err = err
		block.Disassembly = ""
		l.WithError(err).Warn("failed to symbolicate frame")
		return block, nil
	}
	block.Status = StatusSymbolicated
	return block, nil
}

func (s *Symbolicator) disassemble(ctx context.Context, block *Block, path string, image *crashlog.UsedImage, frame crashlog.Frame) error {
	cctx, cancel := s.call(ctx)
	sess, err := s.conf.Cache.Get(cctx, path)
	cancel()
	if err != nil {
		return err
	}

	if strings.Contains(block.Symbol, " + ") {
		return s.disassembleOffset(ctx, sess, block, image, frame)
	}

	q, err := symquery.Parse(block.Symbol)
	if err != nil {
		log.WithError(err).Debug("unparseable symbol, falling back to image offset")
		return s.disassembleOffset(ctx, sess, block, image, frame)
	}

	cctx, cancel = s.call(ctx)
	addr, err := sess.QuerySymbolAddress(cctx, q)
	cancel()
	if errors.Is(err, backend.ErrNoMatch) {
		return s.disassembleOffset(ctx, sess, block, image, frame)
	} else if err != nil {
		return err
	}

	if frame.SymbolLocation == nil {
		return nil
	}
	block.ByteCount = *frame.SymbolLocation
	if block.Index == 0 {
		if block.ByteCount > math.MaxUint64-4 {
			return fmt.Errorf("%w: symbol location %#x is out of range", backend.ErrBackend, block.ByteCount)
		}
		// the crashing pc may sit mid-instruction
		block.ByteCount += 4
	}
	cctx, cancel = s.call(ctx)
	defer cancel()
	block.Disassembly, err = sess.DisassembleBytes(cctx, addr, block.ByteCount)
	return err
}

func (s *Symbolicator) disassembleOffset(ctx context.Context, sess backend.Session, block *Block, image *crashlog.UsedImage, frame crashlog.Frame) error {
	cctx, cancel := s.call(ctx)
	staticBase, err := sess.StaticBase(cctx)
	cancel()
	if err != nil {
		return err
	}
	addr := Translate(image.Base, staticBase, frame.ImageOffset)

	cctx, cancel = s.call(ctx)
	defer cancel()
	block.Disassembly, err = sess.DisassembleFunction(cctx, addr)
	return err
}
