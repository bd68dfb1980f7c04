// Package symbolicate assembles the symbolicated crash report.
package symbolicate

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/assemblicate/internal/colors"
	"github.com/blacktop/assemblicate/internal/config"
	"github.com/blacktop/assemblicate/internal/utils"
	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/blacktop/assemblicate/pkg/backend/macho"
	"github.com/blacktop/assemblicate/pkg/backend/r2"
	"github.com/blacktop/assemblicate/pkg/crashlog"
	"github.com/blacktop/assemblicate/pkg/symbolicate"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

const stackTraceTitle = "STACK TRACE"

// Config is the symbolicate command configuration
type Config struct {
	Settings *config.Config
	// Color highlights the report when it is written to stdout
	Color bool
	Theme string
	// Progress shows a spinner while a binary is analyzed
	Progress bool
}

// NewOpener returns the backend selected by conf
func NewOpener(conf *config.Config) (backend.Opener, error) {
	switch conf.Backend {
	case config.BackendR2:
		return r2.NewOpener(&r2.Config{Path: conf.R2.Path}), nil
	case config.BackendMachO:
		return macho.NewOpener(&macho.Config{Arch: conf.Arch}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}
}

// OutputPath is where the report for ipsPath is written ("" for stdout)
func OutputPath(ipsPath string, conf *config.Config) string {
	if conf.Output == config.Stdout {
		return ""
	}
	stem := strings.TrimSuffix(filepath.Base(ipsPath), filepath.Ext(ipsPath))
	return filepath.Join(conf.Output, stem)
}

func progress(path string) func() {
	utils.Indent(log.Info, 2)(fmt.Sprintf("Analyzing %s", symbolicate.Key(path)))
	s := spinner.New(spinner.CharSets[38], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Prefix = color.BlueString("   • Analyzing... ")
	s.Start()
	return s.Stop
}

// Run symbolicates the crash report at ipsPath and writes the report
func Run(ctx context.Context, ipsPath string, conf *Config) error {
	ips, err := crashlog.Open(ipsPath)
	if err != nil {
		return err
	}

	opener, err := NewOpener(conf.Settings)
	if err != nil {
		return err
	}
	cache, err := symbolicate.NewCache(opener, conf.Settings.MaxSessions)
	if err != nil {
		return err
	}
	defer cache.Close()
	if conf.Progress {
		cache.Progress = progress
	}

	resolver := symbolicate.NewResolver()
	resolver.AppsDir = conf.Settings.Apps
	resolver.SharedLibsDir = conf.Settings.Dylibs
	resolver.SetFiltered(conf.Settings.Filtered)

	sym := symbolicate.New(ips, &symbolicate.Config{
		Resolver: resolver,
		Cache:    cache,
		Timeout:  conf.Settings.R2.Timeout,
	})

	log.WithFields(log.Fields{
		"process": ips.Payload.ProcName,
		"backend": conf.Settings.Backend,
	}).Info("Symbolicating crash report")

	out := OutputPath(ipsPath, conf.Settings)
	if len(out) == 0 {
		return Write(ctx, os.Stdout, ips, sym, conf.Color, conf.Theme)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := Write(ctx, f, ips, sym, false, ""); err != nil {
		return err
	}
	log.Infof("Created %s", out)
	return nil
}

// Write renders every report section followed by the annotated stack trace
func Write(ctx context.Context, w io.Writer, ips *crashlog.Ips, sym *symbolicate.Symbolicator, highlight bool, theme string) error {
	blocks, err := sym.Backtrace(ctx)
	if err != nil {
		return fmt.Errorf("failed to symbolicate backtrace: %w", err)
	}

	var degraded int
	var sb strings.Builder
	sb.WriteString(ips.GeneralInfo())
	sb.WriteString(ips.ExceptionInfo())
	sb.WriteString(ips.Registers())
	sb.WriteString(stackTraceTitle + "\n--------------------\n")
	for _, b := range blocks {
		if b.Status != symbolicate.StatusSymbolicated {
			degraded++
		}
		if highlight {
			sb.WriteString(colorBlock(b, theme))
		} else {
			sb.WriteString(b.String())
		}
	}
	if degraded > 0 {
		log.WithField("count", degraded).Debug("Frames rendered without disassembly")
	}

	if highlight {
		return writeColored(w, sb.String())
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

func colorBlock(b *symbolicate.Block, theme string) string {
	header := colors.Degraded(b.Header)
	if b.Status == symbolicate.StatusSymbolicated {
		header = fmt.Sprintf("%s %s %s",
			colors.Index(fmt.Sprintf("%-10d", b.Index)),
			colors.Image(fmt.Sprintf("%-25s", b.Image)),
			colors.Symbol(fmt.Sprintf("%-25s", b.Symbol)))
	}
	if len(b.Disassembly) == 0 {
		return strings.Replace(b.String(), b.Header, header, 1)
	}
	if len(theme) == 0 {
		theme = "nord"
	}
	var buf strings.Builder
	if err := quick.Highlight(&buf, b.Disassembly, "armasm", "terminal256", theme); err != nil {
		log.WithError(err).Debug("failed to highlight disassembly")
		return strings.Replace(b.String(), b.Header, header, 1)
	}
	colored := *b
	colored.Disassembly = buf.String()
	return strings.Replace(colored.String(), b.Header, header, 1)
}

func writeColored(w io.Writer, report string) error {
	for _, title := range []string{"GENERAL INFO", "EXCEPTION INFO", "REGISTERS", stackTraceTitle} {
		report = strings.Replace(report, title+"\n", colors.Section(title)+"\n", 1)
	}
	_, err := io.WriteString(w, report)
	return err
}
