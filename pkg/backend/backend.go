// Package backend defines the contract between the symbolication engine and
// the binary analysis tool that does the actual symbol table search and
// instruction decoding.
package backend

import (
	"context"
	"errors"

	"github.com/blacktop/assemblicate/pkg/symquery"
)

var (
	// ErrNoMatch is returned by QuerySymbolAddress when no symbol table entry satisfies the query
	ErrNoMatch = errors.New("no matching symbol")
	// ErrBackend marks failures talking to the analysis backend
	ErrBackend = errors.New("analysis backend failure")
)

// Session is an open analysis handle bound to one binary
type Session interface {
	// Analyze runs the backend's full automatic analysis pass
	Analyze(ctx context.Context) error
	// StaticBase returns the unslid load address of the binary (its lowest mapped section)
	StaticBase(ctx context.Context) (uint64, error)
	// QuerySymbolAddress resolves a symbol query to an address or ErrNoMatch
	QuerySymbolAddress(ctx context.Context, q symquery.Query) (uint64, error)
	// DisassembleBytes disassembles count bytes starting at addr
	DisassembleBytes(ctx context.Context, addr, count uint64) (string, error)
	// DisassembleFunction disassembles the function containing addr
	DisassembleFunction(ctx context.Context, addr uint64) (string, error)
	Close() error
}

// Opener opens analysis sessions
type Opener interface {
	Open(ctx context.Context, path string) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, path string) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, path string) (Session, error) {
	return f(ctx, path)
}
