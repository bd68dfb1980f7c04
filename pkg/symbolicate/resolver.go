// Package symbolicate maps crash report frames onto on-disk binaries and
// annotates them with disassembly from an analysis backend.
package symbolicate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blacktop/assemblicate/pkg/crashlog"
	"github.com/spf13/afero"
)

var (
	// ErrFiltered is returned for images that are never disassembled
	ErrFiltered = errors.New("image is filtered")
	// ErrNotFound is returned when the resolved binary does not exist on disk
	ErrNotFound = errors.New("binary not found")
)

const (
	DefaultAppsDir       = "apps"
	DefaultSharedLibsDir = "dylibs"
)

// DefaultFiltered are large system images not worth disassembling
var DefaultFiltered = []string{
	"UIKitCore",
	"libdispatch.dylib",
	"CoreFoundation",
	"CFNetwork",
}

// Resolver decides where an image's bytes live on disk
type Resolver struct {
	Fs            afero.Fs
	AppsDir       string
	SharedLibsDir string

	filtered map[string]struct{}
}

// NewResolver returns a Resolver on the OS filesystem with the default layout and filter set
func NewResolver() *Resolver {
	r := &Resolver{
		Fs:            afero.NewOsFs(),
		AppsDir:       DefaultAppsDir,
		SharedLibsDir: DefaultSharedLibsDir,
	}
	r.SetFiltered(DefaultFiltered)
	return r
}

// SetFiltered replaces the set of image names that are never disassembled
func (r *Resolver) SetFiltered(names []string) {
	r.filtered = make(map[string]struct{}, len(names))
	for _, name := range names {
		r.filtered[name] = struct{}{}
	}
}

// IsFiltered reports whether name is in the filtered set
func (r *Resolver) IsFiltered(name string) bool {
	_, ok := r.filtered[name]
	return ok
}

// Path computes the candidate path of image without touching the filesystem
func (r *Resolver) Path(image *crashlog.UsedImage, procName string, firstParty bool) string {
	switch {
	case image.Name == procName:
		if firstParty {
			return filepath.Join(r.AppsDir, procName)
		}
		return filepath.Join(r.AppsDir, procName+".app", procName)
	case len(procName) > 0 && strings.Contains(image.Path, procName):
		return filepath.Join(r.AppsDir, procName+".app", "Frameworks", image.Name+".framework", image.Name)
	default:
		return filepath.Join(r.SharedLibsDir, image.Name)
	}
}

// Resolve returns the on-disk path of image; filtered images and missing files
// yield the path together with ErrFiltered or ErrNotFound
func (r *Resolver) Resolve(image *crashlog.UsedImage, procName string, firstParty bool) (string, error) {
	path := r.Path(image, procName, firstParty)
	if r.IsFiltered(image.Name) {
		return path, fmt.Errorf("%s: %w", image.Name, ErrFiltered)
	}
	fs := r.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if ok, err := afero.Exists(fs, path); err != nil {
		return path, fmt.Errorf("failed to stat %s: %w", path, err)
	} else if !ok {
		return path, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return path, nil
}
