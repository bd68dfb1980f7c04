package symbolicate

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/assemblicate/pkg/backend"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

type entry struct {
	sess backend.Session
	err  error
}

// Cache owns one analyzed backend session per binary basename
type Cache struct {
	// Fs is only used to report binary sizes
	Fs afero.Fs
	// Progress is called before a binary's full analysis; the returned func when it ends
	Progress func(path string) func()

	opener   backend.Opener
	sessions *lru.Cache[string, *entry]
}

// NewCache returns a Cache opening sessions with opener. maxSessions <= 0
// means sessions live until Close.
func NewCache(opener backend.Opener, maxSessions int) (*Cache, error) {
	if maxSessions <= 0 {
		maxSessions = math.MaxInt32
	}
	sessions, err := lru.NewWithEvict(maxSessions, func(name string, e *entry) {
		if e.sess == nil {
			return
		}
		if err := e.sess.Close(); err != nil {
			log.WithError(err).WithField("binary", name).Warn("failed to close analysis session")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &Cache{
		Fs:       afero.NewOsFs(),
		opener:   opener,
		sessions: sessions,
	}, nil
}

// Key is the cache key of path: its basename, so binaries sharing a file name share a session
func Key(path string) string {
	return filepath.Base(path)
}

// Get returns the session for path, opening it and running the full analysis
// pass on first use. A binary that failed to open or analyze keeps failing
// with the same error without being retried.
func (c *Cache) Get(ctx context.Context, path string) (backend.Session, error) {
	key := Key(path)
	if e, ok := c.sessions.Get(key); ok {
		return e.sess, e.err
	}

	e := c.open(ctx, path)
	c.sessions.Add(key, e)
	return e.sess, e.err
}

func (c *Cache) open(ctx context.Context, path string) *entry {
	l := log.WithField("binary", Key(path))
	if c.Fs != nil {
		if fi, err := c.Fs.Stat(path); err == nil {
			l = l.WithField("size", humanize.Bytes(uint64(fi.Size())))
		}
	}
	l.Debug("Opening analysis session")

	sess, err := c.opener.Open(ctx, path)
	if err != nil {
		return &entry{err: fmt.Errorf("failed to open %s: %w", path, err)}
	}

	if c.Progress != nil {
		done := c.Progress(path)
		defer done()
	}
	if err := sess.Analyze(ctx); err != nil {
		if cerr := sess.Close(); cerr != nil {
			l.WithError(cerr).Debug("failed to close session after analysis failure")
		}
		return &entry{err: fmt.Errorf("failed to analyze %s: %w", path, err)}
	}
	l.Debug("Analysis complete")

	return &entry{sess: sess}
}

// Len returns the number of cached binaries (including failed ones)
func (c *Cache) Len() int {
	return c.sessions.Len()
}

// Close closes every live session
func (c *Cache) Close() {
	c.sessions.Purge()
}
