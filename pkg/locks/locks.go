// Package locks serializes pipelines that target the same resource, within
// one process and across processes sharing a lock directory.
package locks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// DefaultRetryDelay is how often a contended file lock is retried.
const DefaultRetryDelay = 200 * time.Millisecond

// Locker is a keyed mutex backed by one lock file per resource. With an
// empty directory it only serializes callers in this process.
type Locker struct {
	dir        string
	retryDelay time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ engine.ResourceLocker = (*Locker)(nil)

// New creates a Locker that keeps its lock files in dir.
func New(dir string, logger zerolog.Logger) (*Locker, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}
	return &Locker{
		dir:        dir,
		retryDelay: DefaultRetryDelay,
		logger:     logger.With().Str("component", "locks").Logger(),
		slots:      make(map[string]chan struct{}),
	}, nil
}

// Lock blocks until resource is held or ctx is done. The returned function
// releases the lock and may be called more than once.
func (l *Locker) Lock(ctx context.Context, resource string) (func(), error) {
	slot := l.slot(resource)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %s: %w", resource, ctx.Err())
	}

	var file *flock.Flock
	if l.dir != "" {
		file = flock.New(l.Path(resource))
		ok, err := file.TryLockContext(ctx, l.retryDelay)
		if err != nil || !ok {
			<-slot
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("lock %s: %w", resource, err)
		}
	}

	l.logger.Debug().Str("resource", resource).Msg("Resource locked")
	return l.releaser(resource, slot, file), nil
}

// TryLock takes resource without waiting. It reports false when another
// holder has it.
func (l *Locker) TryLock(resource string) (func(), bool, error) {
	slot := l.slot(resource)
	select {
	case slot <- struct{}{}:
	default:
		return nil, false, nil
	}

	var file *flock.Flock
	if l.dir != "" {
		file = flock.New(l.Path(resource))
		ok, err := file.TryLock()
		if err != nil || !ok {
			<-slot
			if err != nil {
				return nil, false, fmt.Errorf("lock %s: %w", resource, err)
			}
			return nil, false, nil
		}
	}
	return l.releaser(resource, slot, file), true, nil
}

func (l *Locker) releaser(resource string, slot chan struct{}, file *flock.Flock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if file != nil {
				if err := file.Unlock(); err != nil {
					l.logger.Warn().Err(err).Str("resource", resource).Msg("Failed to release lock file")
				}
			}
			<-slot
			l.logger.Debug().Str("resource", resource).Msg("Resource released")
		})
	}
}

func (l *Locker) slot(resource string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[resource]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[resource] = s
	}
	return s
}

// Path returns the lock file used for resource.
func (l *Locker) Path(resource string) string {
	return filepath.Join(l.dir, fileName(resource)+".lock")
}

func fileName(resource string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, resource)
	if name == "" || strings.Trim(name, ".") == "" {
		name = "_"
	}
	return name
}
