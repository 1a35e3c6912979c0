// Package runlock serializes pipeline runs that share a ledger. Two runs
// loading the idempotency set at the same time could both upload the same
// key, so uploads happen only while a lock is held.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrLocked       = errors.New("run lock is held by another process")
	ErrInvalidInput = errors.New("invalid input")
	ErrLockLost     = errors.New("run lock lost while held")
)

// Release gives up a held lock. It is safe to call more than once.
type Release func() error

type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Noop never blocks; runs rely on outside scheduling for exclusion.
type Noop struct{}

func (Noop) Acquire(ctx context.Context) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() error { return nil }, nil
}

// BuildFromDSN selects a locker:
//
//	""  or none            no locking
//	file:///path/run.lock  exclusive lock file
//	redis://host:6379/0?key=attachsync:run&ttl=10m
func BuildFromDSN(dsn string) (Locker, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.EqualFold(dsn, "none") {
		return Noop{}, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file":
		path := dsn
		if parsed.Scheme != "" {
			path = parsed.Opaque
			if path == "" {
				path = parsed.Host + parsed.Path
			}
		}
		return NewFileLocker(path)
	case "redis", "rediss":
		return NewRedisLockerFromURL(parsed)
	default:
		return nil, fmt.Errorf("unsupported lock scheme: %s", parsed.Scheme)
	}
}
