package ledger

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildFromDSN opens the ledger named by dsn. A bare path or a file:// URL
// selects the CSV ledger; memory:// keeps records for the life of the
// process; postgres:// stores them in a table.
func BuildFromDSN(dsn string) (Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewCSVLedger(path)
	case "memory", "mem", "inmem":
		return NewInMemoryLedger(), nil
	case "postgres", "postgresql":
		return NewPostgresLedger(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: ledger %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger scheme: %s", scheme)
	}
}

// dsnPath accepts file:///abs/path, file:relative/path and
// file://relative/path (host and path joined).
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		path = strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
