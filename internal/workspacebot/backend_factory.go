package workspacebot

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildStateBackendFromDSN resolves a state backend from a DSN. The name
// identifies the snapshot: with a file DSN the path names a directory and the
// snapshot lives at <dir>/<name>.json, with a postgres DSN it becomes the
// state key so several snapshots can share one table.
//
// Supported schemes: empty or file (JSON file), memory/mem/inmem, and
// postgres/postgresql.
func BuildStateBackendFromDSN(dsn, name, schemaJSON string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: state backend requires a snapshot name", ErrInvalidInput)
	}
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(filepath.Join(dir, name+".json"), name, schemaJSON)
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(PostgresStateBackendOptions{
			DSN:      dsn,
			StateKey: name,
			Schema:   schemaJSON,
		})
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

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
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
