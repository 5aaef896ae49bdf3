package workspacebot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StateBackend persists one named snapshot. Load reports false when no
// snapshot has been saved yet.
type StateBackend interface {
	Load(dst any) (bool, error)
	Save(src any) error
}

type stateBackendCloser interface {
	Close() error
}

func closeStateBackend(backend StateBackend) {
	if closer, ok := backend.(stateBackendCloser); ok && closer != nil {
		_ = closer.Close()
	}
}

func compileSnapshotSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("register %s schema: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}

func validateSnapshot(schema *jsonschema.Schema, data []byte) error {
	if schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

// JSONFileStateBackend stores a snapshot as a single JSON file, replaced
// atomically on save. A schema, when configured, rejects corrupt snapshots at
// load time instead of letting them poison in-memory state.
type JSONFileStateBackend struct {
	Path   string
	schema *jsonschema.Schema
}

func NewJSONFileStateBackend(path, name, schemaJSON string) (*JSONFileStateBackend, error) {
	schema, err := compileSnapshotSchema(name, schemaJSON)
	if err != nil {
		return nil, err
	}
	return &JSONFileStateBackend{Path: strings.TrimSpace(path), schema: schema}, nil
}

func (b *JSONFileStateBackend) Load(dst any) (bool, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return false, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := validateSnapshot(b.schema, data); err != nil {
		return false, fmt.Errorf("%w: snapshot %s: %v", ErrInvalidState, b.Path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (b *JSONFileStateBackend) Save(src any) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryStateBackend keeps the snapshot in process memory. Useful for tests
// and throwaway deployments.
type InMemoryStateBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load(dst any) (bool, error) {
	if b == nil {
		return false, nil
	}
	b.mu.Lock()
	data := b.data
	b.mu.Unlock()
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (b *InMemoryStateBackend) Save(src any) error {
	if b == nil || src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.data = data
	b.mu.Unlock()
	return nil
}
