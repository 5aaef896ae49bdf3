package workspacebot

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// RegistrySnapshotSchema validates persisted registry snapshots.
const RegistrySnapshotSchema = `{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"additionalProperties": {"type": "string", "minLength": 1}
			}
		}
	}
}`

type registrySnapshot struct {
	Files map[string]map[string]string `json:"files"`
}

type FileRegistryOptions struct {
	Backend StateBackend
	Logger  Logger
}

// FileRegistry records, per owner, which uploaded file names map to which
// remote document locations. It is the local source of truth for what the
// engine believes is embedded; entries are written only after the remote
// embed succeeds.
type FileRegistry struct {
	mu      sync.Mutex
	files   map[string]map[string]string
	backend StateBackend
	logger  Logger
}

func NewFileRegistry(opts FileRegistryOptions) (*FileRegistry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	registry := &FileRegistry{
		files:   map[string]map[string]string{},
		backend: opts.Backend,
		logger:  logger,
	}
	if opts.Backend != nil {
		var snapshot registrySnapshot
		loaded, err := opts.Backend.Load(&snapshot)
		if err != nil {
			return nil, fmt.Errorf("load registry snapshot: %w", err)
		}
		if loaded && snapshot.Files != nil {
			registry.files = snapshot.Files
		}
	}
	return registry, nil
}

func (r *FileRegistry) Close() {
	closeStateBackend(r.backend)
}

// Location returns the remote location registered for an owner's file name.
func (r *FileRegistry) Location(ownerKey, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	location, ok := r.files[strings.TrimSpace(ownerKey)][name]
	return location, ok
}

func (r *FileRegistry) Set(ownerKey, name, location string) error {
	ownerKey = strings.TrimSpace(ownerKey)
	if ownerKey == "" || strings.TrimSpace(name) == "" || strings.TrimSpace(location) == "" {
		return fmt.Errorf("%w: registry entry requires owner, name and location", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.files[ownerKey]
	if owner == nil {
		owner = map[string]string{}
		r.files[ownerKey] = owner
	}
	owner[name] = location
	r.saveLocked()
	return nil
}

func (r *FileRegistry) Delete(ownerKey, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.files[strings.TrimSpace(ownerKey)]
	if owner == nil {
		return
	}
	if _, ok := owner[name]; !ok {
		return
	}
	delete(owner, name)
	r.saveLocked()
}

// Files returns a copy of an owner's name-to-location map.
func (r *FileRegistry) Files(ownerKey string) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.files[strings.TrimSpace(ownerKey)]
	out := make(map[string]string, len(owner))
	for name, location := range owner {
		out[name] = location
	}
	return out
}

// Names returns an owner's registered file names, sorted.
func (r *FileRegistry) Names(ownerKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner := r.files[strings.TrimSpace(ownerKey)]
	names := make([]string, 0, len(owner))
	for name := range owner {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *FileRegistry) saveLocked() {
	if r.backend == nil {
		return
	}
	if err := r.backend.Save(&registrySnapshot{Files: r.files}); err != nil {
		r.logger.Printf("registry: persist snapshot: %v", err)
	}
}
