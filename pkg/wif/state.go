package wif

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// StateStore persists binding references and ownership so the CLI can
// validate and tear down what it created. The Provisioner itself never
// touches it; provisioning writes no local state.
type StateStore interface {
	// Save stores a binding reference.
	Save(ctx context.Context, ref BindingRef) error

	// Get retrieves a binding reference by ID.
	Get(ctx context.Context, id string) (*BindingRef, error)

	// List returns stored binding references matching the filter.
	List(ctx context.Context, filter ListFilter) ([]BindingRef, error)

	// Delete removes a binding reference. Deleting a missing ref is not an
	// error.
	Delete(ctx context.Context, id string) error

	// UpdateOwnership updates the ownership flag of a binding.
	UpdateOwnership(ctx context.Context, id string, owned bool) error
}

// StateVersion is the current schema version for state storage.
const StateVersion = 1

// stateData is the serializable state format.
type stateData struct {
	Version   int                   `json:"version"`
	Bindings  map[string]BindingRef `json:"bindings"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func newStateData() stateData {
	return stateData{
		Version:   StateVersion,
		Bindings:  make(map[string]BindingRef),
		UpdatedAt: time.Now(),
	}
}

func filterRefs(bindings map[string]BindingRef, filter ListFilter) []BindingRef {
	var refs []BindingRef
	for _, ref := range bindings {
		if filter.ProjectID != "" && ref.ResourceIDs["project_id"] != filter.ProjectID {
			continue
		}
		refs = append(refs, ref)
	}

	// Stable order so pagination is consistent across calls.
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].CreatedAt.Before(refs[j].CreatedAt)
		}
		return refs[i].ID < refs[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(refs) {
			return nil
		}
		refs = refs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(refs) {
		refs = refs[:filter.Limit]
	}
	return refs
}

// MemoryStateStore is an in-memory StateStore for testing.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state stateData
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: newStateData()}
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(ctx context.Context, ref BindingRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Bindings[ref.ID] = ref
	s.state.UpdatedAt = time.Now()
	return nil
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(ctx context.Context, id string) (*BindingRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, exists := s.state.Bindings[id]
	if !exists {
		return nil, ErrNotFound("binding", id)
	}
	return &ref, nil
}

// List implements StateStore.
func (s *MemoryStateStore) List(ctx context.Context, filter ListFilter) ([]BindingRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterRefs(s.state.Bindings, filter), nil
}

// Delete implements StateStore.
func (s *MemoryStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.state.Bindings, id)
	s.state.UpdatedAt = time.Now()
	return nil
}

// UpdateOwnership implements StateStore.
func (s *MemoryStateStore) UpdateOwnership(ctx context.Context, id string, owned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.state.Bindings[id]
	if !exists {
		return ErrNotFound("binding", id)
	}
	ref.Owned = owned
	s.state.Bindings[id] = ref
	return nil
}

// FileStateStore is a file-based StateStore.
type FileStateStore struct {
	mu       sync.RWMutex
	filePath string
	state    stateData
}

// NewFileStateStore creates a file-based state store, loading existing state
// if the file exists.
func NewFileStateStore(filePath string) (*FileStateStore, error) {
	s := &FileStateStore{
		filePath: filePath,
		state:    newStateData(),
	}

	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return s, nil
}

func (s *FileStateStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var state stateData
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("invalid state file format: %w", err)
	}

	// Only version 1 exists; future versions migrate here.
	state.Version = StateVersion
	if state.Bindings == nil {
		state.Bindings = make(map[string]BindingRef)
	}

	s.state = state
	return nil
}

// save writes state to file atomically via a temp file rename.
func (s *FileStateStore) save() error {
	s.state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Save implements StateStore.
func (s *FileStateStore) Save(ctx context.Context, ref BindingRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Bindings[ref.ID] = ref
	return s.save()
}

// Get implements StateStore.
func (s *FileStateStore) Get(ctx context.Context, id string) (*BindingRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, exists := s.state.Bindings[id]
	if !exists {
		return nil, ErrNotFound("binding", id)
	}
	return &ref, nil
}

// List implements StateStore.
func (s *FileStateStore) List(ctx context.Context, filter ListFilter) ([]BindingRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return filterRefs(s.state.Bindings, filter), nil
}

// Delete implements StateStore.
func (s *FileStateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.Bindings[id]; !exists {
		return nil // Idempotent
	}
	delete(s.state.Bindings, id)
	return s.save()
}

// UpdateOwnership implements StateStore.
func (s *FileStateStore) UpdateOwnership(ctx context.Context, id string, owned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.state.Bindings[id]
	if !exists {
		return ErrNotFound("binding", id)
	}
	ref.Owned = owned
	s.state.Bindings[id] = ref
	return s.save()
}

// DefaultStateStorePath returns the default path for the state store file.
func DefaultStateStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".wifctl", "state.json")
}
