package index

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Status of a datasource in the registry.
type Status string

const (
	StatusBuilding Status = "building"
	StatusReady    Status = "ready"
	StatusNotFound Status = "not_found"
)

// Registry is the single source of truth for which datasources exist and
// whether they are queryable. A name appears here as building from the
// moment its build is admitted and flips to ready only after the snapshot
// is fully on disk. All mutation goes through the registry mutex, which
// serializes register/ready/remove per name; reads of ready snapshots need
// no lock because snapshots are immutable once marked ready.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Status
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Status)}
}

// LoadRegistry rebuilds the registry from the datasource root. A directory
// holding a snapshot file is a ready datasource. A directory without one is
// a partial build that escaped rollback; it is removed so the partial state
// is never observable.
func LoadRegistry(root string) (*Registry, error) {
	r := NewRegistry()

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read datasource root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, err := os.Stat(filepath.Join(root, name, SnapshotFile)); err != nil {
			log.Printf("Removing partial datasource %q left by an interrupted build", name)
			if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
				return nil, fmt.Errorf("failed to clean up partial datasource %s: %w", name, err)
			}
			continue
		}
		r.entries[name] = StatusReady
	}
	return r, nil
}

// Register admits a new datasource in the building state. It fails with
// ErrBuildInProgress if a build for the name is in flight and
// ErrDuplicateDatasource if the name is already ready.
func (r *Registry) Register(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.entries[name] {
	case StatusBuilding:
		return fmt.Errorf("%w: %s", ErrBuildInProgress, name)
	case StatusReady:
		return fmt.Errorf("%w: %s", ErrDuplicateDatasource, name)
	}
	r.entries[name] = StatusBuilding
	return nil
}

// MarkReady flips a building entry to ready.
func (r *Registry) MarkReady(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[name] != StatusBuilding {
		return fmt.Errorf("%w: %s is not building", ErrDatasourceNotFound, name)
	}
	r.entries[name] = StatusReady
	return nil
}

// Remove deletes an entry in any state. Used by build rollback and by
// datasource deletion.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Registry) Status(name string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.entries[name]; ok {
		return status
	}
	return StatusNotFound
}

// List returns the names of ready datasources in sorted order. Building
// datasources are not listed; they become visible only once queryable.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name, status := range r.entries {
		if status == StatusReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
