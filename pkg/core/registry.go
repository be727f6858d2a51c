package core

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kaidb/kaidb/vdberrors"
)

var validName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,127}$`)

// MaxOpenCollections bounds how many collections one registry will hold
// open at once; Create returns a KindOverloaded error once it is reached.
const MaxOpenCollections = 4096

// entry is one registry slot. A tombstoned entry with zero refs is ready
// for its resources to be released; lookups against a tombstoned entry
// report NotFound immediately, before refs drain.
type entry struct {
	collection *Collection
	createdAt  int64 // logical sequence, not wall clock, so list() orders deterministically
	tombstoned bool
	refs       int
	drained    chan struct{}
}

// Registry is the top-level handle-by-name directory every collection
// operation is dispatched through. The registry mutex is held only long
// enough to reserve or release a name; storage and WAL construction, which
// can block on I/O, always happen outside it.
type Registry struct {
	dataDir string
	logger  Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     int64
}

// NewRegistry opens a registry rooted at dataDir, one subdirectory per
// collection name, and loads any collections already present on disk.
func NewRegistry(dataDir string, logger Logger) (*Registry, error) {
	if logger == nil {
		logger = NopLogger()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, vdberrors.Wrap("registry.open", vdberrors.KindIoError, err)
	}
	r := &Registry{dataDir: dataDir, logger: logger, entries: make(map[string]*entry)}

	dirEntries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, vdberrors.Wrap("registry.open", vdberrors.KindIoError, err)
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if _, err := os.Stat(metaPath(filepath.Join(dataDir, name))); err != nil {
			continue
		}
		col, err := OpenCollection(filepath.Join(dataDir, name), logger.With("collection", name))
		if err != nil {
			logger.Error("registry: failed to reopen collection", "name", name, "error", err)
			continue
		}
		r.seq++
		r.entries[name] = &entry{collection: col, createdAt: r.seq, drained: make(chan struct{})}
	}
	return r, nil
}

func (r *Registry) collectionDir(name string) string {
	return filepath.Join(r.dataDir, name)
}

// Create reserves name and builds a fresh collection on disk. The
// reservation itself happens under the registry mutex; the actual
// CreateCollection call (directory creation, WAL open) runs unlocked.
func (r *Registry) Create(name string, cfg CreateConfig) (*Collection, error) {
	if !validName.MatchString(name) {
		return nil, vdberrors.New("registry.create", vdberrors.KindInvalidName, "name must match [A-Za-z][A-Za-z0-9_-]{0,127}")
	}

	r.mu.Lock()
	if len(r.entries) >= MaxOpenCollections {
		r.mu.Unlock()
		return nil, vdberrors.New("registry.create", vdberrors.KindOverloaded, "max open collections reached")
	}
	if e, ok := r.entries[name]; ok && !e.tombstoned {
		r.mu.Unlock()
		return nil, vdberrors.New("registry.create", vdberrors.KindCollectionAlreadyExists, name)
	}
	r.seq++
	placeholder := &entry{createdAt: r.seq, drained: make(chan struct{})}
	r.entries[name] = placeholder
	r.mu.Unlock()

	col, err := CreateCollection(r.collectionDir(name), name, cfg, r.logger.With("collection", name))
	if err != nil {
		r.mu.Lock()
		delete(r.entries, name)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	placeholder.collection = col
	r.mu.Unlock()
	return col, nil
}

// Open returns a reference-counted handle to name, or NotFound. Callers
// must call Release when done with the handle.
func (r *Registry) Open(name string) (*Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || e.tombstoned || e.collection == nil {
		return nil, vdberrors.New("registry.open", vdberrors.KindCollectionNotFound, name)
	}
	e.refs++
	return e.collection, nil
}

// Release drops one reference acquired by Open. If name is tombstoned and
// this was the last reference, it signals the waiter in Delete.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.refs--
	if e.tombstoned && e.refs <= 0 {
		select {
		case <-e.drained:
		default:
			close(e.drained)
		}
	}
}

// Delete tombstones name so new lookups see NotFound immediately, waits
// for outstanding references to drain, then removes the collection's
// on-disk directory.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.tombstoned {
		r.mu.Unlock()
		return vdberrors.New("registry.delete", vdberrors.KindCollectionNotFound, name)
	}
	e.tombstoned = true
	noRefs := e.refs <= 0
	r.mu.Unlock()

	if noRefs {
		select {
		case <-e.drained:
		default:
			close(e.drained)
		}
	}
	<-e.drained

	if e.collection != nil {
		if err := e.collection.Close(); err != nil {
			r.logger.Warn("registry: error closing collection before delete", "name", name, "error", err)
		}
	}
	if err := removeIntoGraveyard(r.dataDir, name); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	return nil
}

// removeIntoGraveyard renames the collection directory aside then deletes
// it, so a crash mid-delete leaves an orphaned graveyard directory rather
// than a half-removed live one.
func removeIntoGraveyard(dataDir, name string) error {
	src := filepath.Join(dataDir, name)
	graveyard := filepath.Join(dataDir, ".graveyard")
	if err := os.MkdirAll(graveyard, 0o755); err != nil {
		return vdberrors.Wrap("registry.delete", vdberrors.KindIoError, err)
	}
	// uuid-suffixed so a delete racing a still-draining prior delete of the
	// same name never collides in the graveyard.
	dst := filepath.Join(graveyard, name+"-"+uuid.NewString())
	if err := os.Rename(src, dst); err != nil {
		return vdberrors.Wrap("registry.delete", vdberrors.KindIoError, err)
	}
	return os.RemoveAll(dst)
}

// CollectionSummary is one row of List's output.
type CollectionSummary struct {
	Name      string
	CreatedAt int64
}

// List returns every live collection name ordered by creation time.
func (r *Registry) List() []CollectionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CollectionSummary, 0, len(r.entries))
	for name, e := range r.entries {
		if e.tombstoned {
			continue
		}
		out = append(out, CollectionSummary{Name: name, CreatedAt: e.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Close releases every open collection's resources, used on host shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, e := range r.entries {
		if e.collection == nil {
			continue
		}
		if err := e.collection.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
