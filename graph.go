package loader

import "sync"

// refLoader is a reference-counted, mutex-guarded handle to one
// Loader, shared across every parent that depends on it. The mutex is
// held only for the duration of a recursive Initialize call on the
// wrapped Loader, so a diamond-shared leaf is locked and released once
// per parent rather than held for the whole tree's initialization.
type refLoader struct {
	mu       sync.Mutex
	loader   *Loader
	refcount int
}

func (r *refLoader) initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loader.Initialize()
}

// arena is the flat, path-keyed store backing a dependency graph. All
// Loaders in one tree (a root plus every transitive dependency it
// creates via LoadDependencies) share one arena, so two edges naming
// the same absolute path resolve to the same *refLoader instance —
// the mechanism diamond dependencies rely on.
type arena struct {
	mu     sync.Mutex
	byPath map[string]*refLoader
}

func newArena() *arena {
	return &arena{byPath: make(map[string]*refLoader)}
}

// getOrCreate returns the existing entry for path if one has already
// been loaded into this arena, otherwise constructs a new Loader for
// it via opts and registers it. The returned bool reports whether an
// existing entry was reused.
func (a *arena) getOrCreate(path string, opts ...Option) (*refLoader, bool, error) {
	a.mu.Lock()
	if existing, ok := a.byPath[path]; ok {
		existing.refcount++
		a.mu.Unlock()
		return existing, true, nil
	}
	a.mu.Unlock()

	opts = append(opts, withGraph(a))
	l, err := New(path, opts...)
	if err != nil {
		return nil, false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.byPath[path]; ok {
		// Lost a race with a concurrent loader on the same path; keep
		// the winner and drop the one just built.
		existing.refcount++
		_ = l.Close()
		return existing, true, nil
	}
	ref := &refLoader{loader: l, refcount: 1}
	a.byPath[path] = ref
	return ref, false, nil
}

// register records an already-constructed Loader under path: used by
// New for the root instance of every arena, and by addDependencyLocked
// to share an already-built Loader as a dependency edge. Like
// getOrCreate, an existing entry is reference-counted rather than
// returned bare, so two parents sharing one dependency both hold a
// real reference to it.
func (a *arena) register(path string, l *Loader) *refLoader {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.byPath[path]; ok {
		existing.refcount++
		return existing
	}
	ref := &refLoader{loader: l, refcount: 1}
	a.byPath[path] = ref
	return ref
}

// release drops one reference to ref. Once the last parent releases a
// shared dependency its entry is dropped from the arena and its Loader
// is closed (recursively releasing its own dependencies in turn); a
// diamond-shared leaf is therefore unmapped exactly once, when its
// last referencing parent goes away.
func (a *arena) release(ref *refLoader) error {
	a.mu.Lock()
	ref.refcount--
	last := ref.refcount <= 0
	if last {
		delete(a.byPath, ref.loader.path)
	}
	a.mu.Unlock()
	if !last {
		return nil
	}
	return ref.loader.Close()
}
