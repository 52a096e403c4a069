package loader

import "sync"

// AttachedImage describes one live Loader for Registry.Attached.
type AttachedImage struct {
	Name string
	Path string
	Base uint64
}

// registry tracks every Loader constructed by New, process-wide, so a
// host embedding this package can enumerate what is currently mapped
// without threading its own bookkeeping through every call site.
type registry struct {
	mu    sync.Mutex
	byPtr map[*Loader]AttachedImage
}

// Registry is the process-wide set of currently attached images.
var Registry = &registry{byPtr: make(map[*Loader]AttachedImage)}

func (r *registry) attach(l *Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPtr[l] = AttachedImage{Name: l.name, Path: l.path, Base: uint64(l.img.Base())}
}

func (r *registry) detach(l *Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPtr, l)
}

// Attached returns a snapshot of every currently mapped image.
func (r *registry) Attached() []AttachedImage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AttachedImage, 0, len(r.byPtr))
	for _, info := range r.byPtr {
		out = append(out, info)
	}
	return out
}

// OnLoad, when non-nil, is called once a new image's segments are
// mapped (base is its process load address). It is a package-level
// hook rather than a constructor option because tooling (tracing,
// symbolication) typically wants to observe every Loader in a
// process, not just ones it constructed directly.
var OnLoad func(base uint64, name string)
