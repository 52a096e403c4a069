package loader

import (
	"fmt"
	"sync"

	"github.com/zboralski/galago-ld/internal/dlstub"
)

// dlAPI backs a dl-API stub rooted at one Loader: dlopen creates or
// reuses a dependency within that Loader's arena and hands back a
// handle, dlsym resolves within the handle's Loader, dlclose forgets
// the handle.
type dlAPI struct {
	mu      sync.Mutex
	root    *Loader
	handles map[uintptr]*Loader
	nextID  uintptr
}

func newDlAPI(root *Loader) *dlAPI {
	return &dlAPI{root: root, handles: make(map[uintptr]*Loader)}
}

func (d *dlAPI) onDlopen(path string, _ int32) (uintptr, error) {
	ref, _, err := d.root.graph.getOrCreate(path,
		WithLogger(d.root.log),
		WithExtraSearchPaths(d.root.extraSearchPaths...),
	)
	if err != nil {
		return 0, fmt.Errorf("dlopen %q: %w", path, err)
	}
	if err := ref.initialize(); err != nil {
		return 0, fmt.Errorf("dlopen %q: %w", path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handles[id] = ref.loader
	return id, nil
}

func (d *dlAPI) onDlsym(handle uintptr, name string) (uintptr, bool) {
	l := d.root
	if handle != 0 {
		d.mu.Lock()
		h, ok := d.handles[handle]
		d.mu.Unlock()
		if !ok {
			return 0, false
		}
		l = h
	}
	addr, _, ok := l.GetSymbol(name)
	if !ok {
		return 0, false
	}
	return uintptr(addr), true
}

func (d *dlAPI) onDlclose(handle uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handles[handle]; !ok {
		return fmt.Errorf("dlclose: unknown handle %#x", handle)
	}
	delete(d.handles, handle)
	return nil
}

// InstallDlAPI activates a dl-API stub rooted at l and overrides
// l's dlopen/dlsym/dlclose/dlerror symbol entries to point at it, so
// a guest's own calls to those names route into this dependency
// graph instead of failing unresolved. Only one stub is active
// process-wide at a time, matching there being one dynamic linker
// per process.
func (l *Loader) InstallDlAPI() {
	api := newDlAPI(l)
	stub := dlstub.New(api.onDlopen, api.onDlsym, api.onDlclose)
	dlstub.Activate(stub)

	dlopenAddr := uint64(dlstub.DlopenAddr())
	dlsymAddr := uint64(dlstub.DlsymAddr())
	dlcloseAddr := uint64(dlstub.DlcloseAddr())
	dlerrorAddr := uint64(dlstub.DlerrorAddr())

	l.OverrideSymbol("dlopen", &dlopenAddr)
	l.OverrideSymbol("dlsym", &dlsymAddr)
	l.OverrideSymbol("dlclose", &dlcloseAddr)
	l.OverrideSymbol("dlerror", &dlerrorAddr)

	l.log.ThunkInstalled("dlopen", dlopenAddr)
	l.log.ThunkInstalled("dlsym", dlsymAddr)
	l.log.ThunkInstalled("dlclose", dlcloseAddr)
	l.log.ThunkInstalled("dlerror", dlerrorAddr)
}
