package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/zboralski/galago-ld/internal/elfreader"
	"github.com/zboralski/galago-ld/internal/gzlog"
	"github.com/zboralski/galago-ld/internal/image"
	"github.com/zboralski/galago-ld/internal/pathresolve"
	"github.com/zboralski/galago-ld/internal/reloc"
	"github.com/zboralski/galago-ld/internal/symtab"
)

// depEdge is one dependency-graph edge. ref == nil means the
// dependency was registered with no loader ("exists but
// unresolvable"); references to its symbols must be satisfied by an
// override instead.
type depEdge struct {
	ref *refLoader
}

// Loader represents one loaded ELF shared object: its memory image,
// symbol table, dependency edges and overrides. See AddDependency,
// LoadDependencies, OverrideSymbol and Initialize.
type Loader struct {
	mu sync.Mutex

	path string
	name string

	machine     elf.Machine
	img         *image.Image
	syms        *symtab.Table
	dynEntries  []elfreader.RelocEntry
	pltEntries  []elfreader.RelocEntry
	gotPltVA    uint64
	gotPltSlots int

	dtNeeded  []string
	dtRunpath []string

	deps     map[string]*depEdge
	depOrder []string

	overrides map[string]*uint64

	loadedDependencies bool
	initialized        bool
	resolvingGlobal    bool

	// pltData holds *plt.Data once installPLT runs under a
	// galago_lazyplt build; kept as an empty interface here so this
	// file does not import the build-tag-gated internal/plt package.
	pltData any

	graph            *arena
	extraSearchPaths []string
	log              *gzlog.Logger
	debugRelocations bool
}

// New opens path, verifies it is an ET_DYN shared object for a
// supported architecture, maps its PT_LOAD segments and builds its
// symbol table. Dependencies are not resolved and relocations are not
// applied until LoadDependencies/Initialize.
func New(path string, opts ...Option) (*Loader, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", abs, ErrFileNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %v", abs, ErrOpenFailed, err)
	}

	f, err := elfreader.Open(abs)
	if err != nil {
		switch {
		case errors.Is(err, elfreader.ErrNotDynamicObject), errors.Is(err, elfreader.ErrUnsupportedMachine):
			return nil, fmt.Errorf("%w: %v", ErrNotDynamicObject, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
		}
	}
	defer f.Close()

	if !hasDynamicSegment(f) {
		return nil, fmt.Errorf("%s: %w", abs, ErrNoDynamicSection)
	}

	segs := f.LoadSegments()
	img, err := image.Map(segs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemoryMapFailed, err)
	}

	syms, err := buildSymtab(f)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("%w: %v", ErrMemoryMapFailed, err)
	}

	dynEntries, pltEntries, err := decodeRelocations(f)
	if err != nil {
		img.Close()
		return nil, fmt.Errorf("%w: %v", ErrMemoryMapFailed, err)
	}

	dtNeeded, _ := f.DynamicTags(elf.DT_NEEDED)
	dtRunpath, _ := f.DynamicTags(elf.DT_RUNPATH)

	numSlots := 0
	if gotPltVA := f.GOTPLTAddress(); gotPltVA != 0 {
		if sec := f.Section(".got.plt"); sec != nil {
			numSlots = int(sec.Size / 8)
		}
	}

	log := cfg.logger
	if log == nil {
		log = gzlog.NewNop()
	}
	isRoot := cfg.graph == nil
	graph := cfg.graph
	if graph == nil {
		graph = newArena()
	}

	l := &Loader{
		path:             abs,
		name:             filepath.Base(abs),
		machine:          f.Machine,
		img:              img,
		syms:             syms,
		dynEntries:       dynEntries,
		pltEntries:       pltEntries,
		gotPltVA:         f.GOTPLTAddress(),
		gotPltSlots:      numSlots,
		dtNeeded:         dtNeeded,
		dtRunpath:        dtRunpath,
		deps:             make(map[string]*depEdge),
		overrides:        make(map[string]*uint64),
		graph:            graph,
		extraSearchPaths: cfg.extraSearchPaths,
		log:              log,
		debugRelocations: cfg.debugRelocations,
	}
	if isRoot {
		// A loader built via arena.getOrCreate registers itself there;
		// only the root of a brand-new arena (no parent to do that for
		// it) needs to register itself.
		graph.register(abs, l)
	}

	Registry.attach(l)
	if OnLoad != nil {
		OnLoad(uint64(img.Base()), l.name)
	}

	return l, nil
}

// hasDynamicSegment reports whether f carries a PT_DYNAMIC program
// header. A stripped shared object can lack a .dynamic section table
// entry while still being loadable, so the program header (not the
// section table) is the authoritative check.
func hasDynamicSegment(f *elfreader.File) bool {
	for _, p := range f.Progs {
		if p.Type == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

func buildSymtab(f *elfreader.File) (*symtab.Table, error) {
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, err
	}
	return symtab.New(syms, f.GNUHashSection(), f.SysVHashSection()), nil
}

func decodeRelocations(f *elfreader.File) (dyn, plt []elfreader.RelocEntry, err error) {
	relaDyn, relaPlt, err := f.RelaSections()
	if err != nil {
		return nil, nil, err
	}
	relDyn, relPlt, err := f.RelSections()
	if err != nil {
		return nil, nil, err
	}
	dyn = append(append([]elfreader.RelocEntry{}, relaDyn...), relDyn...)
	plt = append(append([]elfreader.RelocEntry{}, relaPlt...), relPlt...)
	return dyn, plt, nil
}

// Name returns the loader's display name (the file's basename).
func (l *Loader) Name() string { return l.name }

// Path returns the absolute path the loader was constructed from.
func (l *Loader) Path() string { return l.path }

// AddDependency registers soname as a dependency of l, resolved by
// path to an already-constructed Loader. Pass nil for dep to record
// the dependency as deliberately unresolvable (its symbols must be
// satisfied through overrides).
func (l *Loader) AddDependency(soname string, dep *Loader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addDependencyLocked(soname, dep)
}

// AddSharedDependency registers soname as a dependency using an
// already reference-counted handle from another parent, so the same
// underlying Loader is shared rather than duplicated.
func (l *Loader) AddSharedDependency(soname string, dep *Loader) {
	l.AddDependency(soname, dep)
}

func (l *Loader) addDependencyLocked(soname string, dep *Loader) {
	if _, exists := l.deps[soname]; !exists {
		l.depOrder = append(l.depOrder, soname)
	}
	if dep == nil {
		l.deps[soname] = &depEdge{}
		return
	}
	ref := l.graph.register(dep.path, dep)
	l.deps[soname] = &depEdge{ref: ref}
}

// LoadDependencies is idempotent. It parses the object's DT_NEEDED
// and DT_RUNPATH entries; for each DT_NEEDED not already registered
// (by AddDependency or a prior call), it path-resolves the SONAME and
// recursively constructs (or reuses, for a diamond) a Loader for it.
// A DT_NEEDED that cannot be resolved is recorded as an unresolvable
// dependency (ref == nil), not a load failure.
func (l *Loader) LoadDependencies() error {
	l.mu.Lock()
	if l.loadedDependencies {
		l.mu.Unlock()
		return nil
	}
	needed := append([]string{}, l.dtNeeded...)
	runpath := append([]string{}, l.dtRunpath...)
	requesterDir := filepath.Dir(l.path)
	l.mu.Unlock()

	for _, soname := range needed {
		l.mu.Lock()
		_, already := l.deps[soname]
		l.mu.Unlock()
		if already {
			continue
		}

		resolved, ok := pathresolve.Resolve(soname, pathresolve.Options{
			ExtraPaths:   l.extraSearchPaths,
			RequesterDir: requesterDir,
			RunPath:      runpath,
		})
		l.log.PathResolved(soname, resolved, ok)

		if !ok {
			l.mu.Lock()
			l.addDependencyLocked(soname, nil)
			l.mu.Unlock()
			continue
		}

		ref, _, err := l.graph.getOrCreate(resolved,
			WithLogger(l.log),
			WithExtraSearchPaths(l.extraSearchPaths...),
		)
		if err != nil {
			l.mu.Lock()
			l.addDependencyLocked(soname, nil)
			l.mu.Unlock()
			continue
		}
		if err := ref.loader.LoadDependencies(); err != nil {
			return err
		}

		l.mu.Lock()
		if _, exists := l.deps[soname]; !exists {
			l.depOrder = append(l.depOrder, soname)
		}
		l.deps[soname] = &depEdge{ref: ref}
		l.mu.Unlock()
	}

	l.mu.Lock()
	l.loadedDependencies = true
	l.mu.Unlock()
	return nil
}

// OverrideSymbol registers an override for name. A nil addr marks the
// symbol as deliberately undefined: any reference to it resolves to
// UndefinedSymbolValue instead of failing.
func (l *Loader) OverrideSymbol(name string, addr *uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[name] = addr
}

// Initialize is idempotent and recursive: it initializes every
// dependency first (each direct dependency's refLoader mutex is held
// only for the duration of that recursive call, so a diamond-shared
// leaf is locked and released once per parent), then applies this
// object's relocations and installs the PLT if the lazy-binding
// feature is compiled in.
func (l *Loader) Initialize() error {
	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return nil
	}
	l.initialized = true
	deps := append([]*depEdge{}, func() []*depEdge {
		out := make([]*depEdge, 0, len(l.depOrder))
		for _, soname := range l.depOrder {
			out = append(out, l.deps[soname])
		}
		return out
	}()...)
	l.mu.Unlock()

	for _, edge := range deps {
		if edge == nil || edge.ref == nil {
			continue
		}
		if err := edge.ref.initialize(); err != nil {
			return err
		}
	}

	restoreDebug := reloc.SetDebug(l.debugRelocations)
	defer restoreDebug()

	if err := reloc.Apply(l.img, l.dynEntries, l.machine, l, l.log.RelocationSkipped); err != nil {
		return err
	}

	if err := l.installPLT(); err != nil {
		return err
	}

	return nil
}

// GetSymbol returns the image address and size of name, after
// Initialize: local lookup first, then global search across
// dependencies. ok is false if name is unknown anywhere in the graph.
func (l *Loader) GetSymbol(name string) (addr uint64, size uint64, ok bool) {
	l.mu.Lock()
	ov, hasOverride := l.overrides[name]
	l.mu.Unlock()
	if hasOverride {
		if ov == nil {
			return UndefinedSymbolValue, 0, true
		}
		return *ov, 0, true
	}

	if l.syms != nil {
		if sym, found := l.syms.ByName(name); found && sym.Value != 0 {
			return uint64(l.img.Addr(sym.Value)), sym.Size, true
		}
	}

	if a, ok := l.Global(name); ok {
		return a, 0, true
	}
	return 0, 0, false
}

// GetOffset translates an ELF file virtual address to this image's
// process address.
func (l *Loader) GetOffset(fileVA uint64) uint64 {
	return uint64(l.img.Addr(fileVA))
}

// Close unmaps this loader's image and releases its direct
// dependencies. A dependency shared with another parent (a diamond or
// an independently dlopen'd handle) stays mapped until every parent
// has released it; errors unmapping individual dependencies are
// aggregated rather than aborting the rest of the teardown.
func (l *Loader) Close() error {
	Registry.detach(l)

	l.mu.Lock()
	deps := make([]*depEdge, 0, len(l.depOrder))
	for _, soname := range l.depOrder {
		deps = append(deps, l.deps[soname])
	}
	l.mu.Unlock()

	var err error
	for _, edge := range deps {
		if edge == nil || edge.ref == nil {
			continue
		}
		if e := l.graph.release(edge.ref); e != nil {
			err = multierr.Append(err, e)
		}
	}

	if e := l.img.Close(); e != nil {
		err = multierr.Append(err, e)
	}
	return err
}
