package loader

// Local resolves the relocation symbol at dynsym index idx: an
// override registered by name takes precedence, then the object's own
// symbol table. ok is false (with name set, if known) when the caller
// should retry through Global.
func (l *Loader) Local(idx uint32) (addr uint64, name string, ok bool) {
	sym, found := l.syms.ByIndex(idx)
	if !found {
		return 0, "", false
	}
	name = sym.Name

	if name != "" {
		l.mu.Lock()
		ov, hasOverride := l.overrides[name]
		l.mu.Unlock()
		if hasOverride {
			if ov == nil {
				return UndefinedSymbolValue, name, true
			}
			return *ov, name, true
		}
	}

	if sym.Value == 0 {
		return 0, name, false
	}
	return uint64(l.img.Addr(sym.Value)), name, true
}

// Global searches this loader's dependencies, depth-first in
// insertion order, for name. A dependency already on the search
// stack (resolvingGlobal) is skipped rather than re-entered, which is
// what keeps a dependency cycle from recursing forever.
func (l *Loader) Global(name string) (uint64, bool) {
	l.mu.Lock()
	order := append([]string{}, l.depOrder...)
	edges := make(map[string]*depEdge, len(l.deps))
	for k, v := range l.deps {
		edges[k] = v
	}
	l.mu.Unlock()

	for _, soname := range order {
		edge := edges[soname]
		if edge == nil || edge.ref == nil {
			continue
		}
		if addr, ok := edge.ref.loader.lookupIncludingDeps(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// lookupIncludingDeps resolves name against this loader's own local
// table and overrides, then (if not found) its own dependencies.
func (l *Loader) lookupIncludingDeps(name string) (uint64, bool) {
	l.mu.Lock()
	if l.resolvingGlobal {
		l.mu.Unlock()
		return 0, false
	}
	l.resolvingGlobal = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.resolvingGlobal = false
		l.mu.Unlock()
	}()

	if addr, ok := l.localByName(name); ok {
		return addr, true
	}
	return l.Global(name)
}

func (l *Loader) localByName(name string) (uint64, bool) {
	l.mu.Lock()
	ov, hasOverride := l.overrides[name]
	l.mu.Unlock()
	if hasOverride {
		if ov == nil {
			return UndefinedSymbolValue, true
		}
		return *ov, true
	}

	if l.syms == nil {
		return 0, false
	}
	sym, ok := l.syms.ByName(name)
	if !ok || sym.Value == 0 {
		return 0, false
	}
	return uint64(l.img.Addr(sym.Value)), true
}
