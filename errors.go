// Package loader implements a user-space ELF shared-object loader: it
// maps ET_DYN images, resolves symbols across an explicit dependency
// graph, applies relocations, and optionally installs a lazy-binding
// PLT trampoline.
package loader

import "errors"

// Sentinel errors for the five ways constructing a Loader can fail.
// Use errors.Is to test for a specific kind; New wraps the underlying
// cause with fmt.Errorf("...: %w", ...).
var (
	ErrFileNotFound     = errors.New("file not found")
	ErrOpenFailed       = errors.New("open failed")
	ErrNotDynamicObject = errors.New("not a dynamic object")
	ErrMemoryMapFailed  = errors.New("memory map failed")
	ErrNoDynamicSection = errors.New("no dynamic section")
)

// UndefinedSymbolValue is returned for any reference to a symbol whose
// override was registered with no address (deliberately undefined).
const UndefinedSymbolValue = 0xBABECAFE
