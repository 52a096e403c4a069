package loader

import "github.com/zboralski/galago-ld/internal/gzlog"

// Option configures a Loader at construction time.
type Option func(*config)

type config struct {
	logger           *gzlog.Logger
	extraSearchPaths []string
	graph            *arena
	debugRelocations bool
}

func defaultConfig() config {
	return config{logger: gzlog.NewNop()}
}

// WithDebugRelocations makes Initialize panic on an unimplemented
// relocation type instead of silently skipping it, surfacing gaps in
// the relocation table during development. The default is to skip.
func WithDebugRelocations(enabled bool) Option {
	return func(c *config) { c.debugRelocations = enabled }
}

// WithLogger attaches a structured logger. The default is a no-op
// logger.
func WithLogger(l *gzlog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithExtraSearchPaths adds directories searched before any other
// path-resolution tier when resolving a dependency's SONAME.
func WithExtraSearchPaths(paths ...string) Option {
	return func(c *config) { c.extraSearchPaths = append(c.extraSearchPaths, paths...) }
}

// withGraph attaches an existing dependency arena, used internally
// when a Loader creates a child Loader for a DT_NEEDED entry so the
// whole tree shares one arena (required for diamond dependencies to
// resolve to the same instance).
func withGraph(g *arena) Option {
	return func(c *config) { c.graph = g }
}
