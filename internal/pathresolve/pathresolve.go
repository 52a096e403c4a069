// Package pathresolve implements the loader's library-search-path
// logic: given a bare SONAME, returns an absolute file path using a
// deterministic search order.
package pathresolve

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/zboralski/galago-ld/internal/auxv"
)

// Options carries the hints Resolve needs beyond the bare SONAME.
type Options struct {
	// ExtraPaths are searched first, in order.
	ExtraPaths []string
	// RequesterDir is the parent directory of the object that needs
	// this dependency; also substituted for $ORIGIN.
	RequesterDir string
	// RunPath is the DT_RUNPATH of the requesting object, searched
	// after LD_LIBRARY_PATH.
	RunPath []string
	// Getenv overrides os.Getenv, for tests. Nil means os.Getenv.
	Getenv func(string) string
}

func (o Options) getenv(name string) string {
	if o.Getenv != nil {
		return o.Getenv(name)
	}
	return os.Getenv(name)
}

// Resolve returns the first existing file matching soname across a
// fixed search order: extra paths, the requester's directory,
// $LD_LIBRARY_PATH, DT_RUNPATH, the architecture's system
// directories, then /lib and /usr/lib. Within
// each directory a direct filename match is preferred; failing that,
// each immediate subdirectory is checked. Returns ("", false) if
// nothing matches.
func Resolve(soname string, opts Options) (string, bool) {
	dirs := make([]string, 0, 16)
	dirs = append(dirs, opts.ExtraPaths...)
	if opts.RequesterDir != "" {
		dirs = append(dirs, opts.RequesterDir)
	}
	dirs = append(dirs, splitLibraryPath(opts.getenv("LD_LIBRARY_PATH"), opts)...)
	dirs = append(dirs, opts.RunPath...)
	dirs = append(dirs, systemDirs()...)

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if p, ok := matchInDir(dir, soname); ok {
			return p, true
		}
	}
	return "", false
}

func matchInDir(dir, soname string) (string, bool) {
	direct := filepath.Join(dir, soname)
	if fileExists(direct) {
		return direct, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name(), soname)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// splitLibraryPath splits LD_LIBRARY_PATH on ':' or ';' and expands
// $ORIGIN/${ORIGIN}, $LIB/${LIB} and $PLATFORM/${PLATFORM} tokens in
// each entry.
func splitLibraryPath(val string, opts Options) []string {
	if val == "" {
		return nil
	}
	sep := ":"
	if strings.Contains(val, ";") {
		sep = ";"
	}
	parts := strings.Split(val, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, expandTokens(p, opts))
	}
	return out
}

func expandTokens(path string, opts Options) string {
	replacer := func(token, value string) {
		path = strings.ReplaceAll(path, "${"+token+"}", value)
		path = strings.ReplaceAll(path, "$"+token, value)
	}
	replacer("ORIGIN", opts.RequesterDir)
	replacer("LIB", libToken())
	if platform, err := auxv.Platform(); err == nil {
		replacer("PLATFORM", platform)
	} else {
		replacer("PLATFORM", "")
	}
	return path
}

// libToken returns "lib64" on 64-bit pointer hosts, else "lib".
func libToken() string {
	if strconvPtrBits() == 64 {
		return "lib64"
	}
	return "lib"
}

func strconvPtrBits() int {
	return 32 << (^uint(0) >> 63)
}

// systemDirs returns the architecture's canonical system directories,
// arch-specific pair first, then the generic pair.
func systemDirs() []string {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}
	default:
		return []string{"/lib32", "/usr/lib32", "/lib", "/usr/lib"}
	}
}
