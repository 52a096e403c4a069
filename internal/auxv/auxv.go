// Package auxv reads values out of the Linux auxiliary vector, in
// particular AT_PLATFORM, used by the path resolver's $PLATFORM token.
package auxv

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// Linux auxv tags this package understands. See <linux/auxvec.h>.
const (
	atNull     = 0
	atPlatform = 15
)

// Platform returns the AT_PLATFORM string from this process's own
// auxiliary vector (e.g. "x86_64" or "aarch64"). It reads
// /proc/self/auxv directly; there is no portable syscall wrapper for
// getauxval in golang.org/x/sys/unix on linux/amd64 and linux/arm64.
func Platform() (string, error) {
	data, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return "", fmt.Errorf("read auxv: %w", err)
	}

	platformAddr, ok := lookup(data, atPlatform)
	if !ok {
		return "", fmt.Errorf("AT_PLATFORM not present in auxv")
	}
	if platformAddr == 0 {
		return "", fmt.Errorf("AT_PLATFORM value is null")
	}

	s, err := readCString(platformAddr)
	if err != nil {
		return "", fmt.Errorf("read AT_PLATFORM string: %w", err)
	}
	return s, nil
}

// lookup scans the raw auxv bytes (pairs of native-width words) for
// the given tag and returns its value.
func lookup(data []byte, tag uint64) (uint64, bool) {
	const wordSize = 8
	for i := 0; i+2*wordSize <= len(data); i += 2 * wordSize {
		t := binary.LittleEndian.Uint64(data[i : i+wordSize])
		v := binary.LittleEndian.Uint64(data[i+wordSize : i+2*wordSize])
		if t == atNull {
			break
		}
		if t == tag {
			return v, true
		}
	}
	return 0, false
}

// readCString reads a NUL-terminated string at a process virtual
// address by way of /proc/self/mem. AT_PLATFORM points into the
// kernel-placed string area above the initial stack, which is mapped
// read-only into this same process.
func readCString(addr uint64) (string, error) {
	f, err := os.Open("/proc/self/mem")
	if err != nil {
		return "", err
	}
	defer f.Close()

	const chunk = 64
	var sb strings.Builder
	buf := make([]byte, chunk)
	off := int64(addr)
	for {
		n, err := f.ReadAt(buf, off)
		if n == 0 && err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				return sb.String(), nil
			}
			sb.WriteByte(buf[i])
		}
		if n < chunk {
			return sb.String(), nil
		}
		off += int64(n)
		if sb.Len() > 4096 {
			return "", fmt.Errorf("AT_PLATFORM string exceeds sanity limit")
		}
	}
}
