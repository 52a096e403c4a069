//go:build !galago_debug

package reloc

import "debug/elf"

// annotateReason is a no-op outside a debug build: disassembling the
// relocation target costs an extra image read on every skip, which a
// normal build shouldn't pay for.
func annotateReason(_ Image, _ uint64, _ elf.Machine, reason string) string {
	return reason
}
