//go:build galago_debug

package reloc

import (
	"debug/elf"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// annotateReason appends a disassembly of the bytes at fileVA to
// reason, best-effort, so a skipped-relocation log line shows what
// instruction (if any) sits at the target rather than just its
// address. Decode failures (data, not code, at that offset) leave
// reason unchanged.
func annotateReason(im Image, fileVA uint64, machine elf.Machine, reason string) string {
	b, err := im.At(fileVA, 16)
	if err != nil {
		return reason
	}

	var dis string
	switch machine {
	case elf.EM_X86_64:
		inst, err := x86asm.Decode(b, 64)
		if err != nil {
			return reason
		}
		dis = inst.String()
	case elf.EM_AARCH64:
		inst, err := arm64asm.Decode(b[:4])
		if err != nil {
			return reason
		}
		dis = inst.String()
	default:
		return reason
	}
	return fmt.Sprintf("%s (at target: %s)", reason, dis)
}
