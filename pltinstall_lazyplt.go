//go:build galago_lazyplt

package loader

import (
	"encoding/binary"

	"github.com/zboralski/galago-ld/internal/plt"
)

// ResolvePLT resolves the .rel.plt/.rela.plt entry at relocIndex the
// same way the eager path would, for the trampoline installed by
// installPLT to call into on first use of an imported function. The
// resolved address is written back into the entry's GOT slot.
func (l *Loader) ResolvePLT(relocIndex uint32) (addr uint64, ok bool) {
	entry, found := plt.RelocEntryAt(l.pltEntries, relocIndex)
	if !found {
		return 0, false
	}
	a, name, ok := resolveRelocSymbol(l, entry.Sym)
	if !ok {
		l.log.RelocationSkipped(entry.Type, name, "unresolved symbol")
		return 0, false
	}
	if slot, err := l.img.At(entry.Offset, 8); err == nil {
		binary.LittleEndian.PutUint64(slot, a)
	}
	return a, true
}

func resolveRelocSymbol(l *Loader, idx uint32) (uint64, string, bool) {
	addr, name, ok := l.Local(idx)
	if ok {
		return addr, name, true
	}
	if name == "" {
		return 0, "", false
	}
	addr, ok = l.Global(name)
	return addr, name, ok
}

// installPLT installs the lazy-binding trampoline over .got.plt
// instead of applying .rel.plt/.rela.plt eagerly: imported functions
// are resolved one at a time, on their first call.
func (l *Loader) installPLT() error {
	if l.gotPltVA == 0 || l.gotPltSlots < 3 {
		return nil
	}
	data := plt.NewData(l)
	if err := plt.Install(l.img, l.machine, l.gotPltVA, l.gotPltSlots, data); err != nil {
		return err
	}
	l.pltData = data
	l.log.PLTInstalled(l.name, l.gotPltSlots)
	return nil
}
