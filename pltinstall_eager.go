//go:build !galago_lazyplt

package loader

import "github.com/zboralski/galago-ld/internal/reloc"

// installPLT applies .rel.plt/.rela.plt eagerly, the default: every
// imported function is bound at Initialize time rather than on first
// call. Built when galago_lazyplt is not set.
func (l *Loader) installPLT() error {
	return reloc.Apply(l.img, l.pltEntries, l.machine, l, l.log.RelocationSkipped)
}
