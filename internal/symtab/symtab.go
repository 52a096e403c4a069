// Package symtab implements symbol lookup within one loaded ELF
// shared object: by-index lookup into .dynsym, and by-name lookup via
// .gnu.hash (preferred) or .hash, without a linear scan of .dynsym
// when neither hash table is present.
package symtab

import (
	"encoding/binary"

	"github.com/zboralski/galago-ld/internal/elfreader"
)

// Table is the local symbol-lookup engine for one object: its
// .dynsym array plus whichever hash table(s) it carries.
type Table struct {
	syms    []elfreader.DynSym
	gnuHash []byte
	sysvHash []byte
}

// New builds a Table over syms (index-ordered, index 0 = STN_UNDEF),
// optionally carrying .gnu.hash and/or .hash section bytes.
func New(syms []elfreader.DynSym, gnuHash, sysvHash []byte) *Table {
	return &Table{syms: syms, gnuHash: gnuHash, sysvHash: sysvHash}
}

// Len returns the number of entries, including the STN_UNDEF slot.
func (t *Table) Len() int { return len(t.syms) }

// ByIndex returns the .dynsym entry at idx.
func (t *Table) ByIndex(idx uint32) (elfreader.DynSym, bool) {
	if int(idx) >= len(t.syms) {
		return elfreader.DynSym{}, false
	}
	return t.syms[idx], true
}

// ByName performs local lookup only: .gnu.hash first, then .hash; if
// both are absent, the name is reported not found rather than falling
// back to a linear .dynsym scan.
func (t *Table) ByName(name string) (elfreader.DynSym, bool) {
	if len(t.gnuHash) > 0 {
		if idx, ok := lookupGNUHash(t.gnuHash, t.syms, name); ok {
			return t.syms[idx], true
		}
		return elfreader.DynSym{}, false
	}
	if len(t.sysvHash) > 0 {
		if idx, ok := lookupSysVHash(t.sysvHash, t.syms, name); ok {
			return t.syms[idx], true
		}
		return elfreader.DynSym{}, false
	}
	return elfreader.DynSym{}, false
}

// gnuHashWord is the bloom-filter word width, in bits, used by
// .gnu.hash on a 64-bit target (Elf64_Xword); buckets and chain
// entries are 32-bit words.
const gnuHashWord = 64

// gnuHash computes the DJB-variant hash .gnu.hash buckets symbol
// names by: h = 5381; h = h*33 + c for each byte c.
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func lookupGNUHash(data []byte, syms []elfreader.DynSym, name string) (uint32, bool) {
	if len(data) < 16 {
		return 0, false
	}
	nbuckets := binary.LittleEndian.Uint32(data[0:4])
	symoffset := binary.LittleEndian.Uint32(data[4:8])
	bloomSize := binary.LittleEndian.Uint32(data[8:12])
	bloomShift := binary.LittleEndian.Uint32(data[12:16])
	if nbuckets == 0 || bloomSize == 0 {
		return 0, false
	}

	bloomOff := 16
	bloomEntrySize := gnuHashWord / 8
	bucketsOff := bloomOff + int(bloomSize)*bloomEntrySize
	chainOff := bucketsOff + int(nbuckets)*4

	if chainOff > len(data) {
		return 0, false
	}

	h1 := gnuHash(name)
	h2 := h1 >> bloomShift

	wordIdx := (h1 / gnuHashWord) % bloomSize
	wordOff := bloomOff + int(wordIdx)*bloomEntrySize
	if wordOff+8 > len(data) {
		return 0, false
	}
	word := binary.LittleEndian.Uint64(data[wordOff : wordOff+8])
	mask := (uint64(1) << (h1 % gnuHashWord)) | (uint64(1) << (h2 % gnuHashWord))
	if word&mask != mask {
		return 0, false
	}

	bucketOff := bucketsOff + int(h1%nbuckets)*4
	if bucketOff+4 > len(data) {
		return 0, false
	}
	idx := binary.LittleEndian.Uint32(data[bucketOff : bucketOff+4])
	if idx == 0 {
		return 0, false
	}
	if idx < symoffset {
		return 0, false
	}

	for {
		chainIdx := chainOff + int(idx-symoffset)*4
		if chainIdx+4 > len(data) {
			return 0, false
		}
		chainVal := binary.LittleEndian.Uint32(data[chainIdx : chainIdx+4])
		if (chainVal|1) == (h1|1) && int(idx) < len(syms) && syms[idx].Name == name {
			return idx, true
		}
		if chainVal&1 != 0 {
			return 0, false
		}
		idx++
	}
}

func sysvHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}

func lookupSysVHash(data []byte, syms []elfreader.DynSym, name string) (uint32, bool) {
	if len(data) < 8 {
		return 0, false
	}
	nbucket := binary.LittleEndian.Uint32(data[0:4])
	nchain := binary.LittleEndian.Uint32(data[4:8])
	if nbucket == 0 {
		return 0, false
	}
	bucketsOff := 8
	chainOff := bucketsOff + int(nbucket)*4
	if chainOff+int(nchain)*4 > len(data) {
		return 0, false
	}

	h := sysvHash(name)
	idx := binary.LittleEndian.Uint32(data[bucketsOff+int(h%nbucket)*4:])
	for idx != 0 {
		if int(idx) < len(syms) && syms[idx].Name == name {
			return idx, true
		}
		if int(idx) >= int(nchain) {
			return 0, false
		}
		idx = binary.LittleEndian.Uint32(data[chainOff+int(idx)*4:])
	}
	return 0, false
}
