// Package image builds the in-process memory image of one ELF shared
// object: it reserves an address range, copies PT_LOAD segment bytes
// at the right offsets with correct page permissions, leaves BSS
// zero, and drops the mapping on Close.
package image

import (
	"debug/elf"
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Image owns one contiguous anonymous mapping holding a loaded
// object's segments.
type Image struct {
	mem          []byte
	alignedStart uint64 // page-aligned start of the reservation, in file-vaddr space
	baseVAddr    uint64 // base_virtual_address: the raw (unaligned) lowest PT_LOAD p_vaddr
	pageSize     uint64
	closed       bool
}

// Map builds the memory image for segs, an ordered list of PT_LOAD
// program headers as returned by elfreader.File.LoadSegments. Each
// elf.Prog is itself an io.ReaderAt over its own segment bytes.
func Map(segs []*elf.Prog) (*Image, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("no PT_LOAD segments to map")
	}

	pageSize := uint64(unix.Getpagesize())

	loadAlign := uint64(0)
	baseVAddr := ^uint64(0)
	endVAddr := uint64(0)
	for _, p := range segs {
		if p.Align > loadAlign {
			loadAlign = p.Align
		}
		if p.Vaddr < baseVAddr {
			baseVAddr = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > endVAddr {
			endVAddr = end
		}
	}
	if loadAlign > pageSize {
		return nil, fmt.Errorf("PT_LOAD alignment %d exceeds page size %d", loadAlign, pageSize)
	}

	alignedStart := alignDown(baseVAddr, pageSize)
	alignedEnd := alignUp(endVAddr, pageSize)
	size := alignedEnd - alignedStart
	if size == 0 {
		return nil, fmt.Errorf("empty image span")
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("reserve image (memory-map-failed): %w", err)
	}

	im := &Image{
		mem:          mem,
		alignedStart: alignedStart,
		baseVAddr:    baseVAddr,
		pageSize:     pageSize,
	}

	if err := im.populate(segs); err != nil {
		im.Close()
		return nil, err
	}
	return im, nil
}

// populate copies each segment's file bytes in, then applies the
// final OR'd per-page permissions.
func (im *Image) populate(segs []*elf.Prog) error {
	if err := unix.Mprotect(im.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("stage image writable (memory-map-failed): %w", err)
	}

	for _, p := range segs {
		off := p.Vaddr - im.alignedStart
		if off+p.Filesz > uint64(len(im.mem)) {
			return fmt.Errorf("segment at vaddr %#x overruns reservation", p.Vaddr)
		}
		if p.Filesz > 0 {
			if _, err := io.ReadFull(io.NewSectionReader(p, 0, int64(p.Filesz)), im.mem[off:off+p.Filesz]); err != nil {
				return fmt.Errorf("read segment at vaddr %#x: %w", p.Vaddr, err)
			}
		}
		// bytes in [p_vaddr+p_filesz, p_vaddr+p_memsz) are already
		// zero: the reservation is a fresh anonymous mapping.
	}

	return im.fixupPermissions(segs)
}

// fixupPermissions computes, per page, the OR of every PT_LOAD's
// flags whose aligned range covers that page, then applies each run
// of pages sharing a permission value in one mprotect call. Pages
// touched by no segment are left (or restored to) PROT_NONE.
func (im *Image) fixupPermissions(segs []*elf.Prog) error {
	numPages := uint64(len(im.mem)) / im.pageSize
	prot := make([]int, numPages)
	covered := make([]bool, numPages)

	for _, p := range segs {
		segStart := alignDown(p.Vaddr, im.pageSize)
		segEnd := alignUp(p.Vaddr+p.Memsz, im.pageSize)
		segProt := progFlagsToProt(p.Flags)

		startPg := (segStart - im.alignedStart) / im.pageSize
		endPg := (segEnd - im.alignedStart) / im.pageSize
		for pg := startPg; pg < endPg; pg++ {
			prot[pg] |= segProt
			covered[pg] = true
		}
	}

	var runStart uint64
	runProt := 0
	runCovered := false
	flush := func(end uint64) error {
		if runStart == end {
			return nil
		}
		want := unix.PROT_NONE
		if runCovered {
			want = runProt
		}
		lo := runStart * im.pageSize
		hi := end * im.pageSize
		if err := unix.Mprotect(im.mem[lo:hi], want); err != nil {
			return fmt.Errorf("mprotect pages [%d,%d) to %#x (memory-map-failed): %w", runStart, end, want, err)
		}
		return nil
	}

	for pg := uint64(0); pg < numPages; pg++ {
		if pg == 0 {
			runStart = 0
			runProt = prot[0]
			runCovered = covered[0]
			continue
		}
		if prot[pg] == runProt && covered[pg] == runCovered {
			continue
		}
		if err := flush(pg); err != nil {
			return err
		}
		runStart = pg
		runProt = prot[pg]
		runCovered = covered[pg]
	}
	return flush(numPages)
}

func progFlagsToProt(flags elf.ProgFlag) int {
	prot := unix.PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func alignDown(v, a uint64) uint64 { return v &^ (a - 1) }
func alignUp(v, a uint64) uint64   { return alignDown(v+a-1, a) }

// Base returns the process address at which the reservation starts
// (the image base).
func (im *Image) Base() uintptr {
	if len(im.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&im.mem[0]))
}

// Addr translates an ELF file virtual address to the process
// address it was mapped at: image_base + fileVA - base_virtual_address.
func (im *Image) Addr(fileVA uint64) uintptr {
	return im.Base() + uintptr(fileVA-im.baseVAddr)
}

// BaseVAddr returns base_virtual_address: the lowest PT_LOAD p_vaddr.
func (im *Image) BaseVAddr() uint64 { return im.baseVAddr }

// Bytes exposes the raw backing slice, indexed by fileVA-alignedStart.
// Callers needing byte access at a file virtual address should use
// At instead, which performs that translation.
func (im *Image) Bytes() []byte { return im.mem }

// At returns a sub-slice of the image's backing memory starting at
// fileVA, n bytes long. Used by the relocation engine and PLT
// installer to read/write GOT/relocation target bytes directly.
func (im *Image) At(fileVA uint64, n int) ([]byte, error) {
	off := fileVA - im.alignedStart
	if off+uint64(n) > uint64(len(im.mem)) {
		return nil, fmt.Errorf("address %#x+%d out of image range", fileVA, n)
	}
	return im.mem[off : off+uint64(n)], nil
}

// Mprotect re-applies permissions to the page range covering
// [fileVA, fileVA+n), for a caller that needs to change permissions
// on part of the image after Map.
func (im *Image) Mprotect(fileVA uint64, n int, prot int) error {
	start := alignDown(fileVA, im.pageSize) - im.alignedStart
	end := alignUp(fileVA+uint64(n), im.pageSize) - im.alignedStart
	return unix.Mprotect(im.mem[start:end], prot)
}

// Close releases the reservation. Safe to call multiple times.
func (im *Image) Close() error {
	if im.closed || len(im.mem) == 0 {
		return nil
	}
	im.closed = true
	return unix.Munmap(im.mem)
}
