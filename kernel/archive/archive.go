// Package archive reads the read-only init-file archive the bootloader
// hands the kernel as a Multiboot module: a flat, checksummed container of
// named byte ranges the spawn and mmap_archive syscalls read from.
package archive

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/pmm"
	"github.com/devyn/kit/kernel/mem/vmm"
)

// magic is "kit AR01" read as a little-endian u64.
const magic = 0x313052412074696b

// entryHeaderSize is the fixed portion of an entry (offset, length,
// checksum, name_length) preceding its variable-length name.
const entryHeaderSize = 32

// header mirrors ArchiveHeader's fixed prefix; entries follow immediately
// after in memory, not as a Go slice field.
type header struct {
	Magic         uint64
	EntriesLength uint64
}

// entry mirrors ArchiveEntry's fixed prefix; its name follows immediately
// after in memory.
type entry struct {
	Offset     uint64
	Length     uint64
	Checksum   uint64
	NameLength uint64
}

var (
	base   uintptr
	loaded bool
	length uint64

	errNotMapped = &kernel.Error{Module: "archive", Message: "archive is not mapped"}
	errBadMagic  = &kernel.Error{Module: "archive", Message: "bad archive magic"}
	errNotFound  = &kernel.Error{Module: "archive", Message: "entry not found"}
	errMapFailed = &kernel.Error{Module: "archive", Message: "failed to map archive module"}

	// ErrChecksum is returned by Find when an entry's body fails its stored
	// checksum; exported so the spawn syscall can map it to its own
	// dedicated negative result code.
	ErrChecksum = &kernel.Error{Module: "archive", Message: "entry checksum mismatch"}
)

// Init maps the archive module's physical pages read-only into the kernel
// page set at mem.ArchiveBase and validates its magic number. modStart is
// the physical start address of the Multiboot module, modLength its size in
// bytes.
func Init(modStart uintptr, modLength uint64) *kernel.Error {
	pages := (modLength + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if pages == 0 {
		pages = 1
	}

	frame := pmm.FrameFromAddress(modStart)

	mapped, err := vmm.KernelPageSet().Map(mem.ArchiveBase, frame, pages, vmm.FlagPresent)
	if err != nil {
		return err
	}
	if mapped != pages {
		return errMapFailed
	}

	h := (*header)(unsafe.Pointer(mem.ArchiveBase))
	if h.Magic != magic {
		return errBadMagic
	}

	base = mem.ArchiveBase
	length = modLength
	loaded = true
	return nil
}

// Base returns the kernel virtual address the archive is mapped at, and the
// physical frame backing it (for mmap_archive to re-map into a process).
func Base() (uintptr, pmm.Frame) {
	if !loaded {
		return 0, pmm.InvalidFrame
	}
	phys, err := vmm.KernelPageSet().Resolve(base)
	if err != nil {
		return 0, pmm.InvalidFrame
	}
	return base, pmm.FrameFromAddress(phys)
}

// Size returns the archive module's length in bytes, as passed to Init.
func Size() uint64 {
	return length
}

// entryAt interprets the entry header starting at base+off.
func entryAt(off uint64) *entry {
	return (*entry)(unsafe.Pointer(base + uintptr(off)))
}

// nameAt returns the name string stored right after an entry header at
// base+off.
func nameAt(off uint64, length uint64) string {
	nameBytes := (*[1 << 20]byte)(unsafe.Pointer(base + uintptr(off) + entryHeaderSize))
	return string(nameBytes[:length])
}

// Find scans the archive's entry list for name, returning its body's
// kernel-virtual address and length. Verifies the stored checksum.
func Find(name string) (uintptr, uint64, *kernel.Error) {
	if !loaded {
		return 0, 0, errNotMapped
	}

	h := (*header)(unsafe.Pointer(base))

	off := uint64(unsafe.Sizeof(header{}))
	for i := uint64(0); i < h.EntriesLength; i++ {
		e := entryAt(off)
		if e.NameLength == uint64(len(name)) && nameAt(off, e.NameLength) == name {
			bodyAddr := base + uintptr(e.Offset)
			if !verify(e, bodyAddr) {
				return 0, 0, ErrChecksum
			}
			return bodyAddr, e.Length, nil
		}
		off += entryHeaderSize + e.NameLength
	}

	return 0, 0, errNotFound
}

// verify recomputes the XOR-word checksum over an entry's body and compares
// it against the stored value. Successive 8-byte little-endian words are
// XORed together; a trailing partial word is padded with zero high bytes.
func verify(e *entry, bodyAddr uintptr) bool {
	body := (*[1 << 30]byte)(unsafe.Pointer(bodyAddr))

	var checksum uint64
	var word uint64
	var count uint

	for i := uint64(0); i < e.Length; i++ {
		word |= uint64(body[i]) << (8 * count)
		count++
		if count == 8 {
			checksum ^= word
			word = 0
			count = 0
		}
	}
	if count > 0 {
		checksum ^= word
	}

	return checksum == e.Checksum
}
