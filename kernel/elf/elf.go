// Package elf loads 64-bit little-endian static executables into a freshly
// created process. It supports exactly the subset of ELF required to run a
// statically linked AMD64 binary: NULL and PHDR program headers are
// skipped, LOAD segments are mapped and copied, everything else fails the
// load.
package elf

import (
	"unsafe"

	"github.com/devyn/kit/kernel"
	"github.com/devyn/kit/kernel/mem"
	"github.com/devyn/kit/kernel/mem/vmm"
	"github.com/devyn/kit/kernel/proc"
)

const (
	classID64  = 2
	dataLSB    = 1
	typeExec   = 2
	machineAMD = 62
)

const (
	ptNull    = 0
	ptLoad    = 1
	ptDynamic = 2
	ptInterp  = 3
	ptNote    = 4
	ptShlib   = 5
	ptPHDR    = 6
	ptTLS     = 7
)

const (
	flagExecute = 1
	flagWrite   = 2
	flagRead    = 4
)

var elfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

// ident is the first 16 bytes of the ELF header.
type ident struct {
	Magic      [4]byte
	Class      uint8
	Data       uint8
	Version    uint8
	OSABI      uint8
	ABIVersion uint8
	_          [7]byte
}

// header is the fixed 64-byte ELF64 file header.
type header struct {
	Ident     ident
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PHOff     uint64
	SHOff     uint64
	Flags     uint32
	EHSize    uint16
	PHEntSize uint16
	PHNum     uint16
	SHEntSize uint16
	SHNum     uint16
	SHStrNdx  uint16
}

// programHeader is one ELF64 program header table entry.
type programHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

var (
	errBadMagic      = &kernel.Error{Module: "elf", Message: "bad ELF magic"}
	errUnsupported   = &kernel.Error{Module: "elf", Message: "unsupported ELF class, data encoding, type or ABI"}
	errUnsupportedPH = &kernel.Error{Module: "elf", Message: "unsupported program header type"}
)

// verify checks the fields required for a static AMD64 executable: 64-bit
// class, little-endian, version 1, System V ABI, ABI version 0, ET_EXEC.
func verify(h *header) *kernel.Error {
	if h.Ident.Magic != elfMagic {
		return errBadMagic
	}
	if h.Ident.Class != classID64 ||
		h.Ident.Data != dataLSB ||
		h.Ident.Version != 1 ||
		h.Ident.OSABI != 0 ||
		h.Ident.ABIVersion != 0 ||
		h.Type != typeExec ||
		h.Machine != machineAMD {
		return errUnsupported
	}
	return nil
}

// Load verifies and loads the ELF image at imageAddr (a kernel-virtual
// address, typically an archive entry's body) into p: each PT_LOAD segment
// is allocated at its p_vaddr with permissions derived from p_flags, the
// on-disk bytes are copied in and the memsz-filesz tail is zeroed. PT_NULL
// and PT_PHDR are ignored; any other segment type fails the load. On
// success p's entry point is set from e_entry.
func Load(imageAddr uintptr, p *proc.Process) *kernel.Error {
	h := (*header)(unsafe.Pointer(imageAddr))
	if err := verify(h); err != nil {
		return err
	}

	phTable := imageAddr + uintptr(h.PHOff)

	for i := uint16(0); i < h.PHNum; i++ {
		ph := (*programHeader)(unsafe.Pointer(phTable + uintptr(i)*uintptr(h.PHEntSize)))

		switch ph.Type {
		case ptNull, ptPHDR:
			continue
		case ptLoad:
			if err := loadSegment(imageAddr, ph, p); err != nil {
				return err
			}
		default:
			return errUnsupportedPH
		}
	}

	return proc.SetEntryPoint(p, uintptr(h.Entry))
}

// loadSegment maps ph.MemSz bytes at ph.VAddr, copies ph.FileSz bytes from
// the image and zeroes the remainder, going through a kernel alias since
// the segment lives in p's address space, not the kernel's.
func loadSegment(imageAddr uintptr, ph *programHeader, p *proc.Process) *kernel.Error {
	flags := vmm.PageTableEntryFlag(0)
	if ph.Flags&flagWrite != 0 {
		flags |= vmm.FlagRW
	}
	if ph.Flags&flagExecute == 0 {
		flags |= vmm.FlagNoExecute
	}

	if _, err := proc.AllocWithKernelAlias(p, uintptr(ph.VAddr), mem.Size(ph.MemSz), flags); err != nil {
		return err
	}

	misalignment := uint64(ph.VAddr) % uint64(mem.PageSize)
	dst := (*[1 << 30]byte)(unsafe.Pointer(mem.KernelAliasBase + uintptr(misalignment)))
	src := (*[1 << 30]byte)(unsafe.Pointer(imageAddr + uintptr(ph.Offset)))

	copy(dst[:ph.FileSz], src[:ph.FileSz])
	if ph.FileSz < ph.MemSz {
		zero := dst[ph.FileSz:ph.MemSz]
		for i := range zero {
			zero[i] = 0
		}
	}

	pages := (ph.MemSz + misalignment + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	return proc.UnmapKernelAlias(pages)
}
