package vmm

const (
	// pageLevels is the number of paging levels amd64 long mode uses: PML4,
	// PDPT, PD and PT.
	pageLevels = 4

	// entriesPerTable is the number of entries in every page table at every
	// level (512 entries of 8 bytes each fit a 4 KiB page).
	entriesPerTable = 512
)

// pageLevelShifts gives the bit position of each level's index field within
// a linear address, PML4 first.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// pageLevelBits is the width in bits of each level's index field. It is 9 at
// every level since each table holds 512 = 2^9 entries.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}
