package memory

import (
	"fmt"
	"sort"
)

const (
	// ElfLabel is the module name of the target executable's regions.
	ElfLabel = "target"

	LibcLabel          = "libc.so.6"
	LdsoLabel          = "ld-linux-x86-64.so.2"
	SharedLibraryLabel = "[shared library]"
	StackLabel         = "[stack]"
)

// Region is a contiguous range of mapped memory. End is inclusive.
type Region struct {
	Start  uint64
	End    uint64
	Module string
	R      bool
	W      bool
	X      bool
}

func (o Region) Contains(addr uint64) bool {
	return addr >= o.Start && addr <= o.End
}

func (o Region) String() string {
	perms := []byte("---")
	if o.R {
		perms[0] = 'r'
	}
	if o.W {
		perms[1] = 'w'
	}
	if o.X {
		perms[2] = 'x'
	}

	return fmt.Sprintf("0x%x-0x%x %s %s", o.Start, o.End, perms, o.Module)
}

// NewVirtualMemoryMap creates a VirtualMemoryMap from the specified
// regions. Regions are sorted by start address and must not overlap.
func NewVirtualMemoryMap(regions ...Region) (*VirtualMemoryMap, error) {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	for i, region := range sorted {
		if region.End < region.Start {
			return nil, fmt.Errorf("region %s ends before it starts", region)
		}

		if i > 0 && sorted[i-1].End >= region.Start {
			return nil, fmt.Errorf("region %s overlaps %s", region, sorted[i-1])
		}
	}

	return &VirtualMemoryMap{regions: sorted}, nil
}

// VirtualMemoryMap is the target process' memory layout, labelled by
// the module each region belongs to.
type VirtualMemoryMap struct {
	regions []Region
}

// Regions returns a copy of the map's regions ordered by address.
func (o *VirtualMemoryMap) Regions() []Region {
	cp := make([]Region, len(o.regions))
	copy(cp, o.regions)
	return cp
}

// Find returns the region containing addr.
func (o *VirtualMemoryMap) Find(addr uint64) (Region, bool) {
	i, found := o.find(addr)
	if !found {
		return Region{}, false
	}

	return o.regions[i], true
}

func (o *VirtualMemoryMap) find(addr uint64) (int, bool) {
	i := sort.Search(len(o.regions), func(i int) bool {
		return o.regions[i].End >= addr
	})

	if i < len(o.regions) && o.regions[i].Contains(addr) {
		return i, true
	}

	return 0, false
}

// Module returns the name of the module mapped at addr.
func (o *VirtualMemoryMap) Module(addr uint64) (string, bool) {
	region, found := o.Find(addr)
	if !found {
		return "", false
	}

	return region.Module, true
}

// ModuleBaseAddress returns the start of the first region belonging to
// the same module as the region containing addr. Regions of a module
// are assumed to be adjacent in the map.
func (o *VirtualMemoryMap) ModuleBaseAddress(addr uint64) (uint64, error) {
	i, found := o.find(addr)
	if !found {
		return 0, fmt.Errorf("0x%x is not mapped", addr)
	}

	module := o.regions[i].Module
	for i > 0 && o.regions[i-1].Module == module {
		i--
	}

	return o.regions[i].Start, nil
}
