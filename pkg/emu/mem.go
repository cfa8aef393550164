package emu

import (
	"fmt"
	"sort"
	"strings"
)

// PageSize is the granularity unicorn maps memory at
const PageSize = 0x1000

// Align returns a page aligned addr/size covering [addr, addr+size)
func Align(addr, size uint64) (uint64, uint64) {
	mask := ^uint64(PageSize - 1)
	right := (addr + size + PageSize - 1) & mask
	addr &= mask
	return addr, right - addr
}

type Page struct {
	Addr uint64
	Size uint64
}

func (p *Page) Contains(addr uint64) bool {
	return p.Addr <= addr && addr < p.Addr+p.Size
}

func (p *Page) Overlaps(addr, size uint64) bool {
	return p.Addr < addr+size && addr < p.Addr+p.Size
}

// MemMap tracks the regions mapped into an emulator
type MemMap struct {
	Pages []*Page
}

func NewMemMap() *MemMap {
	return &MemMap{}
}

func (m *MemMap) Contains(addr uint64) bool {
	for _, p := range m.Pages {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Missing returns the aligned sub ranges of [addr, addr+size) not yet mapped
func (m *MemMap) Missing(addr, size uint64) []Page {
	addr, size = Align(addr, size)
	var out []Page
	for a := addr; a < addr+size; a += PageSize {
		if m.Contains(a) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Addr+out[n-1].Size == a {
			out[n-1].Size += PageSize
			continue
		}
		out = append(out, Page{Addr: a, Size: PageSize})
	}
	return out
}

// Add records an aligned region; it fails if any part is already mapped
func (m *MemMap) Add(addr, size uint64) (uint64, uint64, error) {
	addr, size = Align(addr, size)
	for _, p := range m.Pages {
		if p.Overlaps(addr, size) {
			return 0, 0, fmt.Errorf("invalid range %#x-%#x overlaps %#x-%#x", addr, addr+size, p.Addr, p.Addr+p.Size)
		}
	}
	m.Pages = append(m.Pages, &Page{addr, size})
	sort.Slice(m.Pages, func(i, j int) bool { return m.Pages[i].Addr < m.Pages[j].Addr })
	return addr, size, nil
}

// Remove drops the aligned region from the map, splitting pages as needed
func (m *MemMap) Remove(addr, size uint64) {
	addr, size = Align(addr, size)
	var pages []*Page
	for _, p := range m.Pages {
		if !p.Overlaps(addr, size) {
			pages = append(pages, p)
			continue
		}
		if p.Addr < addr {
			pages = append(pages, &Page{p.Addr, addr - p.Addr})
		}
		if end := p.Addr + p.Size; end > addr+size {
			pages = append(pages, &Page{addr + size, end - addr - size})
		}
	}
	m.Pages = pages
}

func (m *MemMap) String() string {
	var s strings.Builder
	for _, p := range m.Pages {
		fmt.Fprintf(&s, "%#x-%#x\n", p.Addr, p.Addr+p.Size)
	}
	return s.String()
}
