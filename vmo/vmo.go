// Package vmo implements virtual memory objects and the per-process VM
// region that maps them into an address space.
package vmo

import (
	"errors"
	"sort"
	"sync"

	"github.com/kvmkernel/kernel/frame"
	"github.com/kvmkernel/kernel/kobject"
	"github.com/kvmkernel/kernel/paging"
)

var (
	ErrOverlap        = errors.New("vmo: mapping overlaps an existing region")
	ErrNoSpace        = errors.New("vmo: no free gap large enough")
	ErrNoMapping      = errors.New("vmo: no mapping at that address")
	ErrPartialUnmap   = errors.New("vmo: partial unmap is rejected")
	ErrOutsideMapping = errors.New("vmo: fault address outside any mapping")
)

// Kind tags the VMO variant.
type Kind int

const (
	KindMemoryMapped Kind = iota
	KindAnonymous
)

// Flags are the anonymous-VMO creation flags.
type Flags uint32

const (
	FlagPinned     Flags = 1 << 0
	FlagContinuous Flags = 1 << 1
	FlagBelow32    Flags = 1 << 2
)

// VMO is a tagged-variant virtual memory object.
type VMO struct {
	mu       sync.Mutex
	kind     Kind
	length   uint64
	physBase uint64 // MemoryMapped only

	flags Flags          // Anonymous only
	slots []frame.Frame  // Anonymous only: 0 == empty/lazy
	alloc *frame.Allocator

	signals kobject.SignalState
}

// Type implements kobject.KObject.
func (v *VMO) Type() kobject.Type { return kobject.TypeVMO }

// Signals implements kobject.KObject.
func (v *VMO) Signals() *kobject.SignalState { return &v.signals }

// Length returns the VMO's byte length.
func (v *VMO) Length() uint64 { return v.length }

// NewMemoryMapped creates a fixed physical-base VMO for device MMIO; it
// owns no frames. Implements the vmo_mmap_create syscall.
func NewMemoryMapped(physBase, length uint64) *VMO {
	return &VMO{kind: KindMemoryMapped, physBase: physBase, length: length}
}

// NewAnonymous creates an anonymous VMO of length bytes (rounded up to a
// whole number of 4 KiB pages). Pinned VMOs allocate all frames now;
// continuous VMOs allocate one contiguous physical range now; otherwise
// pages remain empty until first fault. Implements vmo_anonymous_create.
func NewAnonymous(alloc *frame.Allocator, length uint64, flags Flags) (*VMO, error) {
	pages := int((length + frame.Size4K - 1) / frame.Size4K)

	v := &VMO{
		kind:   KindAnonymous,
		length: uint64(pages) * frame.Size4K,
		flags:  flags,
		slots:  make([]frame.Frame, pages),
		alloc:  alloc,
	}

	below32 := flags&FlagBelow32 != 0

	switch {
	case flags&FlagContinuous != 0:
		base, err := alloc.AllocContiguous(pages, below32)
		if err != nil {
			return nil, err
		}

		for i := 0; i < pages; i++ {
			v.slots[i] = base + frame.Frame(i)*frame.Size4K
		}
	case flags&FlagPinned != 0:
		for i := 0; i < pages; i++ {
			f, err := alloc.Alloc(frame.SizeClass4K, below32)
			if err != nil {
				return nil, err
			}

			v.slots[i] = f
		}
	}

	return v, nil
}

// PinnedAddresses returns the physical addresses backing [offset, offset+len)
// of a pinned (or continuous) VMO, implementing
// vmo_anonymous_pinned_addresses.
func (v *VMO) PinnedAddresses(offset, length uint64) ([]uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := int(offset / frame.Size4K)
	count := int((length + frame.Size4K - 1) / frame.Size4K)

	out := make([]uint64, 0, count)

	for i := 0; i < count; i++ {
		if start+i >= len(v.slots) || v.slots[start+i] == 0 {
			return nil, ErrOutsideMapping
		}

		out = append(out, uint64(v.slots[start+i]))
	}

	return out, nil
}

func (v *VMO) physicalPage(pageIdx int) (frame.Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.slots[pageIdx], v.slots[pageIdx] != 0
}

// faultAllocate installs a frame for a lazily-faulted anonymous page,
// zero-filled since the allocator always hands out zeroed frames.
func (v *VMO) faultAllocate(pageIdx int) (frame.Frame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.slots[pageIdx] != 0 {
		return v.slots[pageIdx], nil
	}

	f, err := v.alloc.Alloc(frame.SizeClass4K, v.flags&FlagBelow32 != 0)
	if err != nil {
		return 0, err
	}

	v.slots[pageIdx] = f

	return f, nil
}

// mapping is one (vaddr range -> VMO) entry in a region's ordered list.
type mapping struct {
	base   uint64
	length uint64
	vmo    *VMO
	flags  uint64
}

// Region is a process's address space: its top-level page table plus the
// ordered, disjoint list of mappings into it.
type Region struct {
	mu       sync.Mutex
	as       *paging.AddressSpace
	mappings []mapping

	userBase  uint64
	userLimit uint64 // exclusive, the user/kernel split
}

// NewRegion wraps a fresh address space as a VM region covering
// [userBase, userLimit).
func NewRegion(as *paging.AddressSpace, userBase, userLimit uint64) *Region {
	return &Region{as: as, userBase: userBase, userLimit: userLimit}
}

func (r *Region) overlaps(base, length uint64) bool {
	end := base + length

	for _, m := range r.mappings {
		if base < m.base+m.length && m.base < end {
			return true
		}
	}

	return false
}

// firstFit scans the sentineled gap list (0x1000 .. userLimit) for the
// first free range of at least length bytes.
func (r *Region) firstFit(length uint64) (uint64, error) {
	cursor := r.userBase
	if cursor == 0 {
		cursor = 0x1000
	}

	for _, m := range r.mappings {
		if m.base-cursor >= length {
			return cursor, nil
		}

		cursor = m.base + m.length
	}

	if r.userLimit-cursor >= length {
		return cursor, nil
	}

	return 0, ErrNoSpace
}

// Map installs vmo at hint (or the first free gap if hint is 0), with the
// given page-table flags, implementing the map syscall.
func (r *Region) Map(v *VMO, hint uint64, flags uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	length := v.length

	var base uint64

	if hint != 0 {
		if r.overlaps(hint, length) {
			return 0, ErrOverlap
		}

		base = hint
	} else {
		var err error

		base, err = r.firstFit(length)
		if err != nil {
			return 0, err
		}
	}

	pages := int(length / frame.Size4K)

	switch v.kind {
	case KindMemoryMapped:
		for i := 0; i < pages; i++ {
			fl, err := r.as.Map(base+uint64(i)*frame.Size4K, v.physBase+uint64(i)*frame.Size4K, flags)
			if err != nil {
				return 0, err
			}

			fl.Flush()
		}
	case KindAnonymous:
		if v.flags&(FlagPinned|FlagContinuous) != 0 {
			for i := 0; i < pages; i++ {
				f, ok := v.physicalPage(i)
				if !ok {
					continue
				}

				fl, err := r.as.Map(base+uint64(i)*frame.Size4K, uint64(f), flags)
				if err != nil {
					return 0, err
				}

				fl.Flush()
			}
		}
		// Lazy anonymous: no entries installed until faulted.
	}

	r.insertMapping(mapping{base: base, length: length, vmo: v, flags: flags})

	return base, nil
}

func (r *Region) insertMapping(m mapping) {
	r.mappings = append(r.mappings, m)
	sort.Slice(r.mappings, func(i, j int) bool { return r.mappings[i].base < r.mappings[j].base })
}

func (r *Region) find(addr uint64) (*mapping, int) {
	for i := range r.mappings {
		m := &r.mappings[i]
		if addr >= m.base && addr < m.base+m.length {
			return m, i
		}
	}

	return nil, -1
}

// PageFault services a fault at addr. A fault outside any mapping returns
// ErrOutsideMapping, which the caller (the syscall-dispatch / fault path)
// translates to a kill of a user thread or a kernel panic.
func (r *Region) PageFault(addr uint64) error {
	r.mu.Lock()
	m, _ := r.find(addr)
	r.mu.Unlock()

	if m == nil {
		return ErrOutsideMapping
	}

	pageIdx := int((addr - m.base) / frame.Size4K)
	pageBase := m.base + uint64(pageIdx)*frame.Size4K

	switch m.vmo.kind {
	case KindMemoryMapped:
		fl, err := r.as.Map(pageBase, m.vmo.physBase+uint64(pageIdx)*frame.Size4K, m.flags)
		if err != nil {
			return err
		}

		fl.Flush()

		return nil
	case KindAnonymous:
		f, err := m.vmo.faultAllocate(pageIdx)
		if err != nil {
			return err
		}

		fl, err := r.as.Map(pageBase, uint64(f), m.flags)
		if err != nil {
			return err
		}

		fl.Flush()

		return nil
	default:
		return ErrOutsideMapping
	}
}

// Translate resolves a mapped virtual address to its backing physical
// address, the lookup syscalls.Dispatch uses to read/write a thread's
// user buffers without a raw pointer dereference.
func (r *Region) Translate(vaddr uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.as.Translate(vaddr)
}

// Unmap removes a full prior mapping starting exactly at addr. Partial
// unmap is rejected.
func (r *Region) Unmap(addr uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, idx := r.find(addr)
	if m == nil || m.base != addr {
		if m != nil {
			return ErrPartialUnmap
		}

		return ErrNoMapping
	}

	pages := int(m.length / frame.Size4K)

	for i := 0; i < pages; i++ {
		vaddr := m.base + uint64(i)*frame.Size4K

		_, _, fl, err := r.as.Unmap(vaddr)
		if err != nil {
			continue
		}

		fl.Flush()
	}

	r.mappings = append(r.mappings[:idx], r.mappings[idx+1:]...)

	return nil
}
