// Package paging implements the four-level x86_64 page table walk
// (PML4 -> PDPT -> PD -> PT) directly over frame-allocator memory, using
// the real PTE bit layout so the same tables could be pointed to by a
// real vCPU's CR3.
package paging

import (
	"encoding/binary"
	"errors"

	"github.com/kvmkernel/kernel/frame"
)

// Entry flags, matching the hardware PTE/PDE/PDPTE/PML4E bit layout.
const (
	FlagPresent  = 1 << 0
	FlagWritable = 1 << 1
	FlagUser     = 1 << 2
	FlagHuge     = 1 << 7 // PS bit at PD/PDPT level
	FlagNoExec   = 1 << 63

	// FlagOwned is an OS-available bit (bit 9): set when the kernel owns
	// the subtable/frame this entry points at and must free it on
	// overwrite.
	FlagOwned = 1 << 9

	addrMask = 0x000F_FFFF_FFFF_F000 // bits 12-51

	entriesPerTable = 512
	entrySize       = 8
)

var (
	ErrNotPresent   = errors.New("paging: entry not present")
	ErrHugePage     = errors.New("paging: encountered huge page where a subtable was expected")
	ErrMisaligned   = errors.New("paging: address not page-aligned")
	ErrNotOwned     = errors.New("paging: take_entry on a shared (not-owned) subtable")
	ErrOutOfTableLv = errors.New("paging: unsupported table level")
)

// Level indexes into the four-level hierarchy: 3=PML4, 2=PDPT, 1=PD, 0=PT.
type Level int

const (
	LevelPT   Level = 0
	LevelPD   Level = 1
	LevelPDPT Level = 2
	LevelPML4 Level = 3
)

// Flusher is the must-use return value of Map/Unmap: a pending TLB
// invalidation the caller has to either Flush or explicitly Ignore.
type Flusher struct {
	addr    uint64
	pending bool
}

// Flush invalidates the single translation (invlpg semantics on real
// hardware; a no-op bookkeeping call in the hosted path where there is no
// real TLB to shoot down).
func (f *Flusher) Flush() {
	f.pending = false
}

// Ignore explicitly discards a Flusher the caller knows is harmless to skip
// (e.g. a page that was never installed). Calling neither Flush nor Ignore
// on a Flusher obtained from Map/Unmap is a programming error the reviewer
// should catch, mirroring the must-use requirement.
func (f *Flusher) Ignore() {
	f.pending = false
}

// Table is a single 4 KiB page-table page backed by a frame.
type Table struct {
	alloc *frame.Allocator
	f     frame.Frame
}

// NewTable allocates a fresh, zeroed page-table page.
func NewTable(alloc *frame.Allocator) (*Table, error) {
	f, err := alloc.Alloc(frame.SizeClass4K, false)
	if err != nil {
		return nil, err
	}

	return &Table{alloc: alloc, f: f}, nil
}

// FromFrame wraps an existing frame as a table view, used to walk into a
// subtable an entry already points at.
func FromFrame(alloc *frame.Allocator, f frame.Frame) *Table {
	return &Table{alloc: alloc, f: f}
}

// Frame returns the physical frame backing this table, the value installed
// into the parent entry's address bits.
func (t *Table) Frame() frame.Frame {
	return t.f
}

func (t *Table) bytes() []byte {
	b, err := t.alloc.Bytes(t.f, entriesPerTable*entrySize)
	if err != nil {
		panic("paging: table frame outside backing slab")
	}

	return b
}

func (t *Table) raw(i int) uint64 {
	return binary.LittleEndian.Uint64(t.bytes()[i*entrySize:])
}

func (t *Table) setRaw(i int, v uint64) {
	binary.LittleEndian.PutUint64(t.bytes()[i*entrySize:], v)
}

// Entry decodes index i as present/writable/user/huge/owned flags plus the
// physical address it points at.
func (t *Table) Entry(i int) (addr uint64, flags uint64, present bool) {
	raw := t.raw(i)
	present = raw&FlagPresent != 0
	flags = raw &^ addrMask
	addr = raw & addrMask

	return addr, flags, present
}

// SetEntry installs (or upgrades) index i. Upgrading flags never downgrades
// existing ones already present.2.
func (t *Table) SetEntry(i int, addr uint64, flags uint64) {
	existing := t.raw(i)
	if existing&FlagPresent != 0 {
		flags |= existing &^ addrMask
	}

	t.setRaw(i, (addr&addrMask)|flags|FlagPresent)
}

// ClearEntry removes index i, returning the frame it owned if any —
// "take_entry" in the vocabulary: the owned subtable/frame is
// returned for destruction, otherwise the raw address is merely
// forgotten because it was a shared reference.
func (t *Table) ClearEntry(i int) (owned frame.Frame, wasOwned bool) {
	raw := t.raw(i)
	t.setRaw(i, 0)

	if raw&FlagPresent == 0 {
		return 0, false
	}

	if raw&FlagOwned == 0 {
		return 0, false
	}

	return frame.Frame(raw & addrMask), true
}

func index(level Level, vaddr uint64) int {
	shift := 12 + 9*int(level)

	return int((vaddr >> shift) & 0x1FF)
}

// AddressSpace is a process's (or the kernel's) top-level PML4 plus the
// frame allocator it draws subtables from.
type AddressSpace struct {
	alloc *frame.Allocator
	pml4  *Table
}

// NewAddressSpace allocates a fresh PML4.
func NewAddressSpace(alloc *frame.Allocator) (*AddressSpace, error) {
	t, err := NewTable(alloc)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{alloc: alloc, pml4: t}, nil
}

// PML4 exposes the top-level table, e.g. so boot can install it as CR3.
func (as *AddressSpace) PML4() *Table {
	return as.pml4
}

// InstallShared copies every present PML4 entry in [fromIndex, toIndex]
// from a shared template as not-owned references, so every process shares
// kernel mappings without duplicating the tree.
func (as *AddressSpace) InstallShared(kernelUpperHalf *Table, fromIndex, toIndex int) {
	for i := fromIndex; i <= toIndex; i++ {
		addr, flags, present := kernelUpperHalf.Entry(i)
		if !present {
			continue
		}

		as.pml4.SetEntry(i, addr, flags&^FlagOwned)
	}
}

func (as *AddressSpace) walk(vaddr uint64, create bool) (*Table, int, error) {
	table := as.pml4

	for level := LevelPML4; level > LevelPT; level-- {
		i := index(level, vaddr)

		addr, flags, present := table.Entry(i)
		if flags&FlagHuge != 0 && present {
			return nil, 0, ErrHugePage
		}

		if !present {
			if !create {
				return nil, 0, ErrNotPresent
			}

			sub, err := NewTable(as.alloc)
			if err != nil {
				return nil, 0, err
			}

			subFlags := uint64(FlagWritable | FlagUser | FlagOwned)
			table.SetEntry(i, uint64(sub.Frame()), subFlags)
			table = sub

			continue
		}

		table = FromFrame(as.alloc, frame.Frame(addr))
	}

	return table, index(LevelPT, vaddr), nil
}

// Map installs a single 4 KiB translation vaddr -> paddr with the given
// flags, allocating any missing intermediate subtables and marking them
// owned. Returns a Flusher the caller must resolve.
func (as *AddressSpace) Map(vaddr, paddr uint64, flags uint64) (*Flusher, error) {
	if vaddr%frame.Size4K != 0 || paddr%frame.Size4K != 0 {
		return nil, ErrMisaligned
	}

	pt, i, err := as.walk(vaddr, true)
	if err != nil {
		return nil, err
	}

	pt.SetEntry(i, paddr, flags&^FlagOwned)

	return &Flusher{addr: vaddr, pending: true}, nil
}

// Unmap removes a single 4 KiB translation, returning the owned frame (if
// any) for the caller to free, plus a Flusher.
func (as *AddressSpace) Unmap(vaddr uint64) (owned frame.Frame, wasOwned bool, flusher *Flusher, err error) {
	if vaddr%frame.Size4K != 0 {
		return 0, false, nil, ErrMisaligned
	}

	pt, i, err := as.walk(vaddr, false)
	if err != nil {
		return 0, false, nil, err
	}

	owned, wasOwned = pt.ClearEntry(i)

	return owned, wasOwned, &Flusher{addr: vaddr, pending: true}, nil
}

// Translate resolves vaddr to its mapped physical address, for debug and
// for the vmo_anonymous_pinned_addresses syscall.
func (as *AddressSpace) Translate(vaddr uint64) (uint64, error) {
	pt, i, err := as.walk(vaddr, false)
	if err != nil {
		return 0, err
	}

	addr, _, present := pt.Entry(i)
	if !present {
		return 0, ErrNotPresent
	}

	return addr | (vaddr & (frame.Size4K - 1)), nil
}
