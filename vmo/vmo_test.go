package vmo_test

import (
	"errors"
	"testing"

	"github.com/kvmkernel/kernel/frame"
	"github.com/kvmkernel/kernel/paging"
	"github.com/kvmkernel/kernel/vmo"
)

func newTestAllocator(t *testing.T) *frame.Allocator {
	t.Helper()

	a, err := frame.New(16<<20, []frame.MemoryMapEntry{
		{PhysicalStart: 0, NumberOfPages: (16 << 20) / frame.Size4K},
	})
	if err != nil {
		t.Fatalf("frame.New: %v", err)
	}

	return a
}

func newTestRegion(t *testing.T, alloc *frame.Allocator) *vmo.Region {
	t.Helper()

	as, err := paging.NewAddressSpace(alloc)
	if err != nil {
		t.Fatalf("paging.NewAddressSpace: %v", err)
	}

	return vmo.NewRegion(as, 0x1000, 1<<30)
}

func TestLazyAnonymousZeroFillsOnFault(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	v, err := vmo.NewAnonymous(alloc, frame.Size4K, 0)
	if err != nil {
		t.Fatal(err)
	}

	base, err := region.Map(v, 0, paging.FlagWritable|paging.FlagUser)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := region.Translate(base); err == nil {
		t.Fatal("lazy anonymous page resolved before any fault")
	}

	if err := region.PageFault(base); err != nil {
		t.Fatal(err)
	}

	phys, err := region.Translate(base)
	if err != nil {
		t.Fatal(err)
	}

	buf, err := alloc.Bytes(frame.Frame(phys), frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d of newly faulted page = %x, want 0", i, b)
		}
	}
}

func TestPinnedVMOAddressesAreStableAfterMap(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	v, err := vmo.NewAnonymous(alloc, 2*frame.Size4K, vmo.FlagPinned)
	if err != nil {
		t.Fatal(err)
	}

	before, err := v.PinnedAddresses(0, 2*frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	base, err := region.Map(v, 0, paging.FlagWritable)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range before {
		got, err := region.Translate(base + uint64(i)*frame.Size4K)
		if err != nil {
			t.Fatal(err)
		}

		if got != want {
			t.Errorf("page %d maps to %#x, want pinned address %#x", i, got, want)
		}
	}
}

func TestPinnedAddressesOutsideMappingFails(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)

	v, err := vmo.NewAnonymous(alloc, frame.Size4K, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.PinnedAddresses(0, frame.Size4K); !errors.Is(err, vmo.ErrOutsideMapping) {
		t.Errorf("PinnedAddresses on a lazy VMO = %v, want ErrOutsideMapping", err)
	}
}

func TestContinuousVMOIsPhysicallyContiguous(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)

	v, err := vmo.NewAnonymous(alloc, 4*frame.Size4K, vmo.FlagContinuous)
	if err != nil {
		t.Fatal(err)
	}

	addrs, err := v.PinnedAddresses(0, 4*frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i < len(addrs); i++ {
		if addrs[i] != addrs[i-1]+frame.Size4K {
			t.Errorf("page %d addr %#x is not contiguous with page %d addr %#x", i, addrs[i], i-1, addrs[i-1])
		}
	}
}

func TestMapOverlapFails(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	v1, err := vmo.NewAnonymous(alloc, frame.Size4K, 0)
	if err != nil {
		t.Fatal(err)
	}

	v2, err := vmo.NewAnonymous(alloc, frame.Size4K, 0)
	if err != nil {
		t.Fatal(err)
	}

	base, err := region.Map(v1, 0x2000, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := region.Map(v2, base, 0); !errors.Is(err, vmo.ErrOverlap) {
		t.Errorf("overlapping Map = %v, want ErrOverlap", err)
	}
}

func TestUnmapPartialFails(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	v, err := vmo.NewAnonymous(alloc, 2*frame.Size4K, vmo.FlagPinned)
	if err != nil {
		t.Fatal(err)
	}

	base, err := region.Map(v, 0, paging.FlagWritable)
	if err != nil {
		t.Fatal(err)
	}

	if err := region.Unmap(base + frame.Size4K); !errors.Is(err, vmo.ErrPartialUnmap) {
		t.Errorf("Unmap of a sub-range = %v, want ErrPartialUnmap", err)
	}
}

func TestUnmapThenTranslateFails(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	v, err := vmo.NewAnonymous(alloc, frame.Size4K, vmo.FlagPinned)
	if err != nil {
		t.Fatal(err)
	}

	base, err := region.Map(v, 0, paging.FlagWritable)
	if err != nil {
		t.Fatal(err)
	}

	if err := region.Unmap(base); err != nil {
		t.Fatal(err)
	}

	if _, err := region.Translate(base); err == nil {
		t.Error("Translate succeeded after Unmap")
	}
}

func TestPageFaultOutsideMappingFails(t *testing.T) {
	t.Parallel()

	alloc := newTestAllocator(t)
	region := newTestRegion(t, alloc)

	if err := region.PageFault(0xdead0000); !errors.Is(err, vmo.ErrOutsideMapping) {
		t.Errorf("PageFault on unmapped address = %v, want ErrOutsideMapping", err)
	}
}
