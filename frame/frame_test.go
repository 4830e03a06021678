package frame_test

import (
	"errors"
	"testing"

	"github.com/kvmkernel/kernel/frame"
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

func TestAllocReturnsZeroedFrame(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t)

	f, err := a.Alloc(frame.SizeClass4K, false)
	if err != nil {
		t.Fatal(err)
	}

	b, err := a.Bytes(f, frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	b[0] = 0xAB

	f2, err := a.Alloc(frame.SizeClass4K, false)
	if err != nil {
		t.Fatal(err)
	}

	b2, err := a.Bytes(f2, frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("byte %d of freshly allocated frame = %x, want 0", i, v)
		}
	}
}

func TestFreeThenRealloc(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t)

	f, err := a.Alloc(frame.SizeClass4K, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Free(f); err != nil {
		t.Fatal(err)
	}

	if err := a.Free(f); !errors.Is(err, frame.ErrDoubleFree) {
		t.Errorf("second Free = %v, want ErrDoubleFree", err)
	}
}

func TestAllocContiguous(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t)

	f, err := a.AllocContiguous(4, false)
	if err != nil {
		t.Fatal(err)
	}

	b, err := a.Bytes(f, 4*frame.Size4K)
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != 4*frame.Size4K {
		t.Errorf("got %d contiguous bytes, want %d", len(b), 4*frame.Size4K)
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	t.Parallel()

	a, err := frame.New(1<<20, []frame.MemoryMapEntry{
		{PhysicalStart: 0, NumberOfPages: (1 << 20) / frame.Size4K},
	})
	if err != nil {
		t.Fatal(err)
	}

	for {
		if _, err := a.Alloc(frame.SizeClass4K, false); err != nil {
			if !errors.Is(err, frame.ErrOutOfMemory) {
				t.Fatalf("got %v, want ErrOutOfMemory", err)
			}

			break
		}
	}
}

func TestBytesOutOfRange(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t)

	if _, err := a.Bytes(frame.Frame(1<<30), frame.Size4K); !errors.Is(err, frame.ErrOutOfRange) {
		t.Errorf("got %v, want ErrOutOfRange", err)
	}
}

func TestFreeUnalignedFrame(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t)

	if err := a.Free(frame.Frame(1)); !errors.Is(err, frame.ErrUnalignedFrame) {
		t.Errorf("got %v, want ErrUnalignedFrame", err)
	}
}

func TestFirstMegabyteReserved(t *testing.T) {
	t.Parallel()

	a, err := frame.New(2<<20, []frame.MemoryMapEntry{
		{PhysicalStart: 0, NumberOfPages: (2 << 20) / frame.Size4K},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 256; i++ { // 1 MiB / 4 KiB
		f, err := a.Alloc(frame.SizeClass4K, false)
		if err != nil {
			t.Fatal(err)
		}

		if f < 0x100000 {
			t.Fatalf("allocator handed out frame %#x below the first usable megabyte", f)
		}
	}
}
