package physmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blacktop/go-realm/abi"
)

const testBase = 0x4000_0000

func newArena(t *testing.T, granules int) *Arena {
	t.Helper()
	a, err := New(testBase, granules*abi.GranuleSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		base uint64
		size int
	}{
		{name: "zero size", base: testBase, size: 0},
		{name: "negative size", base: testBase, size: -abi.GranuleSize},
		{name: "unaligned base", base: testBase + 0x800, size: abi.GranuleSize},
		{name: "unaligned size", base: testBase, size: abi.GranuleSize + 1},
		{name: "overflow", base: ^uint64(0) &^ abi.GranuleMask, size: 2 * abi.GranuleSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a, err := New(tt.base, tt.size); err == nil {
				a.Close()
				t.Errorf("New(0x%x, %d) succeeded", tt.base, tt.size)
			}
		})
	}
}

func TestAllocFree(t *testing.T) {
	a := newArena(t, 4)
	if got := a.Available(); got != 4 {
		t.Fatalf("Available() = %d, want 4", got)
	}

	var pages []uint64
	for i := 0; i < 4; i++ {
		pa, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if want := testBase + uint64(i)*abi.GranuleSize; pa != want {
			t.Errorf("Alloc #%d = 0x%x, want 0x%x", i, pa, want)
		}
		pages = append(pages, pa)
	}
	if _, err := a.Alloc(); !errors.Is(err, ErrExhausted) {
		t.Errorf("Alloc on a full arena = %v, want ErrExhausted", err)
	}

	if err := a.WriteAt([]byte{1, 2, 3}, pages[1]); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(pages[1]); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := a.Free(pages[1]); err == nil {
		t.Error("double free succeeded")
	}
	if err := a.Free(pages[0] + 8); err == nil {
		t.Error("unaligned free succeeded")
	}

	pa, err := a.Alloc()
	if err != nil || pa != pages[1] {
		t.Fatalf("Alloc after free = 0x%x, %v; want 0x%x", pa, err, pages[1])
	}
	got := make([]byte, 3)
	if err := a.ReadAt(got, pa); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, 3)) {
		t.Errorf("reallocated granule not zeroed: %v", got)
	}
}

func TestAllocContiguous(t *testing.T) {
	a := newArena(t, 8)
	first, _ := a.Alloc()
	second, _ := a.Alloc()
	if err := a.Free(first); err != nil {
		t.Fatal(err)
	}

	// granule 0 is free but isolated by granule 1
	pa, err := a.AllocContiguous(3)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	if want := second + abi.GranuleSize; pa != want {
		t.Errorf("AllocContiguous(3) = 0x%x, want 0x%x", pa, want)
	}
	if got := a.Available(); got != 4 {
		t.Errorf("Available() = %d, want 4", got)
	}
	if _, err := a.AllocContiguous(4); !errors.Is(err, ErrExhausted) {
		t.Errorf("AllocContiguous(4) = %v, want ErrExhausted", err)
	}
	if _, err := a.AllocContiguous(0); err == nil {
		t.Error("AllocContiguous(0) succeeded")
	}
	// the rebuilt free list still hands out granule 0 first
	if got, _ := a.Alloc(); got != first {
		t.Errorf("Alloc = 0x%x, want 0x%x", got, first)
	}
}

func TestAccessBounds(t *testing.T) {
	a := newArena(t, 2)
	end := uint64(testBase + 2*abi.GranuleSize)

	tests := []struct {
		name string
		pa   uint64
		size int
		ok   bool
	}{
		{name: "start", pa: testBase, size: 8, ok: true},
		{name: "last byte", pa: end - 1, size: 1, ok: true},
		{name: "whole arena", pa: testBase, size: 2 * abi.GranuleSize, ok: true},
		{name: "below", pa: testBase - 1, size: 1},
		{name: "past end", pa: end - 4, size: 8},
		{name: "at end", pa: end, size: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.WriteAt(make([]byte, tt.size), tt.pa)
			if tt.ok && err != nil {
				t.Errorf("WriteAt: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrOutOfRange) {
				t.Errorf("WriteAt = %v, want ErrOutOfRange", err)
			}
		})
	}

	if err := a.Zero(testBase, abi.GranuleSize); err != nil {
		t.Errorf("Zero: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := a.Alloc(); !errors.Is(err, ErrClosed) {
		t.Errorf("Alloc after Close = %v, want ErrClosed", err)
	}
	if err := a.ReadAt(make([]byte, 1), testBase); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadAt after Close = %v, want ErrClosed", err)
	}
}

func TestCache(t *testing.T) {
	a := newArena(t, 4)
	c := NewCache(a)

	if _, err := c.Take(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Take on an empty cache = %v, want ErrExhausted", err)
	}
	if err := c.TopUp(3); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 || a.Available() != 1 {
		t.Errorf("after TopUp(3): cache %d, arena %d", c.Len(), a.Available())
	}
	if err := c.TopUp(2); err != nil || c.Len() != 3 {
		t.Errorf("TopUp below the current size changed the cache: %d, %v", c.Len(), err)
	}

	pa, err := c.Take()
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 || a.Available() != 1 {
		t.Errorf("Take allocated from the arena")
	}
	c.Put(pa)

	if err := c.TopUp(6); !errors.Is(err, ErrExhausted) {
		t.Errorf("TopUp past the arena = %v, want ErrExhausted", err)
	}
	if err := c.Release(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 || a.Available() != 4 {
		t.Errorf("after Release: cache %d, arena %d", c.Len(), a.Available())
	}
	if c.Arena() != a {
		t.Error("Arena() returned a different arena")
	}
}
