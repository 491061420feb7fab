package physmem

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/blacktop/go-realm/abi"
)

var (
	// ErrExhausted is returned when no free granule is left in the arena.
	ErrExhausted = errors.New("physmem: arena exhausted")
	// ErrOutOfRange is returned for accesses outside the arena.
	ErrOutOfRange = errors.New("physmem: address out of range")
	// ErrClosed is returned once the arena has been unmapped.
	ErrClosed = errors.New("physmem: arena is closed")
)

// isGranuleAligned returns true if addr is granule-aligned (fast path)
func isGranuleAligned(addr uint64) bool {
	return addr&abi.GranuleMask == 0
}

// Arena is a window of "physical" memory starting at Base. It backs the
// granules handed to the Realm Manager and the host-visible pages (RecRun,
// parameter blocks, populate sources) the host exchanges with it.
type Arena struct {
	base uint64
	mem  []byte

	mu     sync.Mutex
	free   []uint64 // LIFO of free granule addresses
	used   map[uint64]struct{}
	closed bool
}

// New maps size bytes of anonymous memory and exposes them at physical
// address base. base and size must be granule-aligned.
func New(base uint64, size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("physmem: arena requires non-zero size")
	}
	// Prevent integer overflow vulnerabilities
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("physmem: arena too large (max %d bytes)", math.MaxInt32)
	}
	if base > math.MaxUint64-uint64(size) {
		return nil, fmt.Errorf("physmem: arena range would overflow")
	}
	if !isGranuleAligned(base) {
		return nil, fmt.Errorf("physmem: base not granule-aligned: 0x%x", base)
	}
	if !isGranuleAligned(uint64(size)) {
		return nil, fmt.Errorf("physmem: size not granule multiple: %d", size)
	}
	if unix.Getpagesize() > abi.GranuleSize && size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("physmem: size not host page multiple: %d (page size: %d)", size, unix.Getpagesize())
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("physmem: failed to map %d bytes: %w", size, err)
	}

	a := &Arena{
		base: base,
		mem:  mem,
		used: make(map[uint64]struct{}),
	}
	n := size / abi.GranuleSize
	a.free = make([]uint64, 0, n)
	// push high addresses first so allocation hands out ascending addresses
	for i := n - 1; i >= 0; i-- {
		a.free = append(a.free, base+uint64(i)*abi.GranuleSize)
	}
	return a, nil
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Contains reports whether [pa, pa+size) lies inside the arena.
func (a *Arena) Contains(pa, size uint64) bool {
	if pa < a.base || size > uint64(len(a.mem)) {
		return false
	}
	return pa-a.base <= uint64(len(a.mem))-size
}

// Alloc returns a zeroed free granule.
func (a *Arena) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	if len(a.free) == 0 {
		return 0, ErrExhausted
	}
	pa := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used[pa] = struct{}{}
	clear(a.page(pa))
	return pa, nil
}

// AllocContiguous returns n physically contiguous zeroed granules.
func (a *Arena) AllocContiguous(n int) (uint64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("physmem: invalid granule count %d", n)
	}
	if n == 1 {
		return a.Alloc()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	total := uint64(len(a.mem)) / abi.GranuleSize
	run := 0
	for i := uint64(0); i < total; i++ {
		pa := a.base + i*abi.GranuleSize
		if _, busy := a.used[pa]; busy {
			run = 0
			continue
		}
		run++
		if run == n {
			start := pa - uint64(n-1)*abi.GranuleSize
			for j := 0; j < n; j++ {
				g := start + uint64(j)*abi.GranuleSize
				a.used[g] = struct{}{}
				clear(a.page(g))
			}
			a.rebuildFree()
			return start, nil
		}
	}
	return 0, ErrExhausted
}

// rebuildFree recomputes the free list from the used set. Called with mu held.
func (a *Arena) rebuildFree() {
	a.free = a.free[:0]
	total := len(a.mem) / abi.GranuleSize
	for i := total - 1; i >= 0; i-- {
		pa := a.base + uint64(i)*abi.GranuleSize
		if _, busy := a.used[pa]; !busy {
			a.free = append(a.free, pa)
		}
	}
}

// Free returns a granule to the arena.
func (a *Arena) Free(pa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !isGranuleAligned(pa) {
		return fmt.Errorf("physmem: free of unaligned address 0x%x", pa)
	}
	if _, ok := a.used[pa]; !ok {
		return fmt.Errorf("physmem: double free of granule 0x%x", pa)
	}
	delete(a.used, pa)
	a.free = append(a.free, pa)
	return nil
}

// Available returns the number of free granules.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// ReadAt copies len(b) bytes at physical address pa into b.
func (a *Arena) ReadAt(b []byte, pa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, err := a.slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// WriteAt copies b to physical address pa.
func (a *Arena) WriteAt(b []byte, pa uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dst, err := a.slice(pa, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Zero clears size bytes at pa.
func (a *Arena) Zero(pa, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dst, err := a.slice(pa, size)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

// Close unmaps the arena.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if err := unix.Munmap(a.mem); err != nil {
		return fmt.Errorf("physmem: failed to unmap arena: %w", err)
	}
	a.closed = true
	a.mem = nil
	return nil
}

// slice is called with mu held.
func (a *Arena) slice(pa, size uint64) ([]byte, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if !a.Contains(pa, size) {
		return nil, fmt.Errorf("%w: 0x%x+%d", ErrOutOfRange, pa, size)
	}
	off := pa - a.base
	return a.mem[off : off+size], nil
}

func (a *Arena) page(pa uint64) []byte {
	off := pa - a.base
	return a.mem[off : off+abi.GranuleSize]
}
