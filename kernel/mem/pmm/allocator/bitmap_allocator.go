// Package allocator implements the physical frame allocator used to obtain
// page table and data frames.
package allocator

import (
	"mmutools/kernel"
	"mmutools/kernel/kfmt"
	"mmutools/kernel/mem"
	"mmutools/kernel/mem/phys"
	"mmutools/kernel/mem/pmm"
	"mmutools/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frames are left.
	ErrOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindResourceExhausted}

	// ErrInvalidFrame is returned by FreeFrame when the frame is not
	// managed by the allocator or is not currently allocated.
	ErrInvalidFrame = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not currently allocated", Kind: kernel.KindInvalidAddress}

	errNoUsableMemory = &kernel.Error{Module: "bitmap_alloc", Message: "reserved region covers all installed memory", Kind: kernel.KindArgument}
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Allocated
// frames are always zero-filled.
type BitmapAllocator struct {
	lock sync.Spinlock

	memory *phys.Memory

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates an allocator that manages the frames of memory.
// The first reservedSize bytes of physical memory (rounded up to a page) are
// never handed out; at least the first frame is always excluded so that
// physical address 0 can serve as a null value.
func NewBitmapAllocator(memory *phys.Memory, reservedSize mem.Size) (*BitmapAllocator, *kernel.Error) {
	if reservedSize < mem.PageSize {
		reservedSize = mem.PageSize
	}

	var (
		startFrame = pmm.Frame(reservedSize.Pages())
		endFrame   = pmm.Frame(memory.Size()>>mem.PageShift) - 1
	)

	if memory.Size() < mem.PageSize || startFrame > endFrame {
		return nil, errNoUsableMemory
	}

	alloc := &BitmapAllocator{memory: memory}
	alloc.addPool(startFrame, endFrame)

	kfmt.Printf("[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)

	return alloc, nil
}

// addPool registers the frame range [startFrame, endFrame] as a new pool
// with all frames free.
func (alloc *BitmapAllocator) addPool(startFrame, endFrame pmm.Frame) {
	pageCount := uint32(endFrame - startFrame + 1)

	// To represent the free page bitmap we need pageCount bits. Since our
	// slice uses uint64 for storing the bitmap we need to round up the
	// required bits so they are a multiple of 64 bits
	alloc.pools = append(alloc.pools, framePool{
		startFrame: startFrame,
		endFrame:   endFrame,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
	})
	alloc.totalPages += pageCount
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if the bitmap entry for frame is set.
func (alloc *BitmapAllocator) isReserved(poolIndex int, frame pmm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools.
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves the lowest-numbered free frame, clears its contents
// and returns it. ErrOutOfMemory is returned if every frame is in use.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for blockIndex, block := range pool.freeBitmap {
			if block == ^uint64(0) {
				continue
			}

			for bit := uint64(0); bit < 64; bit++ {
				if block&(1<<(63-bit)) != 0 {
					continue
				}

				frame := pool.startFrame + pmm.Frame(uint64(blockIndex)<<6+bit)
				// the last block may contain padding bits past endFrame
				if frame > pool.endFrame {
					break
				}

				alloc.markFrame(poolIndex, frame, markReserved)
				alloc.memory.Memset(frame.Address(), 0, mem.PageSize)
				return frame, nil
			}
		}
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. Attempting to
// release a frame outside the managed pools or one that is not currently
// allocated returns ErrInvalidFrame.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || !alloc.isReserved(poolIndex, frame) {
		return ErrInvalidFrame
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// FreeCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalPages - alloc.reservedPages
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint32 {
	return alloc.totalPages
}
