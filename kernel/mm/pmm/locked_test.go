package pmm

import (
	"runtime"
	"sync"
	"testing"

	"vmkernel/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockedAllocatorConcurrentAllocations(t *testing.T) {
	const (
		workers   = 8
		perWorker = 64
	)

	bitmap := newBitmapAllocator(t, workers*perWorker-1)
	bitmap.MarkFree(mm.FrameRange{First: 0, Last: workers*perWorker - 1})
	locked := NewLockedAllocator(bitmap)

	var (
		wg      sync.WaitGroup
		results [workers][]mm.Frame
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				frame, err := locked.AllocFrame()
				if err != nil {
					return
				}
				results[w] = append(results[w], frame)
				runtime.Gosched()
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[mm.Frame]bool)
	for _, frames := range results {
		for _, frame := range frames {
			assert.False(t, seen[frame], "frame %d allocated twice", frame)
			seen[frame] = true
		}
	}
	assert.Len(t, seen, workers*perWorker)

	_, err := locked.AllocFrame()
	assert.Equal(t, mm.ErrOutOfMemory, err)

	require.Nil(t, locked.FreeFrame(7))
	assert.Equal(t, ErrFrameNotAllocated, locked.FreeFrame(7))
}

func TestLockedAllocatorSwap(t *testing.T) {
	var area AreaAllocator
	require.Nil(t, area.Init(memoryMap{available(0, 0x4000)}))

	locked := NewLockedAllocator(&area)
	frame, err := locked.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(0), frame)

	bitmap := newBitmapAllocator(t, 3)
	bitmap.MarkFree(mm.FrameRange{First: 2, Last: 3})

	prev := locked.Swap(bitmap)
	assert.Equal(t, &area, prev)

	frame, err = locked.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(2), frame)
}
