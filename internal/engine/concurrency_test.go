package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConcurrencyController_Cap(t *testing.T) {
	c := NewConcurrencyController()

	assert.True(t, c.Acquire("def-1", 2, "r1"))
	assert.True(t, c.Acquire("def-1", 2, "r2"))
	assert.False(t, c.Acquire("def-1", 2, "r3"))
	assert.Equal(t, 2, c.Active("def-1"))

	// Other definitions are independent.
	assert.True(t, c.Acquire("def-2", 1, "r4"))

	c.Release("def-1", "r1")
	assert.True(t, c.Acquire("def-1", 2, "r3"))
}

func TestConcurrencyController_ReacquireAndFloor(t *testing.T) {
	c := NewConcurrencyController()
	assert.True(t, c.Acquire("d", 0, "r1"), "cap below one is treated as one")
	assert.False(t, c.Acquire("d", 0, "r2"))
	assert.True(t, c.Acquire("d", 1, "r1"), "already admitted")
	assert.Equal(t, 1, c.Active("d"))
}

func TestConcurrencyController_ReleasePrunes(t *testing.T) {
	c := NewConcurrencyController()
	c.Acquire("d", 3, "r1")
	c.Release("d", "r1")
	c.Release("d", "r1")
	c.Release("unknown", "x")
	assert.Equal(t, 0, c.Definitions())
}

func TestConcurrencyController_ParallelNeverExceedsCap(t *testing.T) {
	c := NewConcurrencyController()
	const maxRuns = 3

	var admitted, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i)
			if !c.Acquire("def", maxRuns, id) {
				return
			}
			n := atomic.AddInt64(&admitted, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			atomic.AddInt64(&admitted, -1)
			c.Release("def", id)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxRuns))
	assert.Equal(t, 0, c.Active("def"))
}
