package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Close()

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.AddTask(func() {
			done.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(100), done.Load())
}

func TestPoolSerializesQueue(t *testing.T) {
	// One worker drains the FIFO in enqueue order.
	p := NewWorkerPool(1)
	defer p.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		p.AddTask(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPoolClose(t *testing.T) {
	p := NewWorkerPool(2)
	var done atomic.Int32
	p.AddTask(func() { done.Add(1) })
	time.Sleep(10 * time.Millisecond)

	p.Close()
	p.Close()

	// Tasks after close are dropped, not run.
	p.AddTask(func() { done.Add(100) })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), done.Load())
}

func TestPoolDefaultCount(t *testing.T) {
	p := NewWorkerPool(0)
	defer p.Close()
	assert.Equal(t, 8, p.Count())
}
