package device

import (
	"runtime"
	"sync"
)

// Context carries execution settings for the numeric kernels. One
// context per engine; safe for concurrent use.
type Context struct {
	numThreads int
}

func NewContext(threads int) *Context {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Context{numThreads: threads}
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// parallelFor splits [0, n) into contiguous chunks across the context's
// worker budget. Falls back to inline execution for small n.
func (c *Context) parallelFor(n int, fn func(start, end int)) {
	workers := c.numThreads
	if workers > n {
		workers = n
	}
	if workers <= 1 || n < 64 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
