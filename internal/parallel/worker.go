// Package parallel provides the worker pool used for bulk formula
// evaluation.
//
// Work is split into contiguous chunks that are fanned out to a fixed
// number of goroutines and fanned back in by index, so results keep the
// order of the input. Inputs smaller than the pool's threshold are
// processed on the calling goroutine.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// DefaultThreshold is the minimum number of items processed in parallel.
const DefaultThreshold = 1000

// WorkerPool manages a pool of goroutines for parallel processing
type WorkerPool struct {
	numWorkers int
	threshold  int
	ctx        context.Context
	cancel     context.CancelFunc
}

// Option configures a WorkerPool
type Option func(*WorkerPool)

// WithThreshold sets the minimum number of items processed in parallel.
func WithThreshold(n int) Option {
	return func(wp *WorkerPool) {
		if n > 0 {
			wp.threshold = n
		}
	}
}

// WithContext ties the pool to ctx; cancelling it stops outstanding work.
func WithContext(ctx context.Context) Option {
	return func(wp *WorkerPool) {
		wp.ctx, wp.cancel = context.WithCancel(ctx)
	}
}

// NewWorkerPool creates a new worker pool. A non-positive worker count
// uses one worker per CPU.
func NewWorkerPool(numWorkers int, opts ...Option) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	wp := &WorkerPool{
		numWorkers: numWorkers,
		threshold:  DefaultThreshold,
	}
	for _, opt := range opts {
		opt(wp)
	}
	if wp.ctx == nil {
		wp.ctx, wp.cancel = context.WithCancel(context.Background())
	}
	return wp
}

// Workers returns the number of goroutines the pool fans out to.
func (wp *WorkerPool) Workers() int {
	return wp.numWorkers
}

// Close shuts down the worker pool
func (wp *WorkerPool) Close() {
	wp.cancel()
}

// Err reports why the pool stopped, if it did.
func (wp *WorkerPool) Err() error {
	return wp.ctx.Err()
}

// ProcessIndexed applies worker to every item and returns the results in
// input order. Items the pool did not reach because it was closed keep
// the zero value of R; check Err afterwards.
func ProcessIndexed[T, R any](
	wp *WorkerPool,
	items []T,
	worker func(int, T) R,
) []R {
	if len(items) == 0 {
		return nil
	}

	results := make([]R, len(items))

	if len(items) < wp.threshold || wp.numWorkers == 1 {
		for i, item := range items {
			if wp.ctx.Err() != nil {
				break
			}
			results[i] = worker(i, item)
		}
		return results
	}

	chunkCh := make(chan chunk, wp.numWorkers)

	var wg sync.WaitGroup
	for range wp.numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range chunkCh {
				for i := c.start; i < c.end; i++ {
					if wp.ctx.Err() != nil {
						return
					}
					// Each index is written by exactly one goroutine.
					results[i] = worker(i, items[i])
				}
			}
		}()
	}

	go func() {
		defer close(chunkCh)
		for _, c := range split(len(items), wp.numWorkers) {
			select {
			case <-wp.ctx.Done():
				return
			case chunkCh <- c:
			}
		}
	}()

	wg.Wait()
	return results
}

// chunk is a half-open index range [start, end)
type chunk struct {
	start int
	end   int
}

// split divides n items into about four chunks per worker.
func split(n, workers int) []chunk {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	size := n / (workers * 4)
	if size == 0 {
		size = 1
	}

	chunks := make([]chunk, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		chunks = append(chunks, chunk{start: start, end: end})
	}
	return chunks
}
