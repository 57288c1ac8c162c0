package chunk

import (
	"context"
	"errors"
	"sync"
)

// RecycleThreshold is the default number of files a worker chunks before it
// is retired and replaced, bounding the native tree-sitter parser's
// per-process memory growth (spec 4.2/9: "recycled every ~4,000 files").
const RecycleThreshold = 4000

// ErrWorkerRecycled is returned to any in-flight caller whose request landed
// on a worker generation that was retired mid-flight. It is retryable: the
// caller should resubmit against the new generation.
var ErrWorkerRecycled = errors.New("chunk worker recycled: retry the request")

// Worker owns a CodeChunker and transparently recycles it after
// RecycleThreshold completed chunk calls, modeled on the restartable
// request/response lifecycle of internal/daemon's client/server split and
// internal/async's background-task supervision in the teacher, but kept
// in-process: the spec requires only the recycle-after-N and
// retryable-on-recycle lifecycle contract, not OS-process isolation.
type Worker struct {
	mu        sync.Mutex
	chunker   *CodeChunker
	count     int
	threshold int
	generation uint64
}

// NewWorker creates a Worker with the default recycle threshold.
func NewWorker() *Worker {
	return NewWorkerWithThreshold(RecycleThreshold)
}

// NewWorkerWithThreshold creates a Worker that recycles its chunker every
// threshold completed requests.
func NewWorkerWithThreshold(threshold int) *Worker {
	if threshold <= 0 {
		threshold = RecycleThreshold
	}
	return &Worker{
		chunker:   NewCodeChunker(),
		threshold: threshold,
	}
}

// Chunk runs a chunk request against the current chunker generation,
// recycling to a fresh chunker as soon as the call that reaches the
// threshold completes, so the next request is served by the fresh
// generation. A request still in flight on the retired generation is
// rejected with ErrWorkerRecycled so the caller can resubmit against the
// fresh generation rather than silently losing the file.
func (w *Worker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	w.mu.Lock()
	if w.count >= w.threshold {
		old := w.chunker
		w.chunker = NewCodeChunker()
		w.count = 0
		w.generation++
		w.mu.Unlock()
		if old != nil {
			old.Close()
		}
		return nil, ErrWorkerRecycled
	}
	chunker := w.chunker
	gen := w.generation
	w.mu.Unlock()

	chunks, err := chunker.Chunk(ctx, file)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.generation != gen {
		// Recycled while this request was in flight: the caller's result
		// came from a retired generation and must be treated as lost.
		return nil, ErrWorkerRecycled
	}
	w.count++
	if w.count >= w.threshold {
		old := w.chunker
		w.chunker = NewCodeChunker()
		w.count = 0
		w.generation++
		go old.Close()
	}
	return chunks, err
}

// ProcessedCount returns the number of files chunked by the current
// generation, for observability.
func (w *Worker) ProcessedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close releases the current chunker generation's resources.
func (w *Worker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chunker != nil {
		w.chunker.Close()
	}
}
