package chunk

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_ChunksNormally(t *testing.T) {
	w := NewWorker()
	defer w.Close()

	chunks, err := w.Chunk(context.Background(), &FileInput{
		Path:     "a.go",
		Content:  []byte("package a\n\nfunc F() {}\n"),
		Language: "go",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
}

func TestWorker_RecyclesAtThreshold(t *testing.T) {
	w := NewWorkerWithThreshold(2)
	defer w.Close()

	file := &FileInput{Path: "a.go", Content: []byte("package a\n\nfunc F() {}\n"), Language: "go"}

	_, err := w.Chunk(context.Background(), file)
	require.NoError(t, err)
	_, err = w.Chunk(context.Background(), file)
	require.NoError(t, err)

	// The second call reaches the threshold: the worker retires that
	// generation as the call completes and starts counting afresh.
	require.Equal(t, 0, w.ProcessedCount())

	// The fresh generation serves the next call normally.
	chunks, err := w.Chunk(context.Background(), file)
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)
	assert.Equal(t, 1, w.ProcessedCount())
}

func TestWorker_RecycleIsRetryable(t *testing.T) {
	w := NewWorkerWithThreshold(1)
	defer w.Close()

	file := &FileInput{Path: "a.go", Content: []byte("package a\n\nfunc F() {}\n"), Language: "go"}

	_, err := w.Chunk(context.Background(), file)
	require.NoError(t, err)

	for attempt := 0; attempt < 5; attempt++ {
		chunks, err := w.Chunk(context.Background(), file)
		if err == nil {
			assert.NotEmpty(t, chunks)
			return
		}
		require.True(t, errors.Is(err, ErrWorkerRecycled), fmt.Sprintf("attempt %d: %v", attempt, err))
	}
	t.Fatal("request never succeeded after recycle")
}
