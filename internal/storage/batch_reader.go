package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchReader streams several objects in parallel with a bounded number of open
// reads.
type BatchReader struct {
	storage     ObjectStorage
	concurrency int
}

// NewBatchReader creates a batch reader. A concurrency below one reads one
// object at a time.
func NewBatchReader(storage ObjectStorage, concurrency int) *BatchReader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchReader{storage: storage, concurrency: concurrency}
}

// ReadAll opens every key and passes its body to fn. fn may run concurrently for
// different keys. The result maps each failed key to its error; open failures
// wrap the storage error, so errors.Is(err, ErrObjectArchived) still works.
func (b *BatchReader) ReadAll(ctx context.Context, keys []string, fn func(key string, body io.Reader) error) map[string]error {
	errs := make(map[string]error)
	var mu sync.Mutex
	fail := func(key string, err error) {
		mu.Lock()
		errs[key] = err
		mu.Unlock()
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(key, fmt.Errorf("semaphore acquire failed: %w", err))
			continue
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			rc, err := b.storage.GetStream(ctx, key)
			if err != nil {
				fail(key, fmt.Errorf("open %s: %w", key, err))
				return
			}
			defer rc.Close()
			if err := fn(key, rc); err != nil {
				fail(key, err)
			}
		}(key)
	}
	wg.Wait()
	return errs
}
