package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBatchReader_ReadAll(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	keys := []string{"a/1", "a/2", "a/3", "a/4", "a/5", "a/6"}
	for _, k := range keys {
		if err := store.Put(ctx, k, bytes.NewReader([]byte("body of "+k))); err != nil {
			t.Fatalf("Put(%s) failed: %v", k, err)
		}
	}

	var mu sync.Mutex
	got := make(map[string]string)
	var running, peak int32
	errs := NewBatchReader(store, 2).ReadAll(ctx, keys, func(key string, body io.Reader) error {
		n := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		mu.Lock()
		got[key] = string(b)
		mu.Unlock()
		return nil
	})

	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	for _, k := range keys {
		if got[k] != "body of "+k {
			t.Errorf("key %s: got %q", k, got[k])
		}
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent reads, saw %d", peak)
	}
}

func TestBatchReader_Errors(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	if err := store.Put(ctx, "cold", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	if err := store.Archive("cold"); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "bad", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	errs := NewBatchReader(store, 0).ReadAll(ctx, []string{"missing", "cold", "bad"}, func(key string, _ io.Reader) error {
		if key == "bad" {
			return boom
		}
		return nil
	})

	if !errors.Is(errs["missing"], ErrObjectNotFound) {
		t.Errorf("missing: expected ErrObjectNotFound, got %v", errs["missing"])
	}
	if !errors.Is(errs["cold"], ErrObjectArchived) {
		t.Errorf("cold: expected ErrObjectArchived, got %v", errs["cold"])
	}
	if !errors.Is(errs["bad"], boom) {
		t.Errorf("bad: expected callback error, got %v", errs["bad"])
	}
}
