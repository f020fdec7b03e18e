package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata/strata/pkg/types"
)

func TestLocalStorage_PutGet(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	content := []byte("hello world")
	if err := store.Put(ctx, "archives/acme/2024/01/01/events.jsonl.gz", bytes.NewReader(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	rc, err := store.GetStream(ctx, "archives/acme/2024/01/01/events.jsonl.gz")
	if err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	info, err := store.Head(ctx, "archives/acme/2024/01/01/events.jsonl.gz")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", info.Size, len(content))
	}
	if info.StorageClass != LocalClassStandard {
		t.Errorf("class: got %s, want %s", info.StorageClass, LocalClassStandard)
	}
	if etag, ok := store.ETag("archives/acme/2024/01/01/events.jsonl.gz"); !ok || etag != info.ETag {
		t.Errorf("etag mismatch: %q vs %q", etag, info.ETag)
	}
}

func TestLocalStorage_Missing(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	if _, err := store.GetStream(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("GetStream: expected ErrObjectNotFound, got %v", err)
	}
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Head: expected ErrObjectNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "nope"); err != nil {
		t.Errorf("Delete of missing key should succeed, got %v", err)
	}
}

func TestLocalStorage_ListAndDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	keys := []string{
		"archives/acme/2024/01/01/events.jsonl.gz",
		"archives/acme/2024/01/02/events.jsonl.gz",
		"archives/globex/2024/01/01/events.jsonl.gz",
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, bytes.NewReader([]byte(k))); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	listed, err := store.List(ctx, "archives/acme/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 keys under acme, got %v", listed)
	}

	if err := store.Delete(ctx, keys[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	listed, err = store.List(ctx, "archives/acme/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 1 || listed[0] != keys[1] {
		t.Errorf("after delete: got %v", listed)
	}

	if listed, _ := store.List(ctx, "archives/initech/"); len(listed) != 0 {
		t.Errorf("expected no keys for unknown prefix, got %v", listed)
	}
}

func TestLocalStorage_ArchiveAndRestore(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	store.SetRestoreDelay(time.Hour)

	key := "archives/acme/2024/01/01/events.jsonl.gz"
	if err := store.Put(ctx, key, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Archive(key); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	if _, err := store.GetStream(ctx, key); !errors.Is(err, ErrObjectArchived) {
		t.Fatalf("expected ErrObjectArchived, got %v", err)
	}
	info, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.StorageClass != LocalClassArchive {
		t.Errorf("class: got %s, want %s", info.StorageClass, LocalClassArchive)
	}

	handle, err := store.InitiateRestore(ctx, key, types.TierStandard, 2)
	if err != nil {
		t.Fatalf("InitiateRestore failed: %v", err)
	}
	again, err := store.InitiateRestore(ctx, key, types.TierStandard, 2)
	if err != nil {
		t.Fatalf("second InitiateRestore failed: %v", err)
	}
	if again != handle {
		t.Errorf("in-flight restore should keep its handle: %s vs %s", again, handle)
	}

	status, err := store.PollRestore(ctx, key, handle)
	if err != nil {
		t.Fatalf("PollRestore failed: %v", err)
	}
	if status.State != RestorePending {
		t.Fatalf("expected pending, got %s", status.State)
	}

	now = now.Add(time.Hour)
	status, err = store.PollRestore(ctx, key, handle)
	if err != nil {
		t.Fatalf("PollRestore failed: %v", err)
	}
	if status.State != RestoreDone || status.ExpiresAt == nil {
		t.Fatalf("expected done with expiry, got %+v", status)
	}
	if want := now.Add(48 * time.Hour); !status.ExpiresAt.Equal(want) {
		t.Errorf("expiry: got %v, want %v", status.ExpiresAt, want)
	}

	rc, err := store.GetStream(ctx, key)
	if err != nil {
		t.Fatalf("GetStream after restore failed: %v", err)
	}
	rc.Close()

	now = now.Add(49 * time.Hour)
	if _, err := store.GetStream(ctx, key); !errors.Is(err, ErrObjectArchived) {
		t.Errorf("expected ErrObjectArchived after expiry, got %v", err)
	}
	status, err = store.PollRestore(ctx, key, handle)
	if err != nil {
		t.Fatalf("PollRestore failed: %v", err)
	}
	if status.State != RestoreAbsent {
		t.Errorf("expected absent after expiry, got %s", status.State)
	}
}

func TestLocalStorage_UnknownHandle(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	key := "archives/acme/2024/01/01/events.jsonl.gz"
	if err := store.Put(ctx, key, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	status, err := store.PollRestore(ctx, key, "bogus")
	if err != nil {
		t.Fatalf("PollRestore failed: %v", err)
	}
	if status.State != RestoreAbsent {
		t.Errorf("expected absent, got %s", status.State)
	}
	if _, err := store.InitiateRestore(ctx, "missing", types.TierBulk, 1); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
	if _, err := store.InitiateRestore(ctx, key, types.TierBulk, 0); !errors.Is(err, ErrRestoreFailed) {
		t.Errorf("expected ErrRestoreFailed for zero days, got %v", err)
	}
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	parent := t.TempDir()
	store, err := NewLocalStorage(filepath.Join(parent, "objects"))
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"archives/../../escaped", "../escaped", "/tmp/escaped", ""} {
		if err := store.Put(ctx, key, bytes.NewReader([]byte("x"))); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := store.GetStream(ctx, key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("GetStream(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped")); !os.IsNotExist(err) {
		t.Errorf("object written outside the storage root: %v", err)
	}
	if _, err := store.List(ctx, "../"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("List(../): expected ErrInvalidKey, got %v", err)
	}
}
