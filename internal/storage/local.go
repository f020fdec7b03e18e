package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata/strata/pkg/types"
)

// Storage classes reported by LocalStorage.
const (
	LocalClassStandard = "STANDARD"
	LocalClassArchive  = "GLACIER"
)

// localRestore is the simulated state of one restore.
type localRestore struct {
	handle      string
	tier        types.RestoreTier
	days        int
	requestedAt time.Time
	completedAt *time.Time
}

// LocalStorage implements ObjectStorage using the local filesystem.
// It simulates the archive tier in memory: objects moved with Archive refuse reads
// until a restore started through InitiateRestore completes.
// This is primarily used for testing and development.
type LocalStorage struct {
	basePath string

	mu           sync.RWMutex
	etags        map[string]string
	archived     map[string]bool
	restores     map[string]*localRestore
	restoreDelay time.Duration
	now          func() time.Time
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		etags:    make(map[string]string),
		archived: make(map[string]bool),
		restores: make(map[string]*localRestore),
		now:      time.Now,
	}, nil
}

// SetRestoreDelay sets how long a simulated restore stays pending. Zero completes a
// restore on its first poll.
func (l *LocalStorage) SetRestoreDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restoreDelay = d
}

// SetClock replaces the time source used for simulated restores.
func (l *LocalStorage) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Put writes the object atomically through a temp file and records its ETag.
func (l *LocalStorage) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	destPath, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), body); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	l.mu.Lock()
	l.etags[key] = hex.EncodeToString(hash.Sum(nil))
	delete(l.archived, key)
	delete(l.restores, key)
	l.mu.Unlock()

	return nil
}

// GetStream opens the object for reading.
func (l *LocalStorage) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	readable := l.readableLocked(key)
	l.mu.RUnlock()
	if !readable {
		return nil, ErrObjectArchived
	}

	path, err := l.fullPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return f, nil
}

// Head returns the object's size, ETag and simulated storage class.
func (l *LocalStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := l.fullPath(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	class := LocalClassStandard
	if l.archived[key] {
		class = LocalClassArchive
	}
	return &ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ETag:         l.etags[key],
		StorageClass: class,
		LastModified: stat.ModTime(),
	}, nil
}

// Archive moves an object into the simulated archive tier, the way a bucket
// lifecycle rule would.
func (l *LocalStorage) Archive(key string) error {
	path, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrObjectNotFound
		}
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archived[key] = true
	delete(l.restores, key)
	return nil
}

// InitiateRestore starts a simulated restore. Restoring an object that is not
// archived succeeds immediately.
func (l *LocalStorage) InitiateRestore(ctx context.Context, key string, tier types.RestoreTier, days int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if days < 1 {
		return "", fmt.Errorf("%w: days must be positive", ErrRestoreFailed)
	}
	path, err := l.fullPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.restores[key]; ok && r.completedAt == nil {
		// Mirrors S3 answering RestoreAlreadyInProgress: the running restore wins.
		return r.handle, nil
	}
	r := &localRestore{
		handle:      "local-restore-" + uuid.NewString(),
		tier:        tier,
		days:        days,
		requestedAt: l.now(),
	}
	l.restores[key] = r
	return r.handle, nil
}

// PollRestore advances the simulated restore according to the restore delay.
func (l *LocalStorage) PollRestore(ctx context.Context, key, handle string) (*RestoreStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.restores[key]
	if !ok || r.handle != handle {
		return &RestoreStatus{State: RestoreAbsent}, nil
	}
	now := l.now()
	if r.completedAt == nil && now.Sub(r.requestedAt) >= l.restoreDelay {
		r.completedAt = &now
	}
	if r.completedAt == nil {
		return &RestoreStatus{State: RestorePending}, nil
	}
	expires := r.completedAt.Add(time.Duration(r.days) * 24 * time.Hour)
	if !now.Before(expires) {
		delete(l.restores, key)
		return &RestoreStatus{State: RestoreAbsent}, nil
	}
	return &RestoreStatus{State: RestoreDone, ExpiresAt: &expires}, nil
}

// readableLocked reports whether reads of key are allowed. Caller holds l.mu.
func (l *LocalStorage) readableLocked(key string) bool {
	if !l.archived[key] {
		return true
	}
	r, ok := l.restores[key]
	if !ok || r.completedAt == nil {
		return false
	}
	return l.now().Before(r.completedAt.Add(time.Duration(r.days) * 24 * time.Hour))
}

// Delete removes an object from local storage.
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := l.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			// S3 Delete is idempotent, so we don't return an error
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	l.mu.Lock()
	delete(l.etags, key)
	delete(l.archived, key)
	delete(l.restores, key)
	l.mu.Unlock()

	return nil
}

// List returns all object keys under the given prefix, using forward slashes.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := l.basePath
	if prefix != "" {
		var err error
		if root, err = l.fullPath(prefix); err != nil {
			return nil, err
		}
	}

	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // prefix doesn't exist, return empty list
			}
			return err
		}
		if info.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ETag returns the recorded ETag for an object.
func (l *LocalStorage) ETag(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	etag, exists := l.etags[key]
	return etag, exists
}

// fullPath returns the full filesystem path for an object. Keys that would
// leave the base directory are refused.
func (l *LocalStorage) fullPath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.basePath, rel), nil
}
