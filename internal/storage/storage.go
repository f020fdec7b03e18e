// Package storage provides the object storage abstraction the archive tier is built on.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/strata/strata/pkg/types"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectArchived = errors.New("object is archived and must be restored before read")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrRestoreFailed  = errors.New("restore failed")
	ErrInvalidKey     = errors.New("invalid object key")
)

// ObjectInfo describes a stored object without reading it.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	StorageClass string
	LastModified time.Time
}

// RestoreState is the progress of an asynchronous restore as reported by the store.
type RestoreState string

const (
	// RestorePending means the restore was accepted and has not finished.
	RestorePending RestoreState = "pending"
	// RestoreDone means the object is readable.
	RestoreDone RestoreState = "done"
	// RestoreAbsent means the store knows of no restore (or no object) for the key.
	RestoreAbsent RestoreState = "absent"
)

// RestoreStatus is the answer to a restore poll.
type RestoreStatus struct {
	State RestoreState
	// ExpiresAt is when the store will drop the restored copy, if it reports one.
	ExpiresAt *time.Time
}

// ObjectStorage abstracts the object store that holds archive batches.
// Implementations include S3 and the local filesystem for tests and development.
type ObjectStorage interface {
	// Put uploads body under key, replacing any existing object.
	// body is rewound before each retry.
	Put(ctx context.Context, key string, body io.ReadSeeker) error

	// GetStream opens the object for streaming reads. Callers must close the reader.
	// Returns ErrObjectNotFound for a missing key and ErrObjectArchived when the
	// object sits in a tier that needs a restore first.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata or ErrObjectNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// InitiateRestore asks the store to make an archived object readable for days
	// and returns a tracking handle for PollRestore.
	InitiateRestore(ctx context.Context, key string, tier types.RestoreTier, days int) (string, error)

	// PollRestore reports the progress of a restore started by InitiateRestore.
	PollRestore(ctx context.Context, key, handle string) (*RestoreStatus, error)

	// List returns all object keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
