package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/strata/strata/internal/archive"
	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/pkg/types"
)

// Verifier defaults.
const (
	DefaultVerifyBatchSize   = 100
	DefaultVerifyConcurrency = 4
)

// Verifier re-reads archive objects and compares their SHA-256 with the digest
// recorded at upload. Cold batches are skipped because they cannot be read.
type Verifier struct {
	base
	batchSize   int
	concurrency int
}

// NewVerifier creates the verifier job. batchSize batches are listed per store
// query and up to concurrency objects of a page are hashed at once.
func NewVerifier(batchSize, concurrency int, logger *slog.Logger, opts ...Option) *Verifier {
	if batchSize <= 0 {
		batchSize = DefaultVerifyBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultVerifyConcurrency
	}
	return &Verifier{
		base:        newBase(JobArchiveVerifier, logger, opts),
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// Run verifies every unverified batch of the region. A batch that fails keeps a
// null verified_at and is tried again on the next run, not on a later page of this
// one.
func (v *Verifier) Run(ctx context.Context, reg *region.Region) (err error) {
	ctx, span, started := v.start(ctx, reg)
	defer func() { v.finish(span, reg, started, err) }()

	var verified, failed int
	after := ""
	for {
		batches, err := reg.Store.ListUnverifiedBatches(ctx, after, v.batchSize)
		if err != nil {
			return fmt.Errorf("verifier: list batches: %w", err)
		}
		results := v.verifyPage(ctx, reg, batches)
		for _, b := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			if verr := results[b.StorageKey]; verr != nil {
				failed++
				v.metrics.IncVerified(verifyResult(verr))
				v.logger.Warn("archive batch failed verification",
					"region", reg.Name, "tenant", b.TenantID, "batch_id", b.ID, "key", b.StorageKey, "error", verr)
				if err := reg.Store.RecordVerificationError(ctx, b.ID, verr.Error()); err != nil {
					return err
				}
				continue
			}
			verified++
			v.metrics.IncVerified("ok")
			if err := reg.Store.MarkBatchVerified(ctx, b.ID, v.now().UTC()); err != nil {
				return err
			}
		}
		if len(batches) < v.batchSize {
			break
		}
		after = batches[len(batches)-1].ID
	}

	v.logger.Info("verifier finished", "region", reg.Name, "verified", verified, "failed", failed)
	return nil
}

// verifyPage hashes a page of batches in parallel. The result holds an error for
// every batch that failed; results are recorded by the caller in page order.
func (v *Verifier) verifyPage(ctx context.Context, reg *region.Region, batches []*types.ArchiveBatch) map[string]error {
	byKey := make(map[string]*types.ArchiveBatch, len(batches))
	keys := make([]string, 0, len(batches))
	for _, b := range batches {
		byKey[b.StorageKey] = b
		keys = append(keys, b.StorageKey)
	}

	var mu sync.Mutex
	mismatches := make(map[string]error)
	readErrs := storage.NewBatchReader(reg.Objects, v.concurrency).ReadAll(ctx, keys, func(key string, body io.Reader) error {
		if err := checkDigest(byKey[key], body); err != nil {
			mu.Lock()
			mismatches[key] = err
			mu.Unlock()
		}
		return nil
	})

	for key, err := range readErrs {
		mismatches[key] = strataerrors.NewStorageError(strataerrors.CodeDownloadFailed, "failed to download "+key, err)
	}
	return mismatches
}

func checkDigest(b *types.ArchiveBatch, body io.Reader) error {
	sum, size, err := archive.Digest(body)
	if err != nil {
		return strataerrors.NewStorageError(strataerrors.CodeDownloadFailed, "failed to read "+b.StorageKey, err)
	}
	if sum != b.SHA256 {
		return strataerrors.NewIntegrityError(strataerrors.CodeChecksumMismatch,
			fmt.Sprintf("sha256 mismatch: recorded %s, computed %s", b.SHA256, sum))
	}
	if size != b.SizeBytes {
		return strataerrors.NewIntegrityError(strataerrors.CodeChecksumMismatch,
			fmt.Sprintf("size mismatch: recorded %d, read %d", b.SizeBytes, size))
	}
	return nil
}

func verifyResult(err error) string {
	if strataerrors.GetCategory(err) == strataerrors.ErrCategoryIntegrity {
		return "mismatch"
	}
	return "error"
}
