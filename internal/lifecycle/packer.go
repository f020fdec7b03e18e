package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/strata/strata/internal/archive"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/store"
	"github.com/strata/strata/pkg/types"
)

// PackerConfig holds configuration for the archival packer.
type PackerConfig struct {
	// WorkDir holds the compressed work files while they are uploaded.
	WorkDir string

	// PageSize is the number of candidates read per store query (default: 1000).
	PageSize int

	// Codec compresses batch objects (default: gzip).
	Codec archive.Codec
}

// DefaultPackerConfig returns the default packer configuration.
func DefaultPackerConfig() PackerConfig {
	codec, _ := archive.CodecFor(archive.CodecGzip)
	return PackerConfig{
		WorkDir:  filepath.Join(os.TempDir(), "strata_packer"),
		PageSize: 1000,
		Codec:    codec,
	}
}

// Packer writes a tenant's archival candidates into one compressed batch per UTC
// day, uploads it and flips the events to archived.
type Packer struct {
	base
	config PackerConfig
}

// NewPacker creates the packer job.
func NewPacker(config PackerConfig, logger *slog.Logger, opts ...Option) *Packer {
	defaults := DefaultPackerConfig()
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.Codec == nil {
		config.Codec = defaults.Codec
	}
	if config.WorkDir == "" {
		config.WorkDir = defaults.WorkDir
	}
	return &Packer{base: newBase(JobArchivalPacker, logger, opts), config: config}
}

// Run packs every tenant of the region that has candidates.
func (p *Packer) Run(ctx context.Context, reg *region.Region) (err error) {
	ctx, span, started := p.start(ctx, reg)
	defer func() { p.finish(span, reg, started, err) }()

	tenants, err := reg.Store.EventTenants(ctx)
	if err != nil {
		return fmt.Errorf("packer: list tenants: %w", err)
	}

	var errs []error
	var batches int
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.packTenant(ctx, reg, tenant)
		batches += n
		if err != nil {
			p.logger.Error("failed to pack tenant", "region", reg.Name, "tenant", tenant, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}

	p.logger.Info("packer finished", "region", reg.Name, "tenants", len(tenants), "batches", batches)
	return errors.Join(errs...)
}

// dayGroup is the batch being written for one UTC day.
type dayGroup struct {
	day        time.Time
	writer     *archive.Writer
	ids        []string
	workspaces map[string]struct{}
	err        error
}

func (g *dayGroup) add(e *types.Event) {
	if g.err != nil {
		return
	}
	if err := g.writer.Write(e); err != nil {
		g.err = err
		return
	}
	g.ids = append(g.ids, e.ID)
	g.workspaces[e.WorkspaceID] = struct{}{}
}

// packTenant pages the tenant's candidates in (timestamp, id) order. Candidates
// arrive grouped by day, so a group is sealed as soon as the next day starts.
// A failed group leaves its events flagged for the next run.
func (p *Packer) packTenant(ctx context.Context, reg *region.Region, tenant string) (int, error) {
	var (
		after   *store.Position
		group   *dayGroup
		batches int
		errs    []error
	)
	flush := func() {
		if group == nil {
			return
		}
		done, err := p.finalize(ctx, reg, tenant, group)
		if err != nil {
			p.logger.Error("failed to archive day",
				"region", reg.Name, "tenant", tenant, "day", group.day.Format(time.DateOnly), "error", err)
			errs = append(errs, fmt.Errorf("day %s: %w", group.day.Format(time.DateOnly), err))
		} else if done {
			batches++
		}
		group = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			if group != nil {
				group.writer.Abort()
			}
			return batches, err
		}
		events, err := reg.Store.ListArchivalCandidates(ctx, tenant, after, p.config.PageSize)
		if err != nil {
			if group != nil {
				group.writer.Abort()
			}
			return batches, err
		}

		for _, e := range events {
			day := e.Day()
			if group != nil && !group.day.Equal(day) {
				flush()
			}
			if group == nil {
				w, err := archive.NewWriter(p.config.WorkDir, p.config.Codec)
				if err != nil {
					return batches, err
				}
				group = &dayGroup{day: day, writer: w, workspaces: make(map[string]struct{})}
			}
			group.add(e)
		}

		if len(events) < p.config.PageSize {
			break
		}
		pos := store.PositionOf(events[len(events)-1])
		after = &pos
	}
	flush()
	return batches, errors.Join(errs...)
}

// finalize uploads a sealed group and commits its batch row. done is false when a
// batch already existed at the chosen key and nothing was committed.
func (p *Packer) finalize(ctx context.Context, reg *region.Region, tenant string, g *dayGroup) (done bool, err error) {
	if g.err != nil {
		g.writer.Abort()
		return false, g.err
	}
	sealed, err := g.writer.Close()
	if err != nil {
		g.writer.Abort()
		return false, err
	}
	defer func() {
		if rmErr := sealed.Remove(); rmErr != nil {
			p.logger.Warn("failed to remove work file", "path", sealed.Path, "error", rmErr)
		}
	}()

	// A day that already has a finalized batch gets a new part; an object left at
	// the next key by an interrupted run has no row and is overwritten.
	part, err := reg.Store.NextBatchPart(ctx, tenant, g.day)
	if err != nil {
		return false, err
	}
	key := archive.StorageKey(tenant, g.day, part, p.config.Codec)

	f, err := sealed.Open()
	if err != nil {
		return false, fmt.Errorf("open work file: %w", err)
	}
	err = reg.Objects.Put(ctx, key, f)
	f.Close()
	if err != nil {
		return false, fmt.Errorf("upload %s: %w", key, err)
	}

	now := p.now().UTC()
	batch := &types.ArchiveBatch{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		Day:          g.day,
		Part:         part,
		StorageKey:   key,
		Codec:        sealed.Codec,
		SizeBytes:    sealed.SizeBytes,
		SHA256:       sealed.SHA256,
		RowCount:     sealed.RowCount,
		MinEventTime: sealed.MinEventTime,
		MaxEventTime: sealed.MaxEventTime,
		ActorBloom:   sealed.ActorBloom,
		CreatedAt:    now,
	}
	if len(g.workspaces) == 1 {
		for ws := range g.workspaces {
			batch.WorkspaceID = ws
		}
	}

	inserted, err := reg.Store.FinalizeBatch(ctx, batch, g.ids, now)
	if err != nil {
		return false, err
	}
	if !inserted {
		p.logger.Warn("batch already finalized, skipping", "region", reg.Name, "tenant", tenant, "key", key)
		return false, nil
	}

	p.metrics.ObserveBatch(batch.RowCount, batch.SizeBytes)
	p.logger.Info("archived batch",
		"region", reg.Name,
		"tenant", tenant,
		"key", key,
		"rows", batch.RowCount,
		"bytes", batch.SizeBytes,
	)
	return true, nil
}
