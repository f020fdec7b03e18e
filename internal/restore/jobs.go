package restore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strata/strata/internal/region"
)

var tracer = otel.Tracer("github.com/strata/strata/internal/restore")

// Job runs one coordinator tick per region for the scheduler.
type Job struct {
	name string
	c    *Coordinator
	tick func(context.Context, *region.Region) error
}

// Initiator returns the job that starts approved restores.
func (c *Coordinator) Initiator() *Job {
	return &Job{name: JobInitiator, c: c, tick: c.InitiateTick}
}

// Poller returns the job that completes finished restores.
func (c *Coordinator) Poller() *Job {
	return &Job{name: JobPoller, c: c, tick: c.PollTick}
}

// Expirer returns the job that closes ended restore windows.
func (c *Coordinator) Expirer() *Job {
	return &Job{name: JobExpiry, c: c, tick: c.ExpireSweep}
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Run executes one tick against reg.
func (j *Job) Run(ctx context.Context, reg *region.Region) error {
	ctx, span := tracer.Start(ctx, "restore."+j.name,
		trace.WithAttributes(attribute.String("region", reg.Name)))
	defer span.End()

	start := time.Now()
	err := j.tick(ctx, reg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		j.c.logger.Error("restore tick failed", "job", j.name, "region", reg.Name, "error", err)
	}
	j.c.metrics.ObserveJob(j.name, reg.Name, err, start)
	return err
}
