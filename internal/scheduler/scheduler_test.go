package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strataerrors "github.com/strata/strata/internal/errors"
	"github.com/strata/strata/internal/region"
	"github.com/strata/strata/internal/storage"
	"github.com/strata/strata/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingJob appends "job@region" to a shared log on every run.
type recordingJob struct {
	name   string
	log    *[]string
	failIn string
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Run(_ context.Context, reg *region.Region) error {
	*j.log = append(*j.log, j.name+"@"+reg.Name)
	if reg.Name == j.failIn {
		return errors.New("boom")
	}
	return nil
}

func newRegistry(t *testing.T, names ...string) *region.Registry {
	t.Helper()
	var regions []*region.Region
	for _, name := range names {
		dir := t.TempDir()
		st, err := store.Open(filepath.Join(dir, "region.db"), name)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		objects, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
		require.NoError(t, err)
		regions = append(regions, &region.Region{Name: name, Store: st, Objects: objects})
	}
	reg, err := region.NewRegistry(regions...)
	require.NoError(t, err)
	return reg
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, IsDue(time.Time{}, now, Daily))
	assert.False(t, IsDue(now.Add(-23*time.Hour), now, Daily))
	assert.True(t, IsDue(now.Add(-24*time.Hour), now, Daily))
	assert.True(t, IsDue(now.Add(-5*time.Minute), now, 5*time.Minute))
	assert.False(t, IsDue(now.Add(-6*24*time.Hour), now, Weekly))
}

func TestTick_OrderAndIsolation(t *testing.T) {
	regions := newRegistry(t, "eu", "us")
	var log []string
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s, err := New(regions, []Entry{
		{Job: &recordingJob{name: "marker", log: &log, failIn: "eu"}, Every: Daily},
		{Job: &recordingJob{name: "packer", log: &log}, Every: Daily},
		{Job: &recordingJob{name: "poller", log: &log}, Every: 15 * time.Minute},
	}, discard, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	s.Tick(context.Background())
	assert.Equal(t, []string{
		"marker@eu", "marker@us",
		"packer@eu", "packer@us",
		"poller@eu", "poller@us",
	}, log)

	log = nil
	now = now.Add(15 * time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, []string{"poller@eu", "poller@us"}, log)

	status := s.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "marker", status[0].Name)
	assert.Equal(t, map[string]string{"eu": "boom"}, status[0].LastError)
	assert.Empty(t, status[1].LastError)
	require.NotNil(t, status[2].LastRun)
	assert.True(t, status[2].LastRun.Equal(now))
}

func TestRunJob(t *testing.T) {
	regions := newRegistry(t, "eu", "us")
	var log []string
	s, err := New(regions, []Entry{
		{Job: &recordingJob{name: "verifier", log: &log, failIn: "us"}, Every: Daily},
	}, discard)
	require.NoError(t, err)

	require.NoError(t, s.RunJob(context.Background(), "verifier", "eu"))
	assert.Equal(t, []string{"verifier@eu"}, log)

	assert.Error(t, s.RunJob(context.Background(), "verifier", ""))
	assert.Equal(t, []string{"verifier@eu", "verifier@eu", "verifier@us"}, log)

	err = s.RunJob(context.Background(), "nope", "")
	assert.Equal(t, strataerrors.CodeJobNotFound, strataerrors.GetCode(err))
	err = s.RunJob(context.Background(), "verifier", "ap")
	assert.Equal(t, strataerrors.CodeRegionNotFound, strataerrors.GetCode(err))

	// Operator runs do not move the schedule.
	assert.Nil(t, s.Status()[0].LastRun)
}

func TestNewRejectsBadEntries(t *testing.T) {
	regions := newRegistry(t, "eu")
	var log []string
	job := &recordingJob{name: "x", log: &log}

	_, err := New(regions, []Entry{{Job: job, Every: 0}}, discard)
	assert.Error(t, err)
	_, err = New(regions, []Entry{{Job: job, Every: Daily}, {Job: job, Every: Daily}}, discard)
	assert.Error(t, err)
}

// slowJob advances the shared clock while it runs.
type slowJob struct {
	now  *time.Time
	took time.Duration
	runs int
}

func (j *slowJob) Name() string { return "slow" }

func (j *slowJob) Run(context.Context, *region.Region) error {
	j.runs++
	*j.now = j.now.Add(j.took)
	return nil
}

func TestTick_IntervalCountsFromCompletion(t *testing.T) {
	regions := newRegistry(t, "eu")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job := &slowJob{now: &now, took: 4 * time.Minute}

	s, err := New(regions, []Entry{{Job: job, Every: 5 * time.Minute}}, discard,
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	s.Tick(context.Background())
	require.Equal(t, 1, job.runs)
	finished := now
	require.NotNil(t, s.Status()[0].LastRun)
	assert.True(t, s.Status()[0].LastRun.Equal(finished))

	now = now.Add(time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, 1, job.runs, "5m have passed since the start but only 1m since completion")

	now = finished.Add(5 * time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, 2, job.runs)
}
