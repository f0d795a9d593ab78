package cron

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/concierge/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"@hourly", false},
		{"@every 30s", false},
		{"0 3 * * 1-5", false},
		{"", true},
		{"   ", true},
		{"* * *", true},
		{"61 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 2, 24, 10, 7, 0, 0, time.UTC)

	next, err := NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 24, 10, 15, 0, 0, time.UTC), next)

	next, err = NextRun("@every 1m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)
}

func TestServiceAddValidation(t *testing.T) {
	svc := NewService(ServiceOptions{Logger: zerolog.Nop()})
	noop := func(context.Context) error { return nil }

	assert.Error(t, svc.Add(Job{Schedule: "@hourly", Run: noop}))
	assert.Error(t, svc.Add(Job{Name: "a", Schedule: "@hourly"}))
	assert.Error(t, svc.Add(Job{Name: "a", Schedule: "bogus", Run: noop}))

	require.NoError(t, svc.Add(Job{Name: "a", Schedule: "@hourly", Run: noop}))
	err := svc.Add(Job{Name: "a", Schedule: "@daily", Run: noop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestServiceRunNowTracksStatus(t *testing.T) {
	svc := NewService(ServiceOptions{Logger: zerolog.Nop()})

	fail := true
	require.NoError(t, svc.Add(Job{Name: "flaky", Schedule: "@hourly", Run: func(context.Context) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}}))

	err := svc.RunNow("flaky")
	require.EqualError(t, err, "boom")

	status := svc.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 1, status[0].Runs)
	assert.Equal(t, 1, status[0].Failures)
	assert.Equal(t, "boom", status[0].LastError)
	assert.False(t, status[0].LastRun.IsZero())

	fail = false
	require.NoError(t, svc.RunNow("flaky"))
	status = svc.Status()
	assert.Equal(t, 2, status[0].Runs)
	assert.Equal(t, 1, status[0].Failures)
	assert.Empty(t, status[0].LastError)

	assert.Error(t, svc.RunNow("missing"))
}

func TestServiceFiresScheduledJobs(t *testing.T) {
	svc := NewService(ServiceOptions{Logger: zerolog.Nop()})

	var runs atomic.Int32
	fired := make(chan struct{}, 1)
	require.NoError(t, svc.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}))

	svc.Start()
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	status := svc.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].NextRun.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int32(1))

	assert.Error(t, svc.Add(Job{Name: "late", Schedule: "@hourly", Run: func(context.Context) error { return nil }}))
}

func TestServiceStopCancelsRunningJob(t *testing.T) {
	svc := NewService(ServiceOptions{Logger: zerolog.Nop()})

	started := make(chan struct{})
	var jobErr error
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, svc.Add(Job{Name: "long", Schedule: "@hourly", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))

	go func() {
		defer wg.Done()
		jobErr = svc.RunNow("long")
	}()
	<-started

	require.NoError(t, svc.Stop(context.Background()))
	wg.Wait()
	assert.ErrorIs(t, jobErr, context.Canceled)
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) Sweep() int {
	f.calls++
	return 2
}

func TestSweepJob(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := SweepJob("@every 1m", sweeper, zerolog.Nop())

	assert.Equal(t, SweepJobName, job.Name)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, sweeper.calls)
}

type fakeLister struct {
	infos     []session.Info
	listErr   error
	deleteErr map[string]error
	deleted   []string
}

func (f *fakeLister) List(context.Context) ([]session.Info, error) {
	return f.infos, f.listErr
}

func (f *fakeLister) Delete(_ context.Context, id string) error {
	if err := f.deleteErr[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestPruneSessions(t *testing.T) {
	now := time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)
	lister := &fakeLister{
		infos: []session.Info{
			{ID: "fresh", UpdatedAt: now.Add(-time.Hour)},
			{ID: "stale", UpdatedAt: now.Add(-48 * time.Hour)},
			{ID: "stuck", UpdatedAt: now.Add(-72 * time.Hour)},
			{ID: "edge", UpdatedAt: now.Add(-24 * time.Hour)},
		},
		deleteErr: map[string]error{"stuck": errors.New("locked")},
	}

	pruned, err := PruneSessions(context.Background(), lister, now.Add(-24*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
	assert.Equal(t, 1, pruned)
	assert.Equal(t, []string{"stale"}, lister.deleted)
}

func TestPruneSessionsListError(t *testing.T) {
	lister := &fakeLister{listErr: errors.New("disk gone")}
	pruned, err := PruneSessions(context.Background(), lister, time.Now())
	require.Error(t, err)
	assert.Zero(t, pruned)
	assert.Contains(t, err.Error(), "list sessions")
}

func TestRetentionJob(t *testing.T) {
	lister := &fakeLister{infos: []session.Info{
		{ID: "old", UpdatedAt: time.Now().Add(-10 * 24 * time.Hour)},
		{ID: "new", UpdatedAt: time.Now()},
	}}
	job := RetentionJob("@hourly", lister, 7*24*time.Hour, zerolog.Nop())

	assert.Equal(t, RetentionJobName, job.Name)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"old"}, lister.deleted)
}
