package cron

import (
	"context"
	"time"
)

// JobFunc is the work of a maintenance job.
type JobFunc func(ctx context.Context) error

// Job is a named maintenance task on a schedule.
type Job struct {
	Name     string
	Schedule string // 5-field cron expression or descriptor such as "@every 1m"
	Run      JobFunc
}

// JobStatus reports the last and next execution of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}
