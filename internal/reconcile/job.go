package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job runs a Checker on a cron schedule (with a seconds field).
type Job struct {
	checker *Checker
	cron    *cron.Cron
	timeout time.Duration
	log     *slog.Logger
}

// NewJob schedules checker with spec, e.g. "0 */5 * * * *".
func NewJob(checker *Checker, spec string, timeout time.Duration, logger *slog.Logger) (*Job, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	j := &Job{
		checker: checker,
		cron:    cron.New(cron.WithSeconds()),
		timeout: timeout,
		log:     logger,
	}
	if _, err := j.cron.AddFunc(spec, j.runOnce); err != nil {
		return nil, fmt.Errorf("schedule reconciliation %q: %w", spec, err)
	}
	return j, nil
}

func (j *Job) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.checker.Run(ctx); err != nil {
		j.log.Error("reconciliation run failed", "err", err)
	}
}

// Start begins running the schedule in the background.
func (j *Job) Start() {
	j.cron.Start()
	j.log.Info("reconciliation job started")
}

// Stop stops the schedule and waits for a running check to finish.
func (j *Job) Stop() {
	<-j.cron.Stop().Done()
}
