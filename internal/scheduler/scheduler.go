// Package scheduler drives time-based work for FlowSend.
//
// Its main job is the recurring-campaign tick, scheduled with a cron
// expression (every minute by default).
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultTickExpr runs the recurring-campaign evaluation every minute.
const DefaultTickExpr = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow), panics recovered
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddCampaignTick schedules the recurring-campaign evaluation. tick is called
// on the schedule; errors are logged, never fatal, since the next tick
// retries the same work.
func (s *Scheduler) AddCampaignTick(expr string, tick func() error) error {
	if expr == "" {
		expr = DefaultTickExpr
	}
	return s.AddJob(expr, func() {
		if err := tick(); err != nil {
			slog.Error("recurring campaign tick failed", "error", err)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
