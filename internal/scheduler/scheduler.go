// Package scheduler starts plan runs when their schedules come due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/google/uuid"
)

// TopicScheduleFired is published each time a schedule starts a run.
const TopicScheduleFired = "crew.schedules.fired"

// Starter launches a run of a named plan.
type Starter interface {
	Start(ctx context.Context, planID string, dryRun bool) (string, error)
}

type Scheduler struct {
	store        *store.Store
	runs         Starter
	client       *natsbus.Client
	pollInterval time.Duration
	now          func() time.Time
}

func New(s *store.Store, runs Starter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runs:         runs,
		client:       client,
		pollInterval: cfg.PollInterval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Add validates a schedule and stores it as active.
func (s *Scheduler) Add(planID, name, raw string, dryRun bool) (*store.ScheduledPlan, error) {
	normalized, err := NormalizeSchedule(raw)
	if err != nil {
		return nil, err
	}
	next := FirstRun(normalized, s.now())
	if next == nil {
		return nil, fmt.Errorf("schedule %q never fires", raw)
	}
	sp := &store.ScheduledPlan{
		ID:        uuid.NewString(),
		PlanID:    planID,
		Name:      name,
		Schedule:  normalized,
		DryRun:    dryRun,
		NextRunAt: next,
	}
	if err := s.store.SaveSchedule(sp); err != nil {
		return nil, err
	}
	slog.Info("schedule added", "id", sp.ID, "plan", planID, "schedule", FormatSchedule(normalized), "next_run", next)
	return sp, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll starts a run for every schedule that is due.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.DueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sp := range due {
		s.fire(ctx, sp)
	}
}

func (s *Scheduler) fire(ctx context.Context, sp store.ScheduledPlan) {
	slog.Info("starting scheduled run", "id", sp.ID, "name", sp.Name, "plan", sp.PlanID)

	runID, err := s.runs.Start(ctx, sp.PlanID, sp.DryRun)
	var lastError string
	if err != nil {
		lastError = err.Error()
		slog.Error("scheduled run failed to start", "id", sp.ID, "plan", sp.PlanID, "error", err)
	}

	next := NextRun(sp.Schedule, s.now())
	if err := s.store.RecordScheduleRun(sp.ID, runID, lastError, next); err != nil {
		slog.Error("failed to record schedule run", "id", sp.ID, "error", err)
	}
	if next == nil {
		slog.Info("schedule has no further runs", "id", sp.ID, "name", sp.Name)
	}

	s.publishFired(sp, runID, lastError)
}

func (s *Scheduler) publishFired(sp store.ScheduledPlan, runID, lastError string) {
	if s.client == nil {
		return
	}
	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": s.now().Format(time.RFC3339),
		"data": map[string]any{
			"id":      sp.ID,
			"name":    sp.Name,
			"plan_id": sp.PlanID,
			"run_id":  runID,
			"error":   lastError,
		},
	}
	if err := s.client.PublishJSON(TopicScheduleFired, event); err != nil {
		slog.Warn("failed to publish schedule event", "id", sp.ID, "error", err)
	}
}
