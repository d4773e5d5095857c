package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledPlan starts a run of a named plan on a schedule.
type ScheduledPlan struct {
	ID        string     `json:"id"`
	PlanID    string     `json:"plan_id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	DryRun    bool       `json:"dry_run"`
	Status    string     `json:"status"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastRunID string     `json:"last_run_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

const scheduleColumns = `id, plan_id, name, schedule, dry_run, status, next_run_at, last_run_at, last_run_id, last_error, created_at`

func scanSchedule(s scanner) (*ScheduledPlan, error) {
	p := &ScheduledPlan{}
	var lastRunID, lastError *string
	err := s.Scan(&p.ID, &p.PlanID, &p.Name, &p.Schedule, &p.DryRun, &p.Status,
		&p.NextRunAt, &p.LastRunAt, &lastRunID, &lastError, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastRunID != nil {
		p.LastRunID = *lastRunID
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	return p, nil
}

func (s *Store) SaveSchedule(p *ScheduledPlan) error {
	status := p.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_plans (id, plan_id, name, schedule, dry_run, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			name = excluded.name,
			schedule = excluded.schedule,
			dry_run = excluded.dry_run,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		p.ID, p.PlanID, p.Name, p.Schedule, p.DryRun, status, p.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*ScheduledPlan, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM scheduled_plans WHERE id = ?`, id)
	p, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return p, nil
}

func (s *Store) ListSchedules() ([]ScheduledPlan, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM scheduled_plans ORDER BY created_at`)
}

// DueSchedules returns active schedules whose next run is at or before now.
func (s *Store) DueSchedules(now time.Time) ([]ScheduledPlan, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM scheduled_plans
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(query string, args ...any) ([]ScheduledPlan, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduledPlan
	for rows.Next() {
		p, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RecordScheduleRun stores the outcome of a triggered run and the next due
// time. A nil nextRunAt completes the schedule.
func (s *Store) RecordScheduleRun(id, runID, lastError string, nextRunAt *time.Time) error {
	status := "active"
	if nextRunAt == nil {
		status = "completed"
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_plans
		SET last_run_at = ?, last_run_id = ?, last_error = ?, next_run_at = ?, status = ?
		WHERE id = ?`, time.Now().UTC(), runID, lastError, nextRunAt, status, id)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_plans SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_plans WHERE id = ?`, id)
	return err
}
