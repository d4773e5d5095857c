package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aamat-dev/crew-ia/internal/config"
	"github.com/aamat-dev/crew-ia/internal/natsbus"
	"github.com/aamat-dev/crew-ia/internal/store"
	"github.com/nats-io/nats.go"
)

func TestParseScheduleCron(t *testing.T) {
	s, err := ParseSchedule(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "0 9 * * *" {
		t.Errorf("unexpected schedule %+v", s)
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	next := NextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, now)
	if next == nil || !next.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("cron: got %v", next)
	}

	next = NextRun(`{"kind":"interval","interval_ms":60000}`, now)
	if next == nil || !next.Equal(now.Add(time.Minute)) {
		t.Errorf("interval: got %v", next)
	}

	future := now.Add(time.Hour).UnixMilli()
	next = NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future), now)
	if next == nil || next.UnixMilli() != future {
		t.Errorf("once: got %v", next)
	}

	past := now.Add(-time.Hour).UnixMilli()
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), now); next != nil {
		t.Error("expected nil for past once schedule")
	}
	if first := FirstRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), now); first == nil {
		t.Error("expected a past once schedule to be due right away")
	}
}

func TestNextRunInvalid(t *testing.T) {
	now := time.Now()
	for _, raw := range []string{`invalid json`, `{"kind":"unknown"}`, `{"kind":"interval","interval_ms":0}`} {
		if next := NextRun(raw, now); next != nil {
			t.Errorf("NextRun(%s): expected nil, got %v", raw, next)
		}
	}
}

func TestNormalizeSchedule(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"*/5 * * * *", `{"kind":"cron","cron_expr":"*/5 * * * *","interval_ms":0,"at_ms":0}`, false},
		{`{"kind":"interval","interval_ms":1000}`, `{"kind":"interval","interval_ms":1000}`, false},
		{`{"kind":"interval","interval_ms":-1}`, "", true},
		{`{"kind":"cron","cron_expr":"bogus"}`, "", true},
		{`{"kind":"weekly"}`, "", true},
		{"not a schedule", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeSchedule(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeSchedule(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatSchedule(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"kind":"cron","cron_expr":"0 2 * * *"}`, "0 2 * * *"},
		{`{"kind":"interval","interval_ms":3600000}`, "Every hour"},
		{`{"kind":"interval","interval_ms":7200000}`, "Every 2 hours"},
		{`{"kind":"interval","interval_ms":60000}`, "Every minute"},
		{`{"kind":"interval","interval_ms":90000}`, "Every 90 seconds"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := FormatSchedule(tt.in); got != tt.want {
			t.Errorf("FormatSchedule(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type fakeStarter struct {
	mu    sync.Mutex
	plans []string
	err   error
}

func (f *fakeStarter) Start(_ context.Context, planID string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.plans = append(f.plans, planID)
	return fmt.Sprintf("run-%d", len(f.plans)), nil
}

func newTestScheduler(t *testing.T, runs Starter, client *natsbus.Client) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "crew.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, runs, client, config.SchedulerConfig{PollInterval: time.Minute}), st
}

func TestPollStartsDueRuns(t *testing.T) {
	runs := &fakeStarter{}
	s, st := newTestScheduler(t, runs, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	sp, err := s.Add("report", "hourly", `{"kind":"interval","interval_ms":3600000}`, false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Poll(context.Background())
	if len(runs.plans) != 0 {
		t.Fatalf("expected nothing due yet, got %v", runs.plans)
	}

	now = now.Add(time.Hour)
	s.Poll(context.Background())
	if len(runs.plans) != 1 || runs.plans[0] != "report" {
		t.Fatalf("expected one run of report, got %v", runs.plans)
	}

	got, _ := st.GetSchedule(sp.ID)
	if got.LastRunID != "run-1" || got.Status != "active" {
		t.Errorf("unexpected schedule after run %+v", got)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expected next run an hour later, got %v", got.NextRunAt)
	}
}

func TestOnceScheduleCompletes(t *testing.T) {
	runs := &fakeStarter{err: errors.New("plan not found")}
	s, st := newTestScheduler(t, runs, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	at := now.Add(time.Minute).UnixMilli()
	sp, err := s.Add("missing", "once", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, at), false)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	s.Poll(context.Background())

	got, _ := st.GetSchedule(sp.ID)
	if got.Status != "completed" || got.LastError != "plan not found" {
		t.Errorf("expected completed schedule with error, got %+v", got)
	}
}

func TestAddRejectsInvalid(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeStarter{}, nil)
	if _, err := s.Add("p", "bad", "every tuesday", false); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
}

func TestFiredEventPublished(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	received := make(chan map[string]any, 1)
	_, err = client.Subscribe(TopicScheduleFired, func(msg *nats.Msg) {
		var ev map[string]any
		if json.Unmarshal(msg.Data, &ev) == nil {
			received <- ev
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = client.Flush()

	s, _ := newTestScheduler(t, &fakeStarter{}, client)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if _, err := s.Add("report", "daily", "0 9 * * *", true); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Hour)
	s.Poll(context.Background())

	select {
	case ev := <-received:
		data, _ := ev["data"].(map[string]any)
		if ev["type"] != "schedule_fired" || data["run_id"] != "run-1" {
			t.Errorf("unexpected event %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for schedule event")
	}
}
