package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestService(t *testing.T, runner Runner) *Service {
	t.Helper()
	return NewService(filepath.Join(t.TempDir(), "jobs.json"), runner)
}

func TestValidKind(t *testing.T) {
	for _, k := range []JobKind{JobStalenessSweep, JobPatternAnalysis, JobEmbeddingBackfill, JobAgentMessage} {
		if !ValidKind(k) {
			t.Errorf("ValidKind(%q) = false", k)
		}
	}
	if ValidKind("reboot_everything") {
		t.Error("unknown kind should not validate")
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{"daily sweep expr", Schedule{Kind: ScheduleCron, Expr: "0 0 3 * * *"}, false},
		{"weekly analysis expr", Schedule{Kind: ScheduleCron, Expr: "0 0 4 * * 1"}, false},
		{"garbage expr", Schedule{Kind: ScheduleCron, Expr: "every tuesday"}, true},
		{"interval", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, false},
		{"zero interval", Schedule{Kind: ScheduleEvery}, true},
		{"one shot", Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli()}, false},
		{"one shot without time", Schedule{Kind: ScheduleAt}, true},
		{"unknown kind", Schedule{Kind: "sometimes"}, true},
	}
	for _, tt := range tests {
		err := tt.schedule.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestAddJob_RejectsInvalidInput(t *testing.T) {
	s := newTestService(t, nil)

	if _, err := s.AddJob("bad-kind", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Kind: "reboot"}); err == nil {
		t.Error("expected error for unknown payload kind")
	}
	if _, err := s.AddJob("bad-expr", Schedule{Kind: ScheduleCron, Expr: "nope"}, Payload{Kind: JobStalenessSweep}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	if len(s.ListJobs()) != 0 {
		t.Errorf("rejected jobs must not be stored, got %d", len(s.ListJobs()))
	}
}

func TestAddJob_PersistsMaintenanceJob(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(storePath, nil)

	job, err := s.AddJob("knowledge-staleness-sweep",
		Schedule{Kind: ScheduleCron, Expr: "0 0 3 * * *"},
		Payload{Kind: JobStalenessSweep, SiteID: "site_sinai"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.ID == "" || !job.Enabled {
		t.Fatalf("job = %+v", job)
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal store: %v", err)
	}
	if len(stored) != 1 || stored[0].Payload.Kind != JobStalenessSweep || stored[0].Payload.SiteID != "site_sinai" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestEnsureJob_OnePerKind(t *testing.T) {
	s := newTestService(t, nil)

	first, created, err := s.EnsureJob("pattern-analysis",
		Schedule{Kind: ScheduleCron, Expr: "0 0 4 * * 1"}, Payload{Kind: JobPatternAnalysis})
	if err != nil || !created {
		t.Fatalf("first EnsureJob: created=%v err=%v", created, err)
	}

	// Second ensure with a different name and schedule keeps the
	// installed job untouched.
	second, created, err := s.EnsureJob("pattern-analysis-v2",
		Schedule{Kind: ScheduleCron, Expr: "0 0 5 * * 2"}, Payload{Kind: JobPatternAnalysis})
	if err != nil {
		t.Fatalf("second EnsureJob: %v", err)
	}
	if created {
		t.Error("second EnsureJob should not create")
	}
	if second.ID != first.ID || second.Name != "pattern-analysis" || second.Schedule.Expr != "0 0 4 * * 1" {
		t.Errorf("existing job changed: %+v", second)
	}
	if len(s.ListJobs()) != 1 {
		t.Errorf("jobs = %d, want 1", len(s.ListJobs()))
	}

	// A different kind still goes in.
	if _, created, err := s.EnsureJob("staleness",
		Schedule{Kind: ScheduleCron, Expr: "0 0 3 * * *"}, Payload{Kind: JobStalenessSweep}); err != nil || !created {
		t.Fatalf("different kind: created=%v err=%v", created, err)
	}
}

func TestRemoveJob(t *testing.T) {
	s := newTestService(t, nil)

	job, err := s.AddJob("sweep", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, Payload{Kind: JobStalenessSweep})
	if err != nil {
		t.Fatal(err)
	}
	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nope") {
		t.Error("RemoveJob should return false for unknown ID")
	}
}

func TestFire_RecordsRunState(t *testing.T) {
	var got CronJob
	s := newTestService(t, func(job CronJob) (string, error) {
		got = job
		if job.Payload.Kind == JobEmbeddingBackfill {
			return "", fmt.Errorf("embeddings disabled")
		}
		return "3 entries due for revalidation", nil
	})

	ok, err := s.AddJob("sweep", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, Payload{Kind: JobStalenessSweep})
	if err != nil {
		t.Fatal(err)
	}
	s.fire(*ok)
	if got.Payload.Kind != JobStalenessSweep {
		t.Errorf("runner saw kind %q", got.Payload.Kind)
	}
	jobs := s.ListJobs()
	if jobs[0].State.LastStatus != "ok" || jobs[0].State.LastRunAtMs == 0 {
		t.Errorf("state = %+v", jobs[0].State)
	}

	bad, err := s.AddJob("backfill", Schedule{Kind: ScheduleEvery, EveryMs: 60000}, Payload{Kind: JobEmbeddingBackfill})
	if err != nil {
		t.Fatal(err)
	}
	s.fire(*bad)
	for _, j := range s.ListJobs() {
		if j.ID != bad.ID {
			continue
		}
		if j.State.LastStatus != "error" || j.State.LastError != "embeddings disabled" {
			t.Errorf("state = %+v", j.State)
		}
	}
}

func TestFire_WithoutRunnerIsNoop(t *testing.T) {
	s := newTestService(t, nil)
	job, err := s.AddJob("sweep", Schedule{Kind: ScheduleEvery, EveryMs: 1000}, Payload{Kind: JobStalenessSweep})
	if err != nil {
		t.Fatal(err)
	}
	s.fire(*job)
	if s.ListJobs()[0].State.LastStatus != "" {
		t.Error("no runner means no state update")
	}
}

func TestSweep_FiresDueIntervalJob(t *testing.T) {
	var fired atomic.Int32
	s := newTestService(t, func(CronJob) (string, error) {
		fired.Add(1)
		return "ok", nil
	})

	if _, err := s.AddJob("fast-sweep", Schedule{Kind: ScheduleEvery, EveryMs: 100}, Payload{Kind: JobStalenessSweep}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("interval job never fired")
	}

	s.Stop()
	after := fired.Load()
	time.Sleep(1300 * time.Millisecond)
	if fired.Load() != after {
		t.Fatalf("sweep kept firing after Stop: %d -> %d", after, fired.Load())
	}
}

func TestSweep_OneShotFiresOnceThenDisables(t *testing.T) {
	var fired atomic.Int32
	s := newTestService(t, func(CronJob) (string, error) {
		fired.Add(1)
		return "reminder sent", nil
	})

	if _, err := s.AddJob("visit-reminder",
		Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli()},
		Payload{Kind: JobAgentMessage, Message: "remind Maria about tomorrow's visit", Channel: "telegram", ChatID: "100"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("one-shot never fired")
	}

	time.Sleep(2200 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("one-shot fired %d times", n)
	}
	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Enabled {
		t.Fatalf("one-shot should stay listed but disabled: %+v", jobs)
	}
}

func TestRecordRun_DeleteAfterRun(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(storePath, func(CronJob) (string, error) { return "done", nil })

	job := NewCronJob("fire-and-forget",
		Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli()},
		Payload{Kind: JobAgentMessage, Message: "one off"})
	job.DeleteAfterRun = true
	s.jobs = append(s.jobs, job)

	s.fire(job)

	if len(s.ListJobs()) != 0 {
		t.Fatalf("delete-after-run job still listed")
	}
	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Fatalf("deletion not persisted: %+v", stored)
	}
}

func TestStart_LoadsPersistedJobs(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(storePath, nil)
	if _, err := s1.AddJob("sweep", Schedule{Kind: ScheduleCron, Expr: "0 0 3 * * *"}, Payload{Kind: JobStalenessSweep}); err != nil {
		t.Fatal(err)
	}
	if _, err := s1.AddJob("analysis", Schedule{Kind: ScheduleCron, Expr: "0 0 4 * * 1"}, Payload{Kind: JobPatternAnalysis}); err != nil {
		t.Fatal(err)
	}

	s2 := NewService(storePath, nil)
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s2.Stop()

	jobs := s2.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("loaded %d jobs, want 2", len(jobs))
	}
	s2.mu.Lock()
	registered := len(s2.entries)
	s2.mu.Unlock()
	if registered != 2 {
		t.Fatalf("registered %d cron entries, want 2", registered)
	}
}

func TestStart_SkipsUnparseablePersistedExpr(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	jobs := []CronJob{{
		ID:       "stale1",
		Name:     "hand-edited",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleCron, Expr: "whenever"},
		Payload:  Payload{Kind: JobStalenessSweep},
	}}
	data, _ := json.MarshalIndent(jobs, "", "  ")
	if err := os.WriteFile(storePath, data, 0644); err != nil {
		t.Fatal(err)
	}

	s := NewService(storePath, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate a bad persisted expression: %v", err)
	}
	defer s.Stop()

	s.mu.Lock()
	registered := len(s.entries)
	s.mu.Unlock()
	if registered != 0 {
		t.Fatalf("bad expression should not register, got %d entries", registered)
	}
}

func TestEnableJob_TogglesCronRegistration(t *testing.T) {
	s := newTestService(t, func(CronJob) (string, error) { return "ok", nil })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("sweep", Schedule{Kind: ScheduleCron, Expr: "0 0 3 * * *"}, Payload{Kind: JobStalenessSweep})
	if err != nil {
		t.Fatal(err)
	}

	entryCount := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entries)
	}
	if entryCount() != 1 {
		t.Fatalf("entries after add = %d, want 1", entryCount())
	}

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Enabled || entryCount() != 0 {
		t.Fatalf("disable: enabled=%v entries=%d", updated.Enabled, entryCount())
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Enabled || entryCount() != 1 {
		t.Fatalf("re-enable: enabled=%v entries=%d", updated.Enabled, entryCount())
	}

	if _, err := s.EnableJob("nope", true); err == nil {
		t.Error("expected error for unknown job ID")
	}
}

func TestStop_ViaParentContext(t *testing.T) {
	s := newTestService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("parent cancellation did not stop the service")
	}

	// Explicit Stop after the fact is a no-op.
	s.Stop()
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer than ten", 10, "this is lo..."},
		{"протокол визита", 8, "протокол..."},
		{"", 5, ""},
	}
	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.input, tt.n)
		}
	}
}
