package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Runner executes one job firing and returns a short result summary
// for the job log.
type Runner func(job CronJob) (string, error)

// Service owns the persisted job list and fires jobs on schedule.
// Cron-expression jobs go through robfig/cron; interval and one-shot
// jobs are driven by a once-a-second sweep.
type Service struct {
	storePath string
	runner    Runner

	mu      sync.Mutex
	jobs    []CronJob
	entries map[string]rcron.EntryID
	sched   *rcron.Cron
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewService(storePath string, runner Runner) *Service {
	return &Service{
		storePath: storePath,
		runner:    runner,
		entries:   make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.stopped = stopped
	if err := s.load(); err != nil {
		log.Printf("[cron] load jobs: %v", err)
	}
	s.sched = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == ScheduleCron {
			s.registerLocked(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	sched := s.sched
	s.mu.Unlock()

	sched.Start()
	log.Printf("[cron] started with %d jobs", count)

	go s.sweepLoop(runCtx)
	go func() {
		<-runCtx.Done()
		done := sched.Stop()
		select {
		case <-done.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timed out waiting on running jobs")
		}
		log.Printf("[cron] stopped")
		close(stopped)
	}()

	return nil
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped != nil {
		<-stopped
	}
}

// sweepLoop drives interval and one-shot schedules.
func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				s.fire(job)
			}
		}
	}
}

// dueJobs snapshots interval and one-shot jobs whose time has come.
// One-shots are disabled here so a slow runner cannot fire them twice.
func (s *Service) dueJobs(nowMs int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case ScheduleEvery:
			if nowMs >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				due = append(due, *job)
			}
		case ScheduleAt:
			if nowMs >= job.Schedule.AtMs {
				job.Enabled = false
				due = append(due, *job)
			}
		}
	}
	return due
}

func (s *Service) fire(job CronJob) {
	log.Printf("[cron] firing %s kind=%s (%s)", job.Name, job.Payload.Kind, job.ID)
	if s.runner == nil {
		log.Printf("[cron] no runner configured, skipping %s", job.Name)
		return
	}
	result, err := s.runner(job)
	s.recordRun(job.ID, result, err)
}

func (s *Service) recordRun(id, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return
	}
	job := &s.jobs[i]
	job.State.LastRunAtMs = time.Now().UnixMilli()
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		log.Printf("[cron] job %s failed: %v", job.Name, err)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		log.Printf("[cron] job %s: %s", job.Name, truncate(result, 100))
	}
	if job.Schedule.Kind == ScheduleAt {
		job.Enabled = false
	}
	if job.DeleteAfterRun {
		s.unregisterLocked(id)
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
}

// AddJob validates, persists, and (for cron expressions) registers a
// new job.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if !ValidKind(payload.Kind) {
		return nil, fmt.Errorf("unknown job kind %q", payload.Kind)
	}
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("schedule for %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if schedule.Kind == ScheduleCron && s.sched != nil {
		s.registerLocked(&s.jobs[len(s.jobs)-1])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob adds a job only if no job of the same payload kind exists
// yet, so operator-edited maintenance schedules survive restarts. The
// bool reports whether a job was created.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, bool, error) {
	s.mu.Lock()
	for i := range s.jobs {
		if s.jobs[i].Payload.Kind == payload.Kind {
			existing := s.jobs[i]
			s.mu.Unlock()
			return &existing, false, nil
		}
	}
	s.mu.Unlock()

	job, err := s.AddJob(name, schedule, payload)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.unregisterLocked(id)
	s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
	return true
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return nil, fmt.Errorf("job %s not found", id)
	}
	job := &s.jobs[i]
	job.Enabled = enabled
	if job.Schedule.Kind == ScheduleCron && s.sched != nil {
		if enabled {
			if _, registered := s.entries[id]; !registered {
				s.registerLocked(job)
			}
		} else {
			s.unregisterLocked(id)
		}
	}
	if err := s.save(); err != nil {
		log.Printf("[cron] save jobs: %v", err)
	}
	out := *job
	return &out, nil
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func (s *Service) registerLocked(job *CronJob) {
	snapshot := *job
	entryID, err := s.sched.AddFunc(job.Schedule.Expr, func() { s.fire(snapshot) })
	if err != nil {
		log.Printf("[cron] register %s (%s): %v", job.Name, job.Schedule.Expr, err)
		return
	}
	s.entries[job.ID] = entryID
}

func (s *Service) unregisterLocked(id string) {
	if entryID, ok := s.entries[id]; ok {
		if s.sched != nil {
			s.sched.Remove(entryID)
		}
		delete(s.entries, id)
	}
}

func (s *Service) indexLocked(id string) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
