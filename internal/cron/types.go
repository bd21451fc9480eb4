// Package cron runs the assistant's background schedule: knowledge
// staleness sweeps, intervention pattern analysis, embedding
// backfill, and CRC-scheduled agent messages. Jobs persist as JSON so
// schedules survive restarts.
package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

// JobKind selects the handler a firing is routed to.
type JobKind string

const (
	JobStalenessSweep    JobKind = "staleness_sweep"
	JobPatternAnalysis   JobKind = "pattern_analysis"
	JobEmbeddingBackfill JobKind = "embedding_backfill"
	JobAgentMessage      JobKind = "agent_message"
)

var jobKinds = map[JobKind]bool{
	JobStalenessSweep:    true,
	JobPatternAnalysis:   true,
	JobEmbeddingBackfill: true,
	JobAgentMessage:      true,
}

// ValidKind reports whether k is a kind the gateway can run.
func ValidKind(k JobKind) bool { return jobKinds[k] }

// Schedule kinds.
const (
	ScheduleCron  = "cron"  // six-field cron expression with seconds
	ScheduleEvery = "every" // fixed interval
	ScheduleAt    = "at"    // one shot
)

type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"every_ms,omitempty"`
	AtMs    int64  `json:"at_ms,omitempty"`
}

var exprParser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Validate rejects schedules that could never fire, before they are
// persisted.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleCron:
		if _, err := exprParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Payload is what a job does when it fires. Maintenance kinds carry
// an optional site scope; agent_message jobs replay Message into the
// agent loop and deliver the reply to Channel/ChatID.
type Payload struct {
	Kind    JobKind `json:"kind"`
	Message string  `json:"message,omitempty"`
	Channel string  `json:"channel,omitempty"`
	ChatID  string  `json:"chat_id,omitempty"`
	SiteID  string  `json:"site_id,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"last_run_at_ms"`
	LastStatus  string `json:"last_status,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"delete_after_run,omitempty"`
	CreatedAtMs    int64    `json:"created_at_ms"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:          uuid.NewString()[:8],
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
