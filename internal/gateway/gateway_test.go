package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/cron"
	"github.com/cadencehq/cadence/internal/llm"
	"github.com/cadencehq/cadence/internal/trial"
)

// scriptLLM replays canned completions in order.
type scriptLLM struct {
	responses []string
	calls     int
}

func (s *scriptLLM) Complete(_ context.Context, _ []llm.Message, _ string, _ float64, _ int) (*llm.Response, error) {
	content := "{}"
	if s.calls < len(s.responses) {
		content = s.responses[s.calls]
	}
	s.calls++
	return &llm.Response{Content: content, Model: "test", InputTokens: 5, OutputTokens: 5}, nil
}

func planJSON(template string, actionLines ...string) string {
	return fmt.Sprintf(`{"thinking": "t", "actions": [%s], "response_template": %q}`,
		strings.Join(actionLines, ","), template)
}

func newTestGateway(t *testing.T, model *scriptLLM) *Gateway {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Trial.DBPath = filepath.Join(home, "trial.db")
	cfg.Knowledge.DBPath = filepath.Join(home, "knowledge.db")
	cfg.Protocols.Dir = filepath.Join(home, "protocols")

	g, err := NewWithOptions(cfg, Options{
		LLMFactory: func(*config.Config) (llm.Provider, error) { return model, nil },
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	t.Cleanup(func() { g.Shutdown() })
	return g
}

func seedPatient(t *testing.T, g *Gateway) {
	t.Helper()
	if err := g.trials.CreateTrial(&trial.Trial{ID: "trial_cardio", Name: "CARDIO-PREVENT", Phase: "III"}); err != nil {
		t.Fatal(err)
	}
	if err := g.trials.CreateSite(&trial.Site{ID: "site_sinai", Name: "Mount Sinai Clinical Research"}); err != nil {
		t.Fatal(err)
	}
	if err := g.trials.CreatePatient(&trial.Patient{
		ID: "PT-1001", SiteID: "site_sinai", TrialID: "trial_cardio",
		Name: "Maria Gonzalez", Status: trial.StatusActive, DropoutRiskScore: 0.82,
	}); err != nil {
		t.Fatal(err)
	}
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:   "telegram",
		SenderID:  "crc-1",
		ChatID:    "100",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func drainOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
		return bus.OutboundMessage{}
	}
}

func TestHandleInbound_RepliesOnBus(t *testing.T) {
	model := &scriptLLM{responses: []string{planJSON("Hello! How can I help with your trial today?")}}
	g := newTestGateway(t, model)

	g.handleInbound(context.Background(), inbound("hi"))

	msg := drainOutbound(t, g)
	if msg.Channel != "telegram" || msg.ChatID != "100" {
		t.Fatalf("wrong routing: %+v", msg)
	}
	if !strings.Contains(msg.Content, "How can I help") {
		t.Fatalf("unexpected reply: %s", msg.Content)
	}
}

func TestHandleInbound_ApprovalFlow(t *testing.T) {
	model := &scriptLLM{responses: []string{planJSON(
		"I'll schedule that visit once you confirm.",
		`{"action_type": "schedule_visit", "parameters": {"patient_id": "PT-1001", "visit_date": "2026-09-15"}, "description": "Schedule visit for Maria Gonzalez on 2026-09-15", "requires_approval": true}`,
	)}}
	g := newTestGateway(t, model)
	seedPatient(t, g)

	g.handleInbound(context.Background(), inbound("schedule Maria's next visit for Sep 15"))
	msg := drainOutbound(t, g)
	if !strings.Contains(msg.Content, "Waiting for your approval") {
		t.Fatalf("expected approval prompt, got: %s", msg.Content)
	}
	if !strings.Contains(msg.Content, "Maria Gonzalez") {
		t.Fatalf("pending description missing: %s", msg.Content)
	}

	planCalls := model.calls
	g.handleInbound(context.Background(), inbound("yes"))
	msg = drainOutbound(t, g)
	if !strings.Contains(msg.Content, "✅") {
		t.Fatalf("expected execution confirmation, got: %s", msg.Content)
	}
	if model.calls != planCalls {
		t.Fatalf("approval should not replan, calls went %d -> %d", planCalls, model.calls)
	}

	p, err := g.trials.GetPatient("PT-1001")
	if err != nil {
		t.Fatal(err)
	}
	if p.NextVisitDate != "2026-09-15" {
		t.Fatalf("visit not scheduled: %q", p.NextVisitDate)
	}
}

func TestHandleInbound_Rejection(t *testing.T) {
	model := &scriptLLM{responses: []string{planJSON(
		"Want me to reassign?",
		`{"action_type": "reassign_patient", "parameters": {"patient_id": "PT-1001", "crc_id": "crc-2"}, "description": "Reassign Maria Gonzalez to crc-2"}`,
	)}}
	g := newTestGateway(t, model)
	seedPatient(t, g)

	g.handleInbound(context.Background(), inbound("move Maria to the other coordinator"))
	drainOutbound(t, g)

	g.handleInbound(context.Background(), inbound("no"))
	msg := drainOutbound(t, g)
	if !strings.Contains(msg.Content, "discarded 1 pending") {
		t.Fatalf("expected discard notice, got: %s", msg.Content)
	}
	if n := len(g.session("telegram:100").Pending()); n != 0 {
		t.Fatalf("pending not cleared: %d", n)
	}
}

func TestSession_ReusedPerKey(t *testing.T) {
	g := newTestGateway(t, &scriptLLM{})
	a := g.session("telegram:1")
	if g.session("telegram:1") != a {
		t.Fatal("same key should reuse executor")
	}
	if g.session("telegram:2") == a {
		t.Fatal("different key should get its own executor")
	}
}

func TestRunJob_Maintenance(t *testing.T) {
	g := newTestGateway(t, &scriptLLM{})
	seedPatient(t, g)

	result, err := g.runJob(cron.CronJob{Payload: cron.Payload{Kind: cron.JobStalenessSweep}})
	if err != nil {
		t.Fatalf("staleness sweep: %v", err)
	}
	if !strings.Contains(result, "due for revalidation") {
		t.Fatalf("unexpected result: %s", result)
	}

	result, err = g.runJob(cron.CronJob{Payload: cron.Payload{Kind: cron.JobPatternAnalysis}})
	if err != nil {
		t.Fatalf("pattern analysis: %v", err)
	}
	if !strings.Contains(result, "patterns detected") {
		t.Fatalf("unexpected result: %s", result)
	}

	result, err = g.runJob(cron.CronJob{Payload: cron.Payload{Kind: cron.JobEmbeddingBackfill}})
	if err != nil {
		t.Fatalf("embedding backfill: %v", err)
	}
	if result != "embeddings disabled" {
		t.Fatalf("unexpected result: %s", result)
	}

	if _, err := g.runJob(cron.CronJob{Payload: cron.Payload{Kind: "bogus"}}); err == nil {
		t.Fatal("unknown job kind should error")
	}
}

func TestRunJob_AgentMessageDeliversOutbound(t *testing.T) {
	model := &scriptLLM{responses: []string{planJSON("Good morning! Here's your day.")}}
	g := newTestGateway(t, model)

	result, err := g.runJob(cron.CronJob{Payload: cron.Payload{
		Kind:    cron.JobAgentMessage,
		Message: "what should I do today?",
		Channel: "telegram",
		ChatID:  "100",
	}})
	if err != nil {
		t.Fatalf("agent message job: %v", err)
	}
	if !strings.Contains(result, "Good morning") {
		t.Fatalf("unexpected result: %s", result)
	}
	msg := drainOutbound(t, g)
	if msg.ChatID != "100" {
		t.Fatalf("wrong chat: %+v", msg)
	}
}

func TestEnsureMaintenanceJobs_Idempotent(t *testing.T) {
	g := newTestGateway(t, &scriptLLM{})

	if err := g.ensureMaintenanceJobs(); err != nil {
		t.Fatal(err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		t.Fatal(err)
	}

	kinds := map[cron.JobKind]int{}
	for _, job := range g.cron.ListJobs() {
		kinds[job.Payload.Kind]++
	}
	if kinds[cron.JobStalenessSweep] != 1 || kinds[cron.JobPatternAnalysis] != 1 {
		t.Fatalf("maintenance jobs duplicated: %v", kinds)
	}
	if kinds[cron.JobEmbeddingBackfill] != 0 {
		t.Fatalf("backfill job registered without an embedder: %v", kinds)
	}
}

func TestTruncate_KeepsRunesIntact(t *testing.T) {
	got := truncate("Пациентка Мария пропустила визит", 9)
	if got != "Пациентка..." {
		t.Fatalf("truncate = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatal("truncate produced invalid UTF-8")
	}
	if truncate("short", 80) != "short" {
		t.Fatal("short strings should pass through")
	}
}

func TestApprovalKeywords(t *testing.T) {
	for _, s := range []string{"yes", "Yes!", " approve ", "go ahead", "OK"} {
		if !isApproval(s) {
			t.Errorf("isApproval(%q) = false", s)
		}
	}
	for _, s := range []string{"no", "Cancel", "never mind", "stop."} {
		if !isRejection(s) {
			t.Errorf("isRejection(%q) = false", s)
		}
	}
	if isApproval("yes please schedule it for Tuesday") {
		t.Error("long sentences should replan, not auto-approve")
	}
}
