// Package gateway wires the whole assistant together: stores,
// channels, the per-session agent loop, and scheduled maintenance.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cadencehq/cadence/internal/actions"
	"github.com/cadencehq/cadence/internal/agent"
	"github.com/cadencehq/cadence/internal/bus"
	"github.com/cadencehq/cadence/internal/channel"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/cron"
	"github.com/cadencehq/cadence/internal/knowledge"
	"github.com/cadencehq/cadence/internal/llm"
	"github.com/cadencehq/cadence/internal/protocol"
	"github.com/cadencehq/cadence/internal/resolver"
	"github.com/cadencehq/cadence/internal/trial"
)

// LLMFactory builds the completion provider. Injectable for tests.
type LLMFactory func(cfg *config.Config) (llm.Provider, error)

// Options customize Gateway construction, mainly for testing.
type Options struct {
	LLMFactory LLMFactory
	SignalChan chan os.Signal
}

func defaultLLMFactory(cfg *config.Config) (llm.Provider, error) {
	return llm.NewProvider(cfg.Provider, cfg.Agent.Model)
}

// outcomeAdapter feeds trial intervention outcomes to the knowledge
// pattern detector.
type outcomeAdapter struct {
	store *trial.Store
}

func (a outcomeAdapter) OutcomeSamples() ([]knowledge.OutcomeSample, error) {
	samples, err := a.store.OutcomeSamples()
	if err != nil {
		return nil, err
	}
	out := make([]knowledge.OutcomeSample, 0, len(samples))
	for _, s := range samples {
		out = append(out, knowledge.OutcomeSample{
			SiteID:  s.SiteID,
			Type:    s.Type,
			Outcome: s.Outcome,
			Notes:   s.Notes,
		})
	}
	return out, nil
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	channels *channel.ChannelManager
	cron     *cron.Service

	trials    *trial.Store
	entries   *knowledge.Store
	retriever *knowledge.Retriever
	lifecycle *knowledge.Lifecycle
	detector  *knowledge.Detector
	embedder  knowledge.Embedder
	protocols *protocol.Library
	provider  actions.Provider
	model     llm.Provider
	usage     *llm.UsageTracker

	// Roster snapshot baked into the planner prompt.
	trialList []trial.Trial
	siteList  []trial.Site

	mu       sync.Mutex
	sessions map[string]*agent.Executor

	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		sessions:   map[string]*agent.Executor{},
		signalChan: opts.SignalChan,
	}

	trialPath := cfg.Trial.DBPath
	if trialPath == "" {
		trialPath = filepath.Join(config.ConfigDir(), "data", "trial.db")
	}
	trials, err := trial.NewStore(trialPath)
	if err != nil {
		return nil, fmt.Errorf("open trial store: %w", err)
	}
	g.trials = trials

	knowledgePath := cfg.Knowledge.DBPath
	if knowledgePath == "" {
		knowledgePath = filepath.Join(config.ConfigDir(), "data", "knowledge.db")
	}
	entries, err := knowledge.NewStore(knowledgePath)
	if err != nil {
		_ = trials.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	g.entries = entries

	if err := knowledge.SeedBaseKnowledge(entries); err != nil {
		log.Printf("[gateway] seed base knowledge warning: %v", err)
	}

	g.retriever = knowledge.NewRetriever(entries, cfg.Knowledge.Retrieval)
	if cfg.Knowledge.Embedding.Enabled {
		g.embedder = knowledge.NewEmbedder(cfg.Knowledge.Embedding, cfg.Provider)
		if g.embedder != nil {
			g.retriever = g.retriever.WithEmbedder(g.embedder)
		}
	}
	g.lifecycle = knowledge.NewLifecycle(entries)
	g.detector = knowledge.NewDetector(entries, outcomeAdapter{store: trials})

	lib, err := protocol.Load(cfg.Protocols.Dir)
	if err != nil {
		log.Printf("[gateway] protocol load warning: %v", err)
		lib = &protocol.Library{}
	}
	g.protocols = lib

	g.provider = actions.NewStoreProvider(trials, entries, g.retriever, resolver.New(trials)).
		WithProtocols(lib)

	factory := opts.LLMFactory
	if factory == nil {
		factory = defaultLLMFactory
	}
	model, err := factory(cfg)
	if err != nil {
		g.closeStores()
		return nil, err
	}
	g.model = model
	g.usage = llm.NewUsageTracker()

	if g.trialList, err = trials.ListTrials(); err != nil {
		log.Printf("[gateway] list trials warning: %v", err)
	}
	if g.siteList, err = trials.ListSites(); err != nil {
		log.Printf("[gateway] list sites warning: %v", err)
	}

	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath, g.runJob)

	chMgr, err := channel.NewChannelManager(cfg.Channels, g.bus)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Run starts everything and blocks until SIGINT/SIGTERM.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.ActiveChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if err := g.ensureMaintenanceJobs(); err != nil {
		log.Printf("[gateway] ensure maintenance jobs warning: %v", err)
	}

	go g.processLoop(ctx)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// processLoop routes inbound CRC messages through per-session agent
// executors. A plain "yes" executes the session's pending actions;
// "no" discards them.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	exec := g.session(msg.SessionKey())

	var reply *agent.Reply
	var err error
	switch {
	case len(exec.Pending()) > 0 && isApproval(msg.Content):
		reply, err = exec.ApprovePending(ctx)
	case len(exec.Pending()) > 0 && isRejection(msg.Content):
		n := exec.RejectPending()
		reply = &agent.Reply{Response: fmt.Sprintf("Okay, I've discarded %d pending action(s).", n)}
	default:
		reply, err = exec.HandleMessage(ctx, msg.Content, nil)
	}
	if err != nil {
		log.Printf("[gateway] agent error: %v", err)
		g.send(msg.Channel, msg.ChatID, "Sorry, I ran into an error processing that. Please try again.")
		return
	}

	response := reply.Response
	if reply.RequiresApproval && len(reply.PendingActions) > 0 {
		response = response + "\n\n" + formatPending(reply.PendingActions)
	}
	if strings.TrimSpace(response) != "" {
		g.send(msg.Channel, msg.ChatID, response)
	}
}

func (g *Gateway) send(channelName, chatID, content string) {
	g.bus.Outbound <- bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	}
}

// session returns the executor for one chat, creating it on first
// contact.
func (g *Gateway) session(key string) *agent.Executor {
	g.mu.Lock()
	defer g.mu.Unlock()
	if exec, ok := g.sessions[key]; ok {
		return exec
	}
	planner := agent.NewPlanner(g.model, g.usage, g.cfg.Agent, g.trialList, g.siteList)
	exec := agent.NewExecutor(planner, g.provider, g.model, g.usage)
	g.sessions[key] = exec
	return exec
}

// runJob dispatches one cron firing.
func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	switch job.Payload.Kind {
	case cron.JobStalenessSweep:
		stale, err := g.lifecycle.StaleEntries(job.Payload.SiteID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d entries due for revalidation", len(stale)), nil

	case cron.JobPatternAnalysis:
		patterns, err := g.detector.Analyze()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d intervention patterns detected", len(patterns)), nil

	case cron.JobEmbeddingBackfill:
		if g.embedder == nil {
			return "embeddings disabled", nil
		}
		n, err := knowledge.BackfillEmbeddings(context.Background(), g.entries, g.embedder)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d entries embedded", n), nil

	case cron.JobAgentMessage:
		sessionKey := "cron:system"
		if job.Payload.Channel != "" && job.Payload.ChatID != "" {
			sessionKey = job.Payload.Channel + ":" + job.Payload.ChatID
		}
		reply, err := g.session(sessionKey).HandleMessage(context.Background(), job.Payload.Message, nil)
		if err != nil {
			return "", err
		}
		if job.Payload.Channel != "" && job.Payload.ChatID != "" && strings.TrimSpace(reply.Response) != "" {
			g.send(job.Payload.Channel, job.Payload.ChatID, reply.Response)
		}
		return truncate(reply.Response, 200), nil
	}
	return "", fmt.Errorf("unknown job kind %q", job.Payload.Kind)
}

// ensureMaintenanceJobs installs the recurring knowledge upkeep jobs
// once. Schedules already in the store are left alone.
func (g *Gateway) ensureMaintenanceJobs() error {
	type wanted struct {
		name string
		expr string
		kind cron.JobKind
	}
	want := []wanted{
		{"knowledge-staleness-sweep", "0 0 3 * * *", cron.JobStalenessSweep},
		{"intervention-pattern-analysis", "0 0 4 * * 1", cron.JobPatternAnalysis},
	}
	if g.embedder != nil {
		want = append(want, wanted{"embedding-backfill", "0 30 3 * * *", cron.JobEmbeddingBackfill})
	}

	for _, w := range want {
		if _, _, err := g.cron.EnsureJob(w.name, cron.Schedule{Kind: cron.ScheduleCron, Expr: w.expr}, cron.Payload{Kind: w.kind}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	g.channels.StopAll()
	g.closeStores()
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) closeStores() {
	if g.trials != nil {
		if err := g.trials.Close(); err != nil {
			log.Printf("[gateway] close trial store warning: %v", err)
		}
	}
	if g.entries != nil {
		if err := g.entries.Close(); err != nil {
			log.Printf("[gateway] close knowledge store warning: %v", err)
		}
	}
}

var approvals = map[string]bool{
	"yes": true, "y": true, "approve": true, "approved": true,
	"confirm": true, "confirmed": true, "ok": true, "go ahead": true, "do it": true,
}

var rejections = map[string]bool{
	"no": true, "n": true, "cancel": true, "reject": true,
	"stop": true, "don't": true, "nevermind": true, "never mind": true,
}

func isApproval(content string) bool {
	return approvals[normalizeReply(content)]
}

func isRejection(content string) bool {
	return rejections[normalizeReply(content)]
}

func normalizeReply(content string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(content), ".!"))
}

func formatPending(pending []*actions.ActionRequest) string {
	var b strings.Builder
	b.WriteString("⏸ Waiting for your approval:\n")
	for _, a := range pending {
		desc := a.Description
		if desc == "" {
			desc = string(a.Kind)
		}
		fmt.Fprintf(&b, "• %s\n", desc)
	}
	b.WriteString("Reply \"yes\" to run, \"no\" to discard.")
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
