package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadencehq/cadence/internal/actions"
	"github.com/cadencehq/cadence/internal/agent"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/gateway"
	"github.com/cadencehq/cadence/internal/knowledge"
	"github.com/cadencehq/cadence/internal/llm"
	"github.com/cadencehq/cadence/internal/protocol"
	"github.com/cadencehq/cadence/internal/resolver"
	"github.com/cadencehq/cadence/internal/trial"
)

// LLMFactory builds the completion provider (injectable in tests).
type LLMFactory func(cfg *config.Config) (llm.Provider, error)

func defaultLLMFactory(cfg *config.Config) (llm.Provider, error) {
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'cadence onboard' or set CADENCE_API_KEY / ANTHROPIC_API_KEY")
	}
	return llm.NewProvider(cfg.Provider, cfg.Agent.Model)
}

// AgentOptions carries injectable dependencies for the agent command.
type AgentOptions struct {
	LLMFactory LLMFactory
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// assistant is the standalone (no channels, no cron) agent session the
// CLI talks to.
type assistant struct {
	exec    *agent.Executor
	trials  *trial.Store
	entries *knowledge.Store
	usage   *llm.UsageTracker
}

func newAssistant(cfg *config.Config, factory LLMFactory) (*assistant, error) {
	trialPath := cfg.Trial.DBPath
	if trialPath == "" {
		trialPath = filepath.Join(config.ConfigDir(), "data", "trial.db")
	}
	trials, err := trial.NewStore(trialPath)
	if err != nil {
		return nil, fmt.Errorf("open trial store: %w", err)
	}

	knowledgePath := cfg.Knowledge.DBPath
	if knowledgePath == "" {
		knowledgePath = filepath.Join(config.ConfigDir(), "data", "knowledge.db")
	}
	entries, err := knowledge.NewStore(knowledgePath)
	if err != nil {
		trials.Close()
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	if err := knowledge.SeedBaseKnowledge(entries); err != nil {
		log.Printf("[cli] seed base knowledge warning: %v", err)
	}

	retriever := knowledge.NewRetriever(entries, cfg.Knowledge.Retrieval)
	if cfg.Knowledge.Embedding.Enabled {
		if emb := knowledge.NewEmbedder(cfg.Knowledge.Embedding, cfg.Provider); emb != nil {
			retriever = retriever.WithEmbedder(emb)
		}
	}

	provider := actions.NewStoreProvider(trials, entries, retriever, resolver.New(trials))
	if lib, err := protocol.Load(cfg.Protocols.Dir); err == nil {
		provider = provider.WithProtocols(lib)
	} else {
		log.Printf("[cli] protocol load warning: %v", err)
	}

	model, err := factory(cfg)
	if err != nil {
		trials.Close()
		entries.Close()
		return nil, err
	}

	trialList, _ := trials.ListTrials()
	siteList, _ := trials.ListSites()
	usage := llm.NewUsageTracker()
	planner := agent.NewPlanner(model, usage, cfg.Agent, trialList, siteList)

	return &assistant{
		exec:    agent.NewExecutor(planner, provider, model, usage),
		trials:  trials,
		entries: entries,
		usage:   usage,
	}, nil
}

func (a *assistant) close() {
	a.trials.Close()
	a.entries.Close()
}

// handle routes one line of CRC input, honoring pending approvals the
// same way the gateway does.
func (a *assistant) handle(ctx context.Context, input string) (string, error) {
	norm := strings.ToLower(strings.Trim(strings.TrimSpace(input), ".!"))
	if len(a.exec.Pending()) > 0 {
		switch norm {
		case "yes", "y", "approve", "confirm", "ok":
			reply, err := a.exec.ApprovePending(ctx)
			if err != nil {
				return "", err
			}
			return reply.Response, nil
		case "no", "n", "cancel", "reject":
			n := a.exec.RejectPending()
			return fmt.Sprintf("Okay, I've discarded %d pending action(s).", n), nil
		}
	}

	reply, err := a.exec.HandleMessage(ctx, input, nil)
	if err != nil {
		return "", err
	}
	out := reply.Response
	if reply.RequiresApproval && len(reply.PendingActions) > 0 {
		var b strings.Builder
		b.WriteString(out)
		b.WriteString("\n\n⏸ Waiting for your approval:\n")
		for _, act := range reply.PendingActions {
			desc := act.Description
			if desc == "" {
				desc = string(act.Kind)
			}
			fmt.Fprintf(&b, "• %s\n", desc)
		}
		b.WriteString("Reply \"yes\" to run, \"no\" to discard.")
		out = b.String()
	}
	return out, nil
}

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - clinical trial coordination assistant",
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Talk to the assistant in single message or REPL mode",
	RunE:  runAgent,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + scheduled maintenance)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cadence status",
	RunE:  runStatus,
}

var messageFlag string

func init() {
	agentCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	rootCmd.AddCommand(agentCmd, gatewayCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	return runAgentWithOptions(AgentOptions{})
}

func runAgentWithOptions(opts AgentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory := opts.LLMFactory
	if factory == nil {
		factory = defaultLLMFactory
	}
	asst, err := newAssistant(cfg, factory)
	if err != nil {
		return err
	}
	defer asst.close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ctx := context.Background()

	if messageFlag != "" {
		out, err := asst.handle(ctx, messageFlag)
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
		fmt.Fprintln(stdout, out)
		return nil
	}

	fmt.Fprintln(stdout, "cadence agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		out, err := asst.handle(ctx, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, out)
	}
	return nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'cadence onboard' or set CADENCE_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	for _, dir := range []string{
		filepath.Join(cfgDir, "data"),
		filepath.Join(cfgDir, "data", "cron"),
		filepath.Join(cfgDir, "protocols"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fmt.Printf("Data directories ready under: %s\n", cfgDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set CADENCE_API_KEY environment variable")
	fmt.Printf("  3. Drop protocol markdown files into %s\n", filepath.Join(cfgDir, "protocols"))
	fmt.Println("  4. Run 'cadence agent -m \"who is at risk this week?\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Embeddings: enabled=%v\n", cfg.Knowledge.Embedding.Enabled)

	trialPath := cfg.Trial.DBPath
	if trialPath == "" {
		trialPath = filepath.Join(config.ConfigDir(), "data", "trial.db")
	}
	if _, err := os.Stat(trialPath); err != nil {
		fmt.Println("Trial DB: not found (run 'cadence onboard')")
	} else {
		fmt.Printf("Trial DB: %s\n", trialPath)
	}

	protoDir := cfg.Protocols.Dir
	if protoDir == "" {
		protoDir = filepath.Join(config.ConfigDir(), "protocols")
	}
	if lib, err := protocol.Load(protoDir); err == nil {
		fmt.Printf("Protocols: %d document(s) in %s\n", len(lib.Documents("", "")), protoDir)
	}

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}
