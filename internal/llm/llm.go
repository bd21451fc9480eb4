package llm

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cadencehq/cadence/internal/config"
)

// Message is one conversation turn. Role is "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    float64
	CostUSD      float64
}

// Provider abstracts the completion API so the planner can run
// against Anthropic or OpenAI without caring which.
type Provider interface {
	Complete(ctx context.Context, messages []Message, system string, temperature float64, maxTokens int) (*Response, error)
}

// NewProvider builds a provider from configuration. The provider type
// defaults to anthropic when unset.
func NewProvider(cfg config.ProviderConfig, model string) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required (set CADENCE_API_KEY)")
	}
	switch cfg.Type {
	case "", "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, model), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, model), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// pricing is cost per 1M tokens. Models not listed cost zero.
var pricing = map[string]struct{ input, output float64 }{
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-sonnet-4-20250514":   {3.00, 15.00},
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"gpt-4o":                     {2.50, 10.00},
	"gpt-4o-mini":                {0.15, 0.60},
}

func estimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1e6*p.input + float64(outputTokens)/1e6*p.output
	return math.Round(cost*1e6) / 1e6
}

type RequestRecord struct {
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    float64   `json:"latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// UsageTracker accumulates token and cost totals across requests.
type UsageTracker struct {
	mu                sync.Mutex
	totalInputTokens  int
	totalOutputTokens int
	totalCostUSD      float64
	totalRequests     int
	requests          []RequestRecord
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

func (u *UsageTracker) Record(resp *Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.totalInputTokens += resp.InputTokens
	u.totalOutputTokens += resp.OutputTokens
	u.totalCostUSD += resp.CostUSD
	u.totalRequests++
	u.requests = append(u.requests, RequestRecord{
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.LatencyMs,
		Timestamp:    time.Now(),
	})
}

type UsageSummary struct {
	TotalRequests     int     `json:"total_requests"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

func (u *UsageTracker) Summary() UsageSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageSummary{
		TotalRequests:     u.totalRequests,
		TotalInputTokens:  u.totalInputTokens,
		TotalOutputTokens: u.totalOutputTokens,
		TotalCostUSD:      math.Round(u.totalCostUSD*1e6) / 1e6,
	}
}
