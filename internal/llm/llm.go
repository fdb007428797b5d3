package llm

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/pelicanlabs/banter/internal/config"
)

// Runtime is the slice of the agent runtime the generator needs,
// kept small so tests can swap in a fake.
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory builds a Runtime for a system prompt and sampling
// temperature.
type RuntimeFactory func(cfg *config.Config, sysPrompt string, temperature float64) (Runtime, error)

// DefaultRuntimeFactory wires the configured provider into an
// agentsdk-go runtime.
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string, temperature float64) (Runtime, error) {
	temp := temperature
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:      cfg.Provider.APIKey,
			BaseURL:     cfg.Provider.BaseURL,
			ModelName:   cfg.Agent.Model,
			MaxTokens:   cfg.Agent.MaxTokens,
			Temperature: &temp,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:  config.ConfigDir(),
		ModelFactory: provider,
		SystemPrompt: sysPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// Request carries one generation call: the persona system prompt, the
// trait-derived directives, a sampling temperature, and the already
// rendered conversation prompt.
type Request struct {
	Persona     string
	Directives  []string
	Temperature float64
	Prompt      string
	SessionID   string
}

// Generator produces responses through the model runtime. The SDK
// fixes the temperature per runtime, so runtimes are cached keyed by
// persona text and quantized temperature; the adaptation engine moves
// temperature slowly, keeping the cache small.
type Generator struct {
	cfg     *config.Config
	factory RuntimeFactory

	mu       sync.Mutex
	runtimes map[string]*cachedRuntime
}

// cachedRuntime tracks in-flight calls so a retired runtime is only
// closed once the last call returns.
type cachedRuntime struct {
	rt      Runtime
	refs    int
	retired bool
}

func NewGenerator(cfg *config.Config, factory RuntimeFactory) *Generator {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	return &Generator{
		cfg:      cfg,
		factory:  factory,
		runtimes: make(map[string]*cachedRuntime),
	}
}

// Generate runs one model call and returns the text output. An empty
// output with no error means the model declined to answer; callers
// fall back to a canned response.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	entry, err := g.acquire(req)
	if err != nil {
		return "", err
	}
	defer g.release(entry)

	resp, err := entry.rt.Run(ctx, api.Request{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Traits:    req.Directives,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (g *Generator) acquire(req Request) (*cachedRuntime, error) {
	// Quantize to 0.05 steps so trait drift does not churn runtimes.
	quant := math.Round(req.Temperature/0.05) * 0.05
	key := fmt.Sprintf("%.2f|%s", quant, req.Persona)

	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.runtimes[key]; ok {
		entry.refs++
		return entry, nil
	}

	rt, err := g.factory(g.cfg, req.Persona, quant)
	if err != nil {
		return nil, err
	}

	// Persona edits and temperature drift retire old runtimes. A
	// retired runtime with calls still in flight is closed by the
	// last release instead.
	for old, stale := range g.runtimes {
		stale.retired = true
		if stale.refs == 0 {
			stale.rt.Close()
		}
		delete(g.runtimes, old)
	}
	entry := &cachedRuntime{rt: rt, refs: 1}
	g.runtimes[key] = entry
	log.Printf("[llm] runtime ready (model %s, temperature %.2f)", g.cfg.Agent.Model, quant)
	return entry, nil
}

func (g *Generator) release(entry *cachedRuntime) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry.refs--
	if entry.retired && entry.refs == 0 {
		entry.rt.Close()
	}
}

func (g *Generator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, entry := range g.runtimes {
		entry.retired = true
		if entry.refs == 0 {
			entry.rt.Close()
		}
		delete(g.runtimes, key)
	}
}

// fallbackResponses fill in when the model is unavailable or over
// budget.
var fallbackResponses = []string{
	"*beep boop*",
	"zzz...",
	"la la la...",
	"hmm...",
	"connecting...",
	"processing...",
}

// Fallback returns a canned response.
func Fallback() string {
	return fallbackResponses[rand.Intn(len(fallbackResponses))]
}

// FailureKind classifies a generation error for the caller's retry
// decision.
type FailureKind int

const (
	FailureUnavailable FailureKind = iota
	FailureRateLimited
	FailureInvalid
)

// Classify buckets a generation error. Rate limits back off, invalid
// responses fall back immediately, everything else counts as the
// provider being unavailable.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureInvalid
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "overloaded"):
		return FailureRateLimited
	case strings.Contains(msg, "unmarshal"), strings.Contains(msg, "decode"), strings.Contains(msg, "unexpected"):
		return FailureInvalid
	default:
		return FailureUnavailable
	}
}
