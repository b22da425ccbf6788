// Package router classifies messages and picks a provider and model
// for each stream, falling back to the local model when the pick
// fails mid-flight.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/penhold/squire/internal/llm"
)

// ErrServiceUnavailable means every provider in the chain, including
// the local fallback, refused the stream.
var ErrServiceUnavailable = errors.New("all providers unavailable")

// Token thresholds for the routing matrix. Estimates are chars/4, so
// these are coarse on purpose.
const (
	routineEscalation = 50_000
	summaryEscalation = 100_000
	longContextCutoff = 128_000
)

// Providers holds the streaming clients by role. Any of them except
// Local may be nil when unconfigured; a nil Local just means the
// fallback chain is one link shorter.
type Providers struct {
	Primary llm.Client // tool-capable, highest quality
	Fast    llm.Client // low-latency hosted inference
	Flex    llm.Client // long-context and persona models
	Local   llm.Client // last resort, no API key required
}

// Models names the model per provider role and grade.
type Models struct {
	PrimarySimple   string
	PrimaryComplex  string
	FastMedium      string
	FastLarge       string
	FlexLongContext string
	FlexPersona     string
	Local           string
}

// Target is one resolved (provider, model) pick.
type Target struct {
	Client llm.Client
	Model  string
}

func (t Target) configured() bool { return t.Client != nil && t.Model != "" }

// Decision records one routing outcome for the diagnostics surface.
type Decision struct {
	Time      time.Time `json:"time"`
	Category  string    `json:"category"`
	EstTokens int       `json:"est_tokens"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	FellBack  bool      `json:"fell_back,omitempty"`
}

// Stats aggregates routing counters across the process lifetime.
type Stats struct {
	TotalStreams   int64            `json:"total_streams"`
	Fallbacks      int64            `json:"fallbacks"`
	ModelCounts    map[string]int64 `json:"model_counts"`
	CategoryCounts map[string]int64 `json:"category_counts"`
}

const maxDecisions = 256

// Router owns classification, the routing matrix, and the fallback
// chain for untooled streams. The agent loop drives the primary
// provider directly; everything else that talks to a model goes
// through here.
type Router struct {
	classifier *Classifier
	providers  Providers
	models     Models
	logger     *slog.Logger

	mu        sync.Mutex
	lastUsage llm.Usage
	lastModel string
	decisions []Decision
	stats     Stats
}

// New builds a router over the configured providers.
func New(classifier *Classifier, providers Providers, models Models, logger *slog.Logger) *Router {
	return &Router{
		classifier: classifier,
		providers:  providers,
		models:     models,
		logger:     logger,
		stats: Stats{
			ModelCounts:    make(map[string]int64),
			CategoryCounts: make(map[string]int64),
		},
	}
}

// Classify exposes the classifier verdict for callers that route
// themselves (the message pipeline picks the agent model with it).
func (r *Router) Classify(ctx context.Context, text string) Category {
	return r.classifier.Classify(ctx, text)
}

// Stream classifies text, routes to a provider, and streams the
// completion. On any provider failure it emits the fallback banner
// through onText and restarts on the local model with the full
// original message list. Both down yields ErrServiceUnavailable.
func (r *Router) Stream(ctx context.Context, text string, messages []llm.Message, userID, system string, onText llm.TextFunc) (*llm.Result, error) {
	r.mu.Lock()
	r.lastUsage = llm.Usage{}
	r.lastModel = ""
	r.mu.Unlock()

	cat := r.classifier.Classify(ctx, text)
	est := estimateTokens(system, messages)
	target := r.pick(cat, est)
	if !target.configured() {
		return nil, ErrServiceUnavailable
	}

	req := llm.Request{
		Model:    target.Model,
		System:   system,
		Messages: messages,
	}

	res, err := target.Client.StreamMessage(ctx, req, onText)
	if err == nil {
		r.record(cat, est, target, res, false)
		return res, nil
	}
	if ctx.Err() != nil {
		// The user cancelled; the local model would not help.
		return nil, ctx.Err()
	}

	r.logger.Warn("provider stream failed, falling back to local",
		"user_id", userID,
		"provider", target.Client.Name(),
		"model", target.Model,
		"category", string(cat),
		"error", err,
	)

	local := Target{Client: r.providers.Local, Model: r.models.Local}
	if sameClient(target, local) {
		return nil, fmt.Errorf("%w: local model failed: %v", ErrServiceUnavailable, err)
	}
	if !local.configured() {
		return nil, fmt.Errorf("%w: %s failed and no local fallback is configured: %v", ErrServiceUnavailable, target.Client.Name(), err)
	}

	if onText != nil {
		onText(fmt.Sprintf("⚠️ %s unavailable — responding via local model\n\n", target.Client.Name()))
	}

	req.Model = local.Model
	res, ferr := local.Client.StreamMessage(ctx, req, onText)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %s: %v; local: %v", ErrServiceUnavailable, target.Client.Name(), err, ferr)
	}
	r.record(cat, est, local, res, true)
	return res, nil
}

// LastUsage reports token usage of the most recent Stream call.
func (r *Router) LastUsage() llm.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsage
}

// LastModel reports the model that served the most recent Stream call.
func (r *Router) LastModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastModel
}

// PickAgentModel selects the primary-provider model for an agent run:
// complex for coding/reasoning/safety traffic, simple otherwise.
func (r *Router) PickAgentModel(cat Category) string {
	switch cat {
	case CategoryCoding, CategoryReasoning, CategorySafety:
		if r.models.PrimaryComplex != "" {
			return r.models.PrimaryComplex
		}
	}
	if r.models.PrimarySimple != "" {
		return r.models.PrimarySimple
	}
	return r.models.PrimaryComplex
}

// pick applies the routing matrix, then substitutes a configured
// target when the matrix names an absent provider.
func (r *Router) pick(cat Category, estTokens int) Target {
	p, m := r.providers, r.models

	var t Target
	switch cat {
	case CategoryRoutine:
		if estTokens < routineEscalation {
			t = Target{p.Fast, m.FastMedium}
		} else {
			t = Target{p.Primary, m.PrimarySimple}
		}
	case CategorySummarization:
		if estTokens < summaryEscalation {
			t = Target{p.Primary, m.PrimarySimple}
		} else {
			t = Target{p.Fast, m.FastLarge}
		}
	case CategoryReasoning:
		if estTokens > longContextCutoff {
			t = Target{p.Flex, m.FlexLongContext}
		} else {
			t = Target{p.Primary, m.PrimaryComplex}
		}
	case CategoryCoding:
		if estTokens >= longContextCutoff {
			t = Target{p.Flex, m.FlexLongContext}
		} else {
			t = Target{p.Primary, m.PrimaryComplex}
		}
	case CategorySafety:
		t = Target{p.Primary, m.PrimaryComplex}
	case CategoryPersona:
		t = Target{p.Flex, m.FlexPersona}
	default:
		t = Target{p.Fast, m.FastMedium}
	}

	if t.configured() {
		return t
	}
	return r.firstConfigured()
}

// firstConfigured walks the chain primary, fast, flex, local and
// returns the first provider that exists.
func (r *Router) firstConfigured() Target {
	p, m := r.providers, r.models
	candidates := []Target{
		{p.Primary, m.PrimaryComplex},
		{p.Primary, m.PrimarySimple},
		{p.Fast, m.FastMedium},
		{p.Flex, m.FlexLongContext},
		{p.Local, m.Local},
	}
	for _, t := range candidates {
		if t.configured() {
			return t
		}
	}
	// Validation guarantees at least one provider, so this is
	// unreachable in a running daemon.
	return Target{p.Local, m.Local}
}

func (r *Router) record(cat Category, est int, target Target, res *llm.Result, fellBack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUsage = res.Usage
	r.lastModel = res.Model
	if r.lastModel == "" {
		r.lastModel = target.Model
	}

	d := Decision{
		Time:      time.Now(),
		Category:  string(cat),
		EstTokens: est,
		Provider:  target.Client.Name(),
		Model:     target.Model,
		FellBack:  fellBack,
	}
	if len(r.decisions) >= maxDecisions {
		r.decisions = r.decisions[1:]
	}
	r.decisions = append(r.decisions, d)

	r.stats.TotalStreams++
	r.stats.ModelCounts[d.Model]++
	r.stats.CategoryCounts[d.Category]++
	if fellBack {
		r.stats.Fallbacks++
	}
}

// RecentDecisions returns up to limit most recent routing decisions,
// newest last.
func (r *Router) RecentDecisions(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.decisions) {
		limit = len(r.decisions)
	}
	out := make([]Decision, limit)
	copy(out, r.decisions[len(r.decisions)-limit:])
	return out
}

// RoutingStats returns a copy of the lifetime counters.
func (r *Router) RoutingStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{
		TotalStreams:   r.stats.TotalStreams,
		Fallbacks:      r.stats.Fallbacks,
		ModelCounts:    make(map[string]int64, len(r.stats.ModelCounts)),
		CategoryCounts: make(map[string]int64, len(r.stats.CategoryCounts)),
	}
	for k, v := range r.stats.ModelCounts {
		out.ModelCounts[k] = v
	}
	for k, v := range r.stats.CategoryCounts {
		out.CategoryCounts[k] = v
	}
	return out
}

// estimateTokens approximates input size as character count over 4.
func estimateTokens(system string, messages []llm.Message) int {
	chars := len(system)
	for _, m := range messages {
		chars += len(m.Content)
		for _, b := range m.Blocks {
			chars += len(b.Text) + len(b.Content)
		}
	}
	return chars / 4
}

func sameClient(a, b Target) bool {
	return a.Client != nil && b.Client != nil && a.Client.Name() == b.Client.Name()
}
