// Squire is a single-tenant personal assistant daemon.
//
// It receives messages over a signal-cli style chat daemon, keeps
// long-term memory about its user, answers through a set of LLM
// providers with tool use, and wakes itself on schedules to deliver
// briefings and reminders. Configuration is one YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	squire serve             Start the daemon
//	squire init [dir]        Initialize a working directory with defaults
//	squire ask <question>    Ask a single question (for testing)
//	squire link              Pair with a chat account via QR code
//	squire version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/penhold/squire/internal/agent"
	"github.com/penhold/squire/internal/api"
	"github.com/penhold/squire/internal/assistant"
	"github.com/penhold/squire/internal/buildinfo"
	"github.com/penhold/squire/internal/calendar"
	"github.com/penhold/squire/internal/config"
	"github.com/penhold/squire/internal/connwatch"
	"github.com/penhold/squire/internal/contacts"
	"github.com/penhold/squire/internal/email"
	"github.com/penhold/squire/internal/embeddings"
	"github.com/penhold/squire/internal/events"
	"github.com/penhold/squire/internal/fetch"
	"github.com/penhold/squire/internal/files"
	"github.com/penhold/squire/internal/forge"
	"github.com/penhold/squire/internal/httpkit"
	"github.com/penhold/squire/internal/knowledge"
	"github.com/penhold/squire/internal/llm"
	"github.com/penhold/squire/internal/memory"
	"github.com/penhold/squire/internal/mqtt"
	"github.com/penhold/squire/internal/outbox"
	"github.com/penhold/squire/internal/paths"
	"github.com/penhold/squire/internal/plans"
	"github.com/penhold/squire/internal/proactive"
	"github.com/penhold/squire/internal/prompts"
	"github.com/penhold/squire/internal/router"
	"github.com/penhold/squire/internal/scheduler"
	"github.com/penhold/squire/internal/search"
	"github.com/penhold/squire/internal/session"
	"github.com/penhold/squire/internal/tools"
	"github.com/penhold/squire/internal/transport"
	"github.com/penhold/squire/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: squire ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "link":
		return runLink(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Squire - Personal Assistant Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: squire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the daemon")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  link         Pair with a chat account via QR code")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/squire/config.yaml, /etc/squire/config.yaml")
	return nil
}

// runAsk handles "squire ask <question>": load config, build the
// provider set, and stream one answer through the router. No memory,
// no tools, no persistence — a smoke test for the model plumbing.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	clients := buildProviders(cfg, logger)
	rtr := router.New(buildClassifier(cfg, clients, logger), clients, buildModels(cfg), logger)

	msgs := []llm.Message{llm.TextMessage("user", question)}
	_, err = rtr.Stream(ctx, question, msgs, "cli", prompts.BaseSystemPrompt(), func(delta string) {
		fmt.Fprint(stdout, delta)
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runServe is the primary operating mode: open the database, build
// the memory and tool stack, connect the providers and the chat
// daemon, start the scheduler and the admin server, and block until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Squire", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, "text")
	}
	logger.Info("config loaded", "path", cfgPath, "users", len(cfg.Users), "data_dir", cfg.DataDir)

	loc, _ := time.LoadLocation(cfg.Schedules.Timezone) // validated

	// --- Persistent state ---
	// Everything tabular shares one SQLite file; sessions are JSONL
	// files next to it.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "knowledge.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	sessionLog, err := memory.NewLog(filepath.Join(cfg.DataDir, "sessions"), logger)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}

	// --- Event bus and metrics ---
	bus := events.New()
	collector := api.NewCollector(bus, logger)
	go collector.Run(ctx)

	// --- Embeddings and knowledge ---
	embClient := embeddings.New(embeddings.Config{
		BaseURL:    cfg.EmbeddingsBaseURL(),
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		Workers:    cfg.Embeddings.Workers,
	}, logger)
	embStore, err := embeddings.NewStore(db, embClient, logger)
	if err != nil {
		return fmt.Errorf("open embedding store: %w", err)
	}
	knowStore, err := knowledge.NewStore(db, embStore, cfg.Memory.FactMergeThreshold, logger)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}

	injector := memory.NewInjector(knowStore, embStore, logger)
	filesEnabled := len(cfg.Files.AllowedDirs) > 0
	sandbox := paths.NewSandbox(cfg.Files.AllowedDirs)
	if filesEnabled {
		injector.SetSandbox(sandbox)
	}

	// --- Providers ---
	clients := buildProviders(cfg, logger)
	rtr := router.New(buildClassifier(cfg, clients, logger), clients, buildModels(cfg), logger)

	// --- Tool registry ---
	// The scheduler is constructed after the transport, so the
	// reminder tools bind to it through a slot filled at that point.
	registry := tools.NewRegistry(logger)
	registry.RegisterMemoryTools(knowStore, embStore)

	schedSlot := tools.NewSlot[tools.ReminderScheduler]()
	registry.RegisterReminderTools(schedSlot, loc)

	compactor := memory.NewCompactor(sessionLog, summarizeFunc(cfg, clients), memory.DefaultCompactionConfig(), logger)
	registry.RegisterSessionTools(compactor)

	fetch.RegisterTools(registry, fetch.New())

	if cfg.Search.Enabled {
		mgr := search.NewManager(cfg.Search.Provider)
		mgr.Register(search.NewSearXNG(cfg.Search.BaseURL, cfg.Search.APIKey, cfg.Search.InsecureTLS))
		if cfg.Search.Provider == "brave" || cfg.Search.APIKey != "" {
			mgr.Register(search.NewBrave(cfg.Search.APIKey))
		}
		search.RegisterTools(registry, mgr)
		logger.Info("web search enabled", "primary", mgr.Primary(), "providers", mgr.Providers())
	}

	if filesEnabled {
		files.RegisterTools(registry, files.NewService(sandbox))
		logger.Info("file tools enabled", "roots", cfg.Files.AllowedDirs)
	} else {
		logger.Info("file tools disabled (no allowed_dirs configured)")
	}

	plansStore, err := plans.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("open plans store: %w", err)
	}
	plans.RegisterTools(registry, plansStore)

	contactStore, err := contacts.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("open contacts store: %w", err)
	}
	contacts.RegisterTools(registry, contactStore)

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	watchProviders(ctx, connMgr, cfg, clients, embClient)

	var emailClient *email.Client
	if cfg.Email.Enabled {
		emailClient = email.NewClient(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password, logger)
		email.RegisterTools(registry, emailClient, cfg.Email.From)
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "imap",
			Probe: emailClient.Ping,
		})
		logger.Info("email tools enabled", "host", cfg.Email.Host)
	}

	if cfg.Calendar.Enabled {
		calClient, err := calendar.New(httpkit.NewClient(), cfg.Calendar.CalDAVURL, cfg.Calendar.Username, cfg.Calendar.Password, loc, logger)
		if err != nil {
			return fmt.Errorf("calendar client: %w", err)
		}
		calendar.RegisterTools(registry, calClient)
		logger.Info("calendar tool enabled", "url", cfg.Calendar.CalDAVURL)
	}

	if cfg.Contacts.Enabled {
		syncer, err := contacts.NewSyncer(httpkit.NewClient(), cfg.Contacts.CardDAVURL, cfg.Contacts.Username, cfg.Contacts.Password, contactStore, time.Duration(cfg.Contacts.SyncMinutes)*time.Minute, logger)
		if err != nil {
			return fmt.Errorf("contacts syncer: %w", err)
		}
		go syncer.Run(ctx)
		logger.Info("contact sync enabled", "url", cfg.Contacts.CardDAVURL, "interval_min", cfg.Contacts.SyncMinutes)
	}

	if cfg.GitHub.Enabled && len(cfg.GitHub.Repos) > 0 {
		ghClient, err := forge.New(httpkit.NewClient(), cfg.GitHub.Token, "", cfg.GitHub.Repos, logger)
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		forge.RegisterTools(registry, ghClient)
		logger.Info("github tool enabled", "repos", cfg.GitHub.Repos)
	}

	// --- Agent loop ---
	// Tool use needs the primary provider; without it the engine
	// degrades to routed streams with no tools.
	var loop *agent.Loop
	if clients.Primary != nil {
		if ts, ok := clients.Primary.(llm.ToolStreamer); ok {
			loop = agent.NewLoop(ts, registry, agent.Config{
				MaxToolIterations: cfg.Budgets.MaxToolIterations,
				MaxTokens:         cfg.Budgets.MaxOutputTokens,
			}, logger)
		}
	}
	if loop == nil {
		logger.Warn("no tool-capable provider configured; tools are disabled")
	}

	// --- Metering and sessions ---
	usageStore, err := usage.NewStore(db)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	guard := usage.NewGuard(usageStore, cfg.Budgets, logger)
	sessions := session.NewManager(cfg.RateLimit, logger)

	persona := prompts.BaseSystemPrompt()
	if cfg.PersonaFile != "" {
		data, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			return fmt.Errorf("load persona %s: %w", cfg.PersonaFile, err)
		}
		persona = string(data)
		logger.Info("persona loaded", "path", cfg.PersonaFile, "size", len(data))
	}

	engine := assistant.NewEngine(sessions, sessionLog, injector, rtr, loop, guard, usageStore, assistant.Config{
		Persona:            persona,
		HistoryTurns:       cfg.Memory.HistoryTurns,
		ContextTokenBudget: cfg.Memory.ContextTokenBudget,
		PrimaryProvider:    "anthropic",
		Pricing:            cfg.Budgets.Pricing,
	}, logger)

	// --- Outbound queue and chat transport ---
	outboxStore, err := outbox.NewStore(db)
	if err != nil {
		return fmt.Errorf("open outbound queue: %w", err)
	}
	outboxStore.AttachBus(bus)

	var chat *transport.Client
	if cfg.Transport.Enabled {
		chat = transport.NewClient(cfg.Transport, logger)
		go func() {
			if err := chat.Listen(ctx); err != nil && ctx.Err() == nil {
				logger.Error("transport receive stream ended", "error", err)
			}
		}()

		processor := outbox.NewProcessor(outboxStore, chat, time.Second, logger)
		go processor.Start(ctx)

		gateway := transport.NewGateway(transport.GatewayConfig{
			Client:    chat,
			Responder: engine,
			Outbox:    outboxStore,
			Sessions:  sessions,
			Allowed:   cfg.AllowedUser,
			Logger:    logger,
		})
		go gateway.Start(ctx)

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "signal",
			Probe: chat.Ping,
		})
	} else {
		logger.Warn("chat transport disabled; nothing will be delivered")
	}

	// --- Scheduler and proactive pipeline ---
	var pipeline *proactive.Pipeline
	if chat != nil {
		pipeline = proactive.NewPipeline(proactive.Config{
			Outbox: outboxStore,
			Editor: chat,
			Runner: engine,
			Logger: logger,
		})
	}

	fire := func(ctx context.Context, a *scheduler.Automation) error {
		if pipeline == nil {
			return fmt.Errorf("automation %q cannot fire: chat transport disabled", a.Label)
		}
		return pipeline.Fire(ctx, a)
	}

	schedStore, err := scheduler.NewStore(db)
	if err != nil {
		return fmt.Errorf("open automation store: %w", err)
	}
	sched := scheduler.New(schedStore, fire, loc, logger)
	schedSlot.Fill(sched)

	primaryUser := cfg.Users[0]
	if pipeline != nil {
		if err := sched.AddBuiltin("morning briefing", cfg.Schedules.BriefingCron, pipeline.Builtin(primaryUser, "Morning briefing")); err != nil {
			return fmt.Errorf("schedule briefing: %w", err)
		}
		if err := sched.AddBuiltin("evening check-in", cfg.Schedules.CheckinCron, pipeline.Builtin(primaryUser, "Evening check-in")); err != nil {
			return fmt.Errorf("schedule check-in: %w", err)
		}
	}
	if err := sched.AddBuiltin("memory consolidation", cfg.Schedules.ConsolidationCron, consolidationJob(cfg, compactor, knowStore, logger)); err != nil {
		return fmt.Errorf("schedule consolidation: %w", err)
	}
	if cfg.Schedules.ReindexEnabled {
		if err := sched.AddBuiltin("reindex", cfg.Schedules.ReindexCron, reindexJob(cfg, embStore, knowStore, logger)); err != nil {
			return fmt.Errorf("schedule reindex: %w", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// --- MQTT bridge ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		trigger := func(ctx context.Context, label string) error {
			if pipeline == nil {
				return fmt.Errorf("trigger %q ignored: chat transport disabled", label)
			}
			return pipeline.Fire(ctx, &scheduler.Automation{UserID: primaryUser, Label: label})
		}

		bridge = mqtt.New(cfg.MQTT, instanceID, &statusSource{
			outbox: outboxStore,
			usage:  usageStore,
			loc:    loc,
		}, trigger, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, cancel := context.WithTimeout(pCtx, 2*time.Second)
				defer cancel()
				return bridge.AwaitConnection(awaitCtx)
			},
		})
	}

	// --- Admin server and shutdown ---
	server := api.NewServer(cfg.Listen, outboxStore, usageStore, connMgr, collector, logger)
	server.MarkReady()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if bridge != nil {
			offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := bridge.Stop(offCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
			offCancel()
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("admin server failed: %w", err)
		}
	}

	logger.Info("Squire stopped")
	return nil
}

// buildProviders constructs the configured streaming clients by
// router role. Any role except Local may come back nil. The configured
// retry policy goes onto the clients themselves: stream initiation is
// retried in exactly one place, whether a call arrives through the
// router or the agent loop.
func buildProviders(cfg *config.Config, logger *slog.Logger) router.Providers {
	retry := llm.RetryPolicy{Attempts: cfg.Retry.Attempts, BaseDelay: cfg.Retry.BaseDelay()}

	var p router.Providers
	if cfg.Anthropic.APIKey != "" {
		c := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		c.SetRetry(retry)
		p.Primary = c
	}
	if cfg.Groq.APIKey != "" {
		c := llm.NewOpenAIClient("groq", cfg.Groq.BaseURL, cfg.Groq.APIKey, logger)
		c.SetRetry(retry)
		p.Fast = c
	}
	if cfg.OpenRouter.APIKey != "" {
		c := llm.NewOpenAIClient("openrouter", cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey, logger)
		c.SetRetry(retry)
		p.Flex = c
	}
	if cfg.Ollama.BaseURL != "" {
		p.Local = llm.NewOllamaClient(cfg.Ollama.BaseURL, logger)
	}
	return p
}

// buildModels maps the config model names onto the router matrix.
func buildModels(cfg *config.Config) router.Models {
	return router.Models{
		PrimarySimple:   cfg.Anthropic.SimpleModel,
		PrimaryComplex:  cfg.Anthropic.ComplexModel,
		FastMedium:      cfg.Groq.MediumModel,
		FastLarge:       cfg.Groq.LargeModel,
		FlexLongContext: cfg.OpenRouter.LongContextModel,
		FlexPersona:     cfg.OpenRouter.PersonaModel,
		Local:           cfg.Ollama.Model,
	}
}

// buildClassifier picks the cheapest configured client for the
// model-assisted classification stage. nil is fine: the classifier
// then stops at its regex stages.
func buildClassifier(cfg *config.Config, p router.Providers, logger *slog.Logger) *router.Classifier {
	switch {
	case p.Fast != nil:
		return router.NewClassifier(p.Fast, cfg.Groq.MediumModel, logger)
	case p.Local != nil:
		return router.NewClassifier(p.Local, cfg.Ollama.Model, logger)
	default:
		return router.NewClassifier(nil, "", logger)
	}
}

// summarizeFunc builds the compaction summarizer over the cheapest
// capable provider.
func summarizeFunc(cfg *config.Config, p router.Providers) memory.SummarizeFunc {
	client, model := p.Local, cfg.Ollama.Model
	if p.Primary != nil {
		client, model = p.Primary, cfg.Anthropic.SimpleModel
	}
	return func(ctx context.Context, prompt string) (string, error) {
		if client == nil {
			return "", fmt.Errorf("no provider available for summarization")
		}
		var buf strings.Builder
		_, err := client.StreamMessage(ctx, llm.Request{
			Model:     model,
			Messages:  []llm.Message{llm.TextMessage("user", prompt)},
			MaxTokens: 1024,
		}, func(delta string) { buf.WriteString(delta) })
		if err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

// watchProviders registers reachability probes for every configured
// LLM endpoint, feeding /ready and /diagnostics.
func watchProviders(ctx context.Context, mgr *connwatch.Manager, cfg *config.Config, p router.Providers, emb *embeddings.Client) {
	watch := func(name string, c llm.Client) {
		pinger, ok := c.(llm.Pinger)
		if !ok {
			return
		}
		mgr.Watch(ctx, connwatch.WatcherConfig{Name: name, Probe: pinger.Ping})
	}
	if p.Primary != nil {
		watch("anthropic", p.Primary)
	}
	if p.Fast != nil {
		watch("groq", p.Fast)
	}
	if p.Flex != nil {
		watch("openrouter", p.Flex)
	}
	if p.Local != nil {
		watch("ollama", p.Local)
	}
	if cfg.EmbeddingsBaseURL() != "" {
		mgr.Watch(ctx, connwatch.WatcherConfig{Name: "embeddings", Probe: emb.Ping})
	}
}

// consolidationJob compacts any user session that has outgrown its
// budget and re-embeds knowledge rows that missed indexing.
func consolidationJob(cfg *config.Config, compactor *memory.Compactor, ks *knowledge.Store, logger *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		for _, user := range cfg.Users {
			key := session.Key(user)
			if compactor.NeedsCompaction(key) {
				if err := compactor.Compact(ctx, key); err != nil {
					logger.Warn("nightly compaction failed", "session", key, "error", err)
				}
			}
			n, err := ks.Reindex(ctx, user)
			if err != nil {
				logger.Warn("knowledge reindex failed", "user_id", user, "error", err)
				continue
			}
			if n > 0 {
				logger.Info("knowledge reindexed", "user_id", user, "items", n)
			}
		}
	}
}

// reindexJob rebuilds the ANN index from stored vectors and heals any
// remaining unembedded rows.
func reindexJob(cfg *config.Config, es *embeddings.Store, ks *knowledge.Store, logger *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		n, err := es.Backfill(ctx)
		if err != nil {
			logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			logger.Info("embedding index backfilled", "vectors", n)
		}
		for _, user := range cfg.Users {
			if _, err := ks.Reindex(ctx, user); err != nil {
				logger.Warn("knowledge reindex failed", "user_id", user, "error", err)
			}
		}
	}
}

// statusSource feeds the MQTT bridge's retained state topics from the
// outbound queue and the usage ledger.
type statusSource struct {
	outbox *outbox.Store
	usage  *usage.Store
	loc    *time.Location
}

func (s *statusSource) QueueDepth(ctx context.Context) (int64, error) {
	return s.outbox.Depth(ctx)
}

func (s *statusSource) TokensToday(ctx context.Context) (int64, error) {
	now := time.Now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	sum, err := s.usage.Summary(ctx, midnight, now)
	if err != nil {
		return 0, err
	}
	return sum.TotalInputTokens + sum.TotalOutputTokens, nil
}

// newLogger creates a structured logger writing to w. All log output
// goes through slog; this standardizes handler configuration across
// subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
