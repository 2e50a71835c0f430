package main

import (
	"context"
	"fmt"
	"io"

	"opsagent/internal/audit"
	"opsagent/internal/config"
	"opsagent/internal/embedding"
	"opsagent/internal/guardrail"
	"opsagent/internal/logging"
	"opsagent/internal/metrics"
	"opsagent/internal/pipeline"
	"opsagent/internal/policy"
	"opsagent/internal/reasoning"
	"opsagent/internal/retrieval"
	"opsagent/internal/router"
	"opsagent/internal/tickets"
	"opsagent/internal/tools"
	"opsagent/internal/tools/calc"
	"opsagent/internal/tools/knowledge"
	"opsagent/internal/tools/ticketing"
)

// app holds every long-lived component of one CLI invocation.
type app struct {
	cfg      *config.Config
	emitter  *audit.Emitter
	metrics  *metrics.Metrics
	holder   *guardrail.Holder
	watcher  *guardrail.Watcher
	adapter  tickets.Adapter
	tickets  *tickets.Manager
	index    *retrieval.Index
	registry *tools.Registry
	engine   reasoning.Engine
	pipeline *pipeline.Pipeline

	cancel context.CancelFunc
}

// bootstrap wires the control plane from cfg. Audit events are written to
// events (nil discards) and mirrored to cfg.Audit.LogFile when set.
func bootstrap(ctx context.Context, cfg *config.Config, events io.Writer) (_ *app, err error) {
	timer := logging.StartTimer(logging.CategoryBoot, "bootstrap")
	defer timer.Stop()

	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var opts []audit.Option
	if cfg.Audit.LogFile != "" {
		opts = append(opts, audit.WithMirrorFile(cfg.Audit.LogFile))
	}
	a.emitter = audit.NewEmitter(events, opts...)
	a.metrics = metrics.New()
	recorder := metrics.Instrument(a.emitter, a.metrics)

	if err := a.loadGuardrails(ctx); err != nil {
		return nil, err
	}

	if err := a.openTickets(); err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(ctx, embedding.Config{
		Provider:      cfg.Retrieval.Embedder,
		Model:         cfg.Retrieval.Model,
		OpenAIAPIKey:  cfg.Reasoning.APIKey,
		OpenAIBaseURL: cfg.Reasoning.BaseURL,
		GenAIAPIKey:   cfg.Retrieval.GenAIAPIKey,
		OllamaURL:     cfg.Retrieval.OllamaURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	a.index = retrieval.NewIndex(engine, retrieval.Options{
		CorpusDir:    cfg.Retrieval.CorpusDir,
		CachePath:    cfg.Retrieval.IndexPath,
		TopK:         cfg.Retrieval.TopK,
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		Workers:      cfg.Retrieval.Workers,
	})

	a.registry = tools.NewRegistry()
	if err := calc.RegisterAll(a.registry); err != nil {
		return nil, err
	}
	if err := ticketing.RegisterAll(a.registry, a.tickets); err != nil {
		return nil, err
	}
	if err := knowledge.RegisterAll(a.registry, a.index, cfg.GetRetrievalTimeout()); err != nil {
		return nil, err
	}

	a.engine, err = reasoning.New(reasoning.Config{
		Provider:    cfg.ReasoningProvider(),
		APIKey:      cfg.Reasoning.APIKey,
		BaseURL:     cfg.Reasoning.BaseURL,
		Model:       cfg.Reasoning.Model,
		Temperature: cfg.Reasoning.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoning engine: %w", err)
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Input:    guardrail.NewInputGuard(a.holder, recorder),
		Output:   guardrail.NewOutputGuard(a.holder, recorder, cfg.Secrets()),
		Router:   router.New(recorder),
		Gate:     policy.New(a.registry, a.holder, recorder),
		Tools:    a.registry,
		Engine:   a.engine,
		Recorder: recorder,
	}, pipeline.Config{
		MaxSteps:         cfg.Reasoning.MaxSteps,
		ReasoningTimeout: cfg.GetReasoningTimeout(),
	})

	logging.Boot("control plane ready: %d tools, reasoning=%s, embedder=%s",
		a.registry.Count(), a.engine.Name(), engine.Name())
	return a, nil
}

// loadGuardrails installs the configured ruleset, or the embedded defaults,
// and starts the hot-reload watcher when asked.
func (a *app) loadGuardrails(ctx context.Context) error {
	rules := guardrail.DefaultRules()
	path := a.cfg.Guardrails.RulesPath
	if path != "" {
		loaded, err := guardrail.LoadRules(path)
		if err != nil {
			return fmt.Errorf("failed to load guardrail rules: %w", err)
		}
		rules = loaded
	}
	a.holder = guardrail.NewHolder(rules)
	logging.Boot("guardrail ruleset %s loaded", rules.Version)

	if path == "" || !a.cfg.Guardrails.Watch {
		return nil
	}
	w, err := guardrail.NewWatcher(path, a.holder)
	if err != nil {
		return fmt.Errorf("failed to watch guardrail rules: %w", err)
	}
	w.OnReload(func(rs *guardrail.RuleSet, err error) {
		if err != nil {
			logging.GuardrailWarn("keeping previous ruleset, reload of %s failed: %v", path, err)
			return
		}
		logging.Guardrail("ruleset %s reloaded from %s", rs.Version, path)
	})
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := w.Start(wctx); err != nil {
		cancel()
		w.Stop()
		return fmt.Errorf("failed to watch guardrail rules: %w", err)
	}
	a.watcher, a.cancel = w, cancel
	return nil
}

func (a *app) openTickets() error {
	path := a.cfg.TicketStorePath()
	var (
		adapter tickets.Adapter
		err     error
	)
	switch a.cfg.Tickets.Backend {
	case "sqlite":
		adapter, err = tickets.NewSQLiteAdapter(path)
	default:
		adapter, err = tickets.NewFileAdapter(path)
	}
	if err != nil {
		return fmt.Errorf("failed to open ticket store %s: %w", path, err)
	}
	a.adapter = tickets.WithRetry(adapter, tickets.RetryPolicy{
		Attempts: a.cfg.Tickets.Retries,
		Backoff:  a.cfg.GetRetryBackoff(),
	})

	transitions, err := tickets.LoadTransitions()
	if err != nil {
		return fmt.Errorf("failed to load ticket transitions: %w", err)
	}
	a.tickets = tickets.NewManager(a.adapter, transitions)
	logging.Boot("ticket store: %s (%s)", path, a.cfg.Tickets.Backend)
	return nil
}

// Close releases the watcher, ticket store and audit mirror.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.adapter != nil {
		if err := a.adapter.Close(); err != nil {
			logging.BootWarn("failed to close ticket store: %v", err)
		}
	}
	if a.emitter != nil {
		if err := a.emitter.Close(); err != nil {
			logging.BootWarn("failed to close audit mirror: %v", err)
		}
	}
}
