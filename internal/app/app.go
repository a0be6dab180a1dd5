// Package app builds the Olympus service graph from a workspace: config,
// database, engine, War Room and the optional outbound integrations.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aicallyu/olympus/internal/agent"
	"github.com/aicallyu/olympus/internal/browser"
	"github.com/aicallyu/olympus/internal/config"
	"github.com/aicallyu/olympus/internal/db"
	"github.com/aicallyu/olympus/internal/engine"
	"github.com/aicallyu/olympus/internal/ingest"
	"github.com/aicallyu/olympus/internal/migrate"
	"github.com/aicallyu/olympus/internal/notify"
	"github.com/aicallyu/olympus/internal/pipeline"
	"github.com/aicallyu/olympus/internal/runners"
	"github.com/aicallyu/olympus/internal/server"
	"github.com/aicallyu/olympus/internal/telemetry"
	"github.com/aicallyu/olympus/internal/warroom"
)

// Version is reported to the tracer and the CLI.
var Version = "dev"

type Options struct {
	Workspace string
	// ProjectID names the project when the workspace has no olympus.yml.
	ProjectID string
	ActorID   string
	Secrets   config.Secrets
	Logger    *slog.Logger

	// Browser and Invoker replace the chromedp browser and the OpenAI
	// client, mostly in tests.
	Browser browser.Browser
	Invoker agent.Invoker
}

type App struct {
	Config      *config.Config
	Secrets     config.Secrets
	DB          *sql.DB
	Engine      engine.Engine
	Agents      agent.Directory
	Router      *warroom.Router
	Discussions *warroom.Orchestrator
	Logger      *slog.Logger

	closers []func()
}

// Open loads the workspace and wires every component. The configured project
// is created when missing and the agents from config are upserted.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	projectID := opts.ProjectID
	if projectID == "" {
		projectID = "olympus"
	}
	cfg, err := config.LoadOrDefault(opts.Workspace, projectID)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Secrets: opts.Secrets, DB: conn, Logger: logger}
	a.closers = append(a.closers, func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	a.Agents = agent.Directory{Store: e.Repo}
	if err := a.Agents.Seed(ctx, cfg.Agents); err != nil {
		a.Close()
		return nil, err
	}
	e.Agents = a.Agents
	e.Notifier = a.notifier(e)
	e.Runners = a.runners(ctx, opts.Browser)
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	if _, err := e.EnsureProject(ctx, actor); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure project: %w", err)
	}
	a.Engine = e

	invoker := opts.Invoker
	if invoker == nil {
		invoker = agent.NewOpenAIInvoker(opts.Secrets.LLMAPIKey, "", "", cfg.Routing.AgentTimeout)
	}
	warroom.DefaultMode = cfg.Routing.DefaultMode
	a.Router = warroom.NewRouter(e.Repo, a.Agents, invoker, cfg.Routing.Moderator)
	a.Router.Events = e.Events
	a.Router.Logger = logger.With("component", "router")
	a.Router.ContextMessages = cfg.Routing.ContextMessages
	a.Router.AgentTimeout = cfg.Routing.AgentTimeout
	if cfg.Voice.TTSURL != "" || cfg.Voice.STTURL != "" {
		voice := agent.NewHTTPVoice(cfg.Voice.TTSURL, cfg.Voice.STTURL, opts.Secrets.VoiceAPIKey, cfg.Voice.Timeout)
		if cfg.Voice.TTSURL != "" {
			a.Router.Speaker = voice
		}
		if cfg.Voice.STTURL != "" {
			a.Router.Transcriber = voice
		}
	}
	a.Discussions = &warroom.Orchestrator{
		Store:           e.Repo,
		Agents:          a.Agents,
		Invoker:         invoker,
		Events:          e.Events,
		Moderator:       cfg.Discussion.Moderator,
		MaxDuration:     cfg.Discussion.MaxDuration,
		MaxTokens:       cfg.Discussion.MaxTokens,
		ContextMessages: cfg.Discussion.ContextMessages,
		TurnTimeout:     cfg.Discussion.TurnTimeout,
		Logger:          logger.With("component", "discussion"),
	}
	return a, nil
}

func (a *App) notifier(e engine.Engine) notify.Dispatcher {
	d := notify.Dispatcher{Store: e.Repo, Logger: a.Logger.With("component", "notify")}
	slackCfg := a.Config.Notify.Slack
	if !slackCfg.Enabled {
		return d
	}
	ch, err := notify.NewSlack(a.Secrets.SlackToken, slackCfg.Channel, slackCfg.APIURL, nil)
	if err != nil {
		// The dashboard feed still works without forwarding.
		a.Logger.Warn("slack forwarding disabled", "err", err)
		return d
	}
	d.Channel = ch
	return d
}

func (a *App) runners(ctx context.Context, b browser.Browser) map[pipeline.Gate]runners.Runner {
	gates := a.Config.Gates
	if b == nil {
		chrome := browser.NewChrome(context.WithoutCancel(ctx), gates.Perception.PageTimeout)
		a.closers = append(a.closers, chrome.Close)
		b = chrome
	}
	return map[pipeline.Gate]runners.Runner{
		pipeline.GateBuild: runners.Build{Exec: &runners.RealExecRunner{}, Commands: gates.Build.Commands},
		pipeline.GateDeploy: runners.Deploy{
			HTTP:        &http.Client{Timeout: gates.Deploy.HTTPTimeout},
			Browser:     b,
			HTTPTimeout: gates.Deploy.HTTPTimeout,
			WaitTimeout: gates.Perception.WaitTimeout,
		},
		pipeline.GatePerception: runners.Perception{Browser: b, WaitTimeout: gates.Perception.WaitTimeout},
	}
}

// Handler returns the HTTP API for this app.
func (a *App) Handler(basePath string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:      a.Engine,
		Router:      a.Router,
		Discussions: a.Discussions,
		BasePath:    basePath,
		Auth:        server.AuthConfig{JWTSecret: a.Secrets.JWTSecret},
		Logger:      a.Logger.With("component", "http"),
	})
}

// StartBackground launches tracing, webhook delivery and the Kafka deploy
// ingest when they are enabled. The returned func flushes the tracer.
func (a *App) StartBackground(ctx context.Context) (telemetry.Shutdown, error) {
	tc := a.Config.Telemetry
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        tc.Enabled,
		ServiceName:    tc.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   tc.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	server.StartWebhooks(ctx, a.Engine, a.Logger)

	kc := a.Config.Ingest.Kafka
	if kc.Enabled {
		consumer := ingest.NewKafkaConsumer(kc.Brokers, kc.Topic, kc.GroupID)
		a.closers = append(a.closers, func() { consumer.Close() })
		in := ingest.Ingestor{Consumer: consumer, Handler: a.Engine, Logger: a.Logger.With("component", "ingest")}
		go func() {
			if err := in.Run(ctx); err != nil {
				a.Logger.Error("deploy ingest stopped", "err", err)
			}
		}()
	}
	return shutdown, nil
}

// Serve runs the HTTP API until ctx is done.
func (a *App) Serve(ctx context.Context, addr, basePath string) error {
	handler, err := a.Handler(basePath)
	if err != nil {
		return err
	}
	shutdownTracing, err := a.StartBackground(ctx)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		shutdownTracing(shutdownCtx)
	}()
	a.Logger.Info("serving olympus api", "addr", addr, "base_path", basePath, "project", a.Config.Project.ID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the browser, the consumer and the database.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
