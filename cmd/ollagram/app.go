package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	cmdpkg "github.com/stupiduntilnot/ollagram/internal/commander"
	"github.com/stupiduntilnot/ollagram/internal/config"
	"github.com/stupiduntilnot/ollagram/internal/control"
	"github.com/stupiduntilnot/ollagram/internal/db"
	"github.com/stupiduntilnot/ollagram/internal/dispatch"
	"github.com/stupiduntilnot/ollagram/internal/dummy"
	"github.com/stupiduntilnot/ollagram/internal/engine"
	"github.com/stupiduntilnot/ollagram/internal/logging"
	modelpkg "github.com/stupiduntilnot/ollagram/internal/model"
	"github.com/stupiduntilnot/ollagram/internal/ollama"
	"github.com/stupiduntilnot/ollagram/internal/router"
	"github.com/stupiduntilnot/ollagram/internal/session"
	"github.com/stupiduntilnot/ollagram/internal/telegram"
)

// shutdownGrace bounds how long in-flight chats may keep running after a
// stop signal.
const shutdownGrace = 30 * time.Second

const getMeTimeout = 10 * time.Second

// botNamer is a commander that knows its own username.
type botNamer interface {
	GetMe(ctx context.Context) (cmdpkg.User, error)
}

func runBot(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return a.run(ctx)
}

// app is the wired bot.
type app struct {
	cfg       config.Config
	log       *zap.Logger
	journal   *db.Journal
	commander cmdpkg.Commander
	provider  modelpkg.Provider
	store     *session.Store
	engine    *engine.Engine
	router    *router.Router
	grace     time.Duration
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	var journal *db.Journal
	if cfg.DBPath != "" {
		j, err := db.OpenJournal(cfg.DBPath, logger.Named("journal"))
		if err != nil {
			return nil, err
		}
		journal = j
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to init model provider: %w", err)
	}

	store := session.NewStore(cfg.DefaultModel, session.WithMaxTurns(cfg.HistoryMaxTurns))
	eng := engine.New(store, provider, commander, journal, logger.Named("engine"), engine.Options{
		SystemPrompt:   cfg.SystemPrompt,
		RequestTimeout: cfg.RequestTimeout,
	})
	routerOpts := []router.Option{router.WithJournal(journal)}
	if name := lookupBotName(ctx, commander, logger); name != "" {
		routerOpts = append(routerOpts, router.WithBotName(name))
	}
	rt := router.New(store, provider, eng, commander, logger.Named("router"), routerOpts...)

	return &app{
		cfg:       cfg,
		log:       logger,
		journal:   journal,
		commander: commander,
		provider:  provider,
		store:     store,
		engine:    eng,
		router:    rt,
		grace:     shutdownGrace,
	}, nil
}

func (a *app) close() {
	if err := a.journal.Close(); err != nil {
		a.log.Warn("close journal", zap.Error(err))
	}
}

// run polls until ctx is cancelled, then lets queued chats finish within the
// grace period.
func (a *app) run(ctx context.Context) error {
	processID := a.journal.Record(ctx, db.EventProcessStarted, map[string]any{
		"pid":           os.Getpid(),
		"version":       version,
		"commander":     a.cfg.Commander,
		"provider":      a.cfg.ModelProvider,
		"default_model": a.cfg.DefaultModel,
	})
	ctx = db.WithParent(ctx, processID)

	a.log.Info("ollagram running",
		zap.String("version", version),
		zap.String("commander", a.cfg.Commander),
		zap.String("provider", a.cfg.ModelProvider),
		zap.String("ollama_base_url", a.cfg.OllamaBaseURL),
		zap.String("default_model", a.cfg.DefaultModel),
		zap.Int("max_concurrency", a.cfg.MaxConcurrency),
		zap.Bool("journal", a.journal != nil),
	)

	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()
	dispatcher := dispatch.New(jobsCtx, dispatch.Options{
		MaxConcurrency: a.cfg.MaxConcurrency,
		QueueSize:      a.cfg.ChatQueueSize,
	}, a.journal, a.log.Named("dispatch"))

	// A scripted commander has no backlog to drop.
	dropPending := a.cfg.DropPending && a.cfg.Commander == config.CommanderTelegram
	p := &poller{
		commander:     a.commander,
		handler:       a.router,
		dispatcher:    dispatcher,
		journal:       a.journal,
		circuit:       control.NewCircuitBreaker(5, 30*time.Second),
		log:           a.log.Named("poll"),
		timeout:       a.cfg.Timeout,
		idleSleep:     time.Duration(a.cfg.SleepSeconds) * time.Second,
		dropPending:   dropPending,
		pendingWindow: a.cfg.PendingWindowSeconds,
		pendingMax:    a.cfg.PendingMaxMessages,
	}
	pollErr := p.run(ctx)

	a.log.Info("shutting down", zap.Int("chat_workers", dispatcher.Workers()))
	closed := make(chan struct{})
	go func() {
		_ = dispatcher.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(a.grace):
		a.log.Warn("grace period expired; cancelling in-flight chats", zap.Duration("grace", a.grace))
		cancelJobs()
		<-closed
	}

	a.journal.Record(context.WithoutCancel(ctx), db.EventProcessStopped, map[string]any{"pid": os.Getpid()})
	return pollErr
}

// lookupBotName asks the commander for the bot's username. On failure the
// router accepts commands addressed to any bot.
func lookupBotName(ctx context.Context, commander cmdpkg.Commander, logger *zap.Logger) string {
	namer, ok := commander.(botNamer)
	if !ok {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, getMeTimeout)
	defer cancel()
	me, err := namer.GetMe(ctx)
	if err != nil {
		logger.Warn("getMe failed, accepting commands for any bot name", zap.Error(err))
		return ""
	}
	logger.Info("bot identity", zap.Int64("bot_id", me.ID), zap.String("username", me.Username))
	return me.Username
}

func newCommander(cfg *config.Config) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case config.CommanderTelegram:
		// The HTTP timeout must outlast the long poll.
		return telegram.NewClient(telegram.APIBase(cfg.TelegramAPIBase, cfg.TelegramToken), time.Duration(cfg.Timeout+20)*time.Second), nil
	case config.CommanderDummy:
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(cfg *config.Config) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderOllama:
		// Completions are bounded per request by the engine; the client
		// timeout only guards against a stuck connection.
		return ollama.NewClient(cfg.OllamaBaseURL, cfg.RequestTimeout+10*time.Second), nil
	case config.ProviderDummy:
		return dummy.NewProvider(cfg.DummyModels, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
