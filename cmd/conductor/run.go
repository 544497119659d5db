package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/odvcencio/conductor/pkg/approval"
	"github.com/odvcencio/conductor/pkg/bus"
	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/diagnostics"
	apperrors "github.com/odvcencio/conductor/pkg/errors"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/session"
	"github.com/odvcencio/conductor/pkg/storage"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/tui"
	"github.com/odvcencio/conductor/pkg/uistate"
	"github.com/odvcencio/conductor/pkg/workspace"
)

// interactive reports whether the session can own the terminal. Swapped in
// tests.
var interactive = func(in io.Reader, out io.Writer) bool {
	fin, ok := in.(*os.File)
	if !ok {
		return false
	}
	fout, ok := out.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(fin.Fd())) && term.IsTerminal(int(fout.Fd()))
}

func loadConfig(opts rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "failed to load config")
	}

	if opts.script != "" {
		cfg.Engine.Kind = config.EngineKindScript
		cfg.Engine.Script = opts.script
	}
	if opts.noColor {
		cfg.UI.NoColor = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "invalid config")
	}
	return cfg, nil
}

func openStorage(cfg *config.Config) (*storage.Store, error) {
	if cfg.Storage.Disabled {
		return nil, nil
	}
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to open session store").
			WithContext("path", cfg.Storage.Path)
	}
	return store, nil
}

// resolveResume picks the token to resume: an explicit one, the latest
// stored one for the workspace with --continue, or none.
func resolveResume(ctx context.Context, opts rootOptions, store *storage.Store, ident workspace.Identity) (string, error) {
	if opts.resume != "" {
		return opts.resume, nil
	}
	if !opts.continueLast {
		return "", nil
	}
	if store == nil {
		return "", withExitCode(errors.New("--continue needs session storage, which is disabled"), exitUsage)
	}
	rec, err := store.LatestSessionToken(ctx, ident.Key)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return "", withExitCode(fmt.Errorf("no previous session in %s", ident.Root), exitUsage)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to read the last session")
	}
	return rec.SessionID, nil
}

func newLogger(cfg *config.Config, ident workspace.Identity) *logging.Logger {
	base := ident.RepoName
	if base == "" {
		base = filepath.Base(ident.Root)
	}
	logger, err := logging.NewLogger(cfg.Logging.Dir, workspace.NewRunID(base))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: session logging disabled: %v\n", err)
		return logging.Nop()
	}
	logger.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
	return logger
}

func runSession(ctx context.Context, opts rootOptions, prompt string, in io.Reader, out io.Writer) error {
	if !interactive(in, out) {
		return withExitCode(errors.New("conductor needs an interactive terminal"), exitUsage)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ident := workspace.Current()

	logger := newLogger(cfg, ident)
	defer logger.Close()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		store.AddObserver(storage.ObserverFunc(func(e storage.Event) {
			logger.Debug(logging.CategoryStorage, string(e.Type), e.SessionID, map[string]any{"workspace": e.WorkspaceKey})
		}))
	}

	token, err := resolveResume(ctx, opts, store, ident)
	if err != nil {
		return err
	}
	if token != "" {
		logger.SetSessionID(token)
	}

	eng, err := buildEngine(cfg, ident.Root, logger)
	if err != nil {
		return err
	}

	hub := telemetry.NewHub()
	defer hub.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	tracer := telemetry.NoopTracer()
	if cfg.Telemetry.Tracing {
		tp, err := telemetry.NewTracerProvider("conductor", version, cfg.Telemetry.TraceFile)
		if err != nil {
			logger.Warn(logging.CategorySession, "tracing.disabled", err.Error(), nil)
		} else {
			tracer = tp.Tracer()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	collector := diagnostics.NewCollector()
	collector.Subscribe(hub)
	defer collector.Close()

	var notifier approval.Notifier
	var msgBus bus.Bus
	if cfg.Telemetry.NATSURL != "" {
		natsBus, err := bus.Connect(bus.NATSOptions{
			URL:     cfg.Telemetry.NATSURL,
			Timeout: cfg.Telemetry.NATSTimeout,
		}, logger)
		if err != nil {
			logger.Warn(logging.CategorySession, "bus.disabled", err.Error(), map[string]any{"url": cfg.Telemetry.NATSURL})
		} else {
			msgBus = natsBus
			defer natsBus.Close()
			notifier = bus.NewPlanNotifier(natsBus, cfg.Telemetry.SubjectPrefix)
		}
	}

	uiStore := uistate.New(logger)
	gateway := approval.NewGateway(approval.Options{
		Config:         cfg.Approval,
		CompletionTool: cfg.CompletionToolName(),
		Surfaces:       uiStore,
		Notifier:       notifier,
		Metrics:        metrics,
		Events:         hub,
		Logger:         logger,
	})

	loop := session.New(session.Options{
		Engine:       eng,
		Store:        uiStore,
		Approve:      gateway.Approve(),
		Config:       cfg.Session,
		AllowedTools: cfg.Engine.AllowedTools,
		Logger:       logger,
		Metrics:      metrics,
		Events:       hub,
		Tracer:       tracer,
		OnSessionStarted: func(id string) {
			logger.SetSessionID(id)
			if store == nil {
				return
			}
			err := store.SaveSessionToken(context.WithoutCancel(ctx), storage.SessionRecord{
				SessionID:     id,
				WorkspaceKey:  ident.Key,
				WorkspaceRoot: ident.Root,
				GitBranch:     ident.Branch,
			})
			if err != nil {
				logger.Warn(logging.CategoryStorage, "session.save_failed", err.Error(), map[string]any{"session_id": id})
			}
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var quit atomic.Bool

	ui := tui.New(uiStore, tui.Options{
		Input:    in,
		Output:   out,
		NoColor:  cfg.UI.NoColor,
		Markdown: cfg.UI.Markdown,
		Logger:   logger,
		OnQuit: func() {
			quit.Store(true)
			cancel()
		},
	})

	g, gctx := errgroup.WithContext(runCtx)

	var result session.Result
	g.Go(func() error {
		defer cancel()
		res, err := loop.Run(gctx, prompt, token)
		result = res
		if err != nil && quit.Load() && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return ui.Run(gctx)
	})

	if msgBus != nil {
		events, unsubscribe := hub.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			bus.Forward(gctx, events, msgBus, cfg.Telemetry.SubjectPrefix, logger)
			return nil
		})
	}

	if cfg.Approval.WatchConfig {
		g.Go(func() error {
			if err := watchAllowList(gctx, opts, gateway, logger); err != nil {
				logger.Warn(logging.CategoryConfig, "config.watch_failed", err.Error(), nil)
			}
			return nil
		})
	}

	if cfg.Diagnostics.Bind != "" {
		server := diagnostics.NewServer(diagnostics.ServerOptions{
			Bind:      cfg.Diagnostics.Bind,
			Store:     uiStore,
			Collector: collector,
			Gatherer:  registry,
			Logger:    logger,
		})
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				logger.Warn(logging.CategorySession, "diagnostics.failed", err.Error(), nil)
			}
			return nil
		})
	}

	err = g.Wait()
	recordOutcome(store, result, logger)
	if err != nil {
		return err
	}
	if result.State == session.StateCompleted {
		logger.Info(logging.CategorySession, "session.completed", result.SessionID, map[string]any{"iterations": result.Iterations})
	}
	return nil
}

// watchAllowList reloads the shell allow-list whenever a config file
// changes.
func watchAllowList(ctx context.Context, opts rootOptions, gateway *approval.Gateway, logger *logging.Logger) error {
	paths := config.DefaultPaths()
	if opts.configPath != "" {
		paths = []string{opts.configPath}
	}
	return config.Watch(ctx, paths, func() (*config.Config, error) {
		return loadConfig(opts)
	}, func(cfg *config.Config, err error) {
		if err != nil {
			logger.Warn(logging.CategoryConfig, "config.reload_failed", err.Error(), nil)
			return
		}
		gateway.SetAllowCommands(cfg.Approval.AllowCommands)
		logger.Info(logging.CategoryConfig, "config.reloaded", "allow-list updated", map[string]any{
			"patterns": len(cfg.Approval.AllowCommands),
		})
	})
}

func recordOutcome(store *storage.Store, result session.Result, logger *logging.Logger) {
	if store == nil || result.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := store.UpdateSessionState(ctx, result.SessionID, string(result.State), result.Iterations)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		logger.Warn(logging.CategoryStorage, "session.update_failed", err.Error(), map[string]any{"session_id": result.SessionID})
	}
}
