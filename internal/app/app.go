// Package app assembles the engine and its collaborators from a Config and
// runs the HTTP service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/abhisek/focuscoach/internal/api"
	"github.com/abhisek/focuscoach/internal/channel"
	"github.com/abhisek/focuscoach/internal/compose"
	"github.com/abhisek/focuscoach/internal/config"
	"github.com/abhisek/focuscoach/internal/delivery"
	"github.com/abhisek/focuscoach/internal/delivery/stream"
	"github.com/abhisek/focuscoach/internal/engine"
	"github.com/abhisek/focuscoach/internal/llm"
	"github.com/abhisek/focuscoach/internal/registry"
	"github.com/abhisek/focuscoach/internal/signals"
	"github.com/abhisek/focuscoach/internal/store"
	"github.com/abhisek/focuscoach/internal/unlock"
	"github.com/abhisek/focuscoach/internal/usercontext"
)

// App holds every wired component. Close releases them.
type App struct {
	Config   config.Config
	Store    *store.Store
	Registry *registry.Registry
	Signals  signals.Source
	Queue    stream.Queue
	Router   *delivery.Router
	Unlock   *unlock.Engine
	Contexts *usercontext.Aggregator
	Engine   *engine.Engine
	Hub      *stream.Hub

	logger  *zap.Logger
	closers []func() error
}

// LoadRegistry reads the catalog at path, or the built-in catalog when
// path is empty. Templates that do not render are reported as invalid.
func LoadRegistry(path string) (*registry.Registry, error) {
	data := registry.DefaultCatalog()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		data = b
	}
	reg, err := registry.Load(data)
	if err != nil {
		return nil, err
	}
	if problems := compose.Check(reg.All()); len(problems) > 0 {
		return nil, fmt.Errorf("%w:\n  %s", registry.ErrRegistryInvalid, strings.Join(problems, "\n  "))
	}
	return reg, nil
}

// OpenStore opens the SQLite store at cfg.DBPath or the default location.
func OpenStore(cfg config.Config, logger *zap.Logger) (*store.Store, error) {
	path := cfg.DBPath
	if path == "" {
		p, err := store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		path = p
	} else if err := store.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return store.Open(path, logger)
}

// Open wires the application. On error every resource opened so far is
// released.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if a.Registry, err = LoadRegistry(cfg.CatalogPath); err != nil {
		return nil, fmt.Errorf("load trigger catalog: %w", err)
	}
	if a.Store, err = OpenStore(cfg, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Signals, err = a.openSignals(ctx); err != nil {
		return nil, err
	}
	if a.Queue, err = a.openQueue(ctx); err != nil {
		return nil, err
	}

	provider, err := llm.NewProvider(ctx, cfg.LLM, a.Store.LLMEvents(), logger)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if provider == nil {
		logger.Info("llm provider not configured, using template copy")
	}
	composer := compose.NewLLM(provider, compose.NewTemplates(), cfg.ForComposer(), logger)

	client := &http.Client{}
	a.Router = delivery.NewRouter(cfg.ForRouter(), a.Store.Ledger(), []delivery.Channel{
		delivery.NewWebhook(channel.Push, a.Signals, client),
		delivery.NewWebhook(channel.Email, a.Signals, client),
		stream.NewChannel(a.Queue),
	}, logger)

	a.Unlock = unlock.NewEngine(unlock.DefaultConfig(), a.Store.Unlocks(), logger)
	a.Contexts = usercontext.NewAggregator(a.Signals, a.Store.Unlocks(), a.Store.Ledger())
	a.Engine = engine.New(cfg.ForEngine(), engine.Deps{
		Registry: a.Registry,
		Ledger:   a.Store.Ledger(),
		Unlock:   a.Unlock,
		Composer: composer,
		Router:   a.Router,
		Contexts: a.Contexts,
	}, logger)
	a.Hub = stream.NewHub(a.Queue, a.Router, cfg.ForHub(), logger)
	return a, nil
}

func (a *App) openSignals(ctx context.Context) (signals.Source, error) {
	switch {
	case a.Config.SignalsFile != "":
		src, err := signals.OpenFile(a.Config.SignalsFile)
		if err != nil {
			return nil, fmt.Errorf("open signals file: %w", err)
		}
		return src, nil
	case a.Config.PostgresURL != "":
		pool, err := signals.Connect(ctx, a.Config.PostgresURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		return signals.NewPostgres(pool, signals.PostgresConfig{Lookback: a.Config.Lookback}), nil
	default:
		return nil, errors.New("no signal source: set COACH_SIGNALS_FILE or COACH_POSTGRES_URL")
	}
}

func (a *App) openQueue(ctx context.Context) (stream.Queue, error) {
	if a.Config.RedisURL == "" {
		a.logger.Warn("COACH_REDIS_URL not set, stream entries are kept in memory")
		return stream.NewMemory(), nil
	}
	client, err := stream.ConnectRedis(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return stream.NewRedis(client, stream.RedisConfig{MaxLen: a.Config.StreamMaxLen}), nil
}

// Server returns the HTTP API over the app's components.
func (a *App) Server() *api.Server {
	return api.New(api.Deps{
		Engine:   a.Engine,
		Contexts: a.Contexts,
		Ledger:   a.Store.Ledger(),
		Acks:     a.Router,
		Stream:   a.Hub.Handle,
	}, a.logger)
}

// Sweep runs one cycle for every user the signal source knows.
func (a *App) Sweep(ctx context.Context, now time.Time) (engine.SweepReport, error) {
	users, err := a.Signals.Users(ctx)
	if err != nil {
		return engine.SweepReport{}, fmt.Errorf("list users: %w", err)
	}
	return a.Engine.Sweep(ctx, users, now)
}

// Serve resumes deferred firings, then serves HTTP on Config.HTTPAddr,
// sweeps every Config.SweepInterval and resumes stranded pending firings
// every Config.ResumeInterval until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.Resume(ctx); err != nil {
		return fmt.Errorf("resume deferred firings: %w", err)
	}

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.Config.SweepInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(a.Config.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					if _, err := a.Sweep(gctx, now); err != nil && gctx.Err() == nil {
						a.logger.Error("sweep", zap.Error(err))
					}
				}
			}
		})
	}
	if a.Config.ResumeInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(a.Config.ResumeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if _, err := a.Resume(gctx); err != nil && gctx.Err() == nil {
						a.logger.Error("resume pending firings", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// Resume hands every due pending firing that is not already queued back to
// the router. It returns how many were dispatched.
func (a *App) Resume(ctx context.Context) (int, error) {
	n, err := a.Router.ResumeDeferred(ctx)
	if errors.Is(err, delivery.ErrClosed) {
		return n, nil
	}
	if n > 0 {
		a.logger.Info("resumed pending firings", zap.Int("count", n))
	}
	return n, err
}

// Close drains the router and releases every resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Router != nil {
		if err := a.Router.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
