// Package app wires the configured components into a running assistant.
// Both the HTTP server and the console build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/oracle-garnett/oracle/internal/actionlog"
	"github.com/oracle-garnett/oracle/internal/auth"
	"github.com/oracle-garnett/oracle/internal/backend"
	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/classify"
	"github.com/oracle-garnett/oracle/internal/engine"
	"github.com/oracle-garnett/oracle/internal/handlers"
	"github.com/oracle-garnett/oracle/internal/healing"
	"github.com/oracle-garnett/oracle/internal/llm"
	"github.com/oracle-garnett/oracle/internal/memory"
	"github.com/oracle-garnett/oracle/internal/memsync"
	"github.com/oracle-garnett/oracle/internal/notify"
	"github.com/oracle-garnett/oracle/internal/override"
	"github.com/oracle-garnett/oracle/internal/permission"
	"github.com/oracle-garnett/oracle/internal/store"
	"github.com/oracle-garnett/oracle/pkg/config"
)

// BackendNone disables the memory store.
const BackendNone = "none"

// ErrUnknownBackend is returned for an unsupported memory.backend value.
var ErrUnknownBackend = errors.New("app: unknown memory backend")

// App holds the wired components.
type App struct {
	Config    *config.Config
	Auth      *auth.Service
	Gate      *override.Gate
	Registry  *capability.Registry
	Executor  *engine.Executor
	ActionLog *actionlog.Logger
	Inbox     *notify.Inbox
	Backends  *backend.Monitor
	Memory    memory.Store
	Sync      *memsync.Bridge

	closers []func()
}

// Options replaces collaborators, mainly for tests. Zero fields use the
// configured defaults.
type Options struct {
	LLM   llm.Client
	Redis *redis.Client
}

// Build connects the configured stores and wires the executor. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.ActionLog, err = actionlog.New(actionlog.Config{
		Path:       cfg.ActionLog.Path,
		MaxSizeMB:  cfg.ActionLog.MaxSizeMB,
		MaxBackups: cfg.ActionLog.MaxBackups,
		MaxAgeDays: cfg.ActionLog.MaxAgeDays,
		Compress:   cfg.ActionLog.Compress,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func() { a.ActionLog.Close() })

	rdb := opts.Redis
	if rdb == nil && cfg.Redis.URL != "" {
		rdb, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { rdb.Close() })
	}

	a.Memory, err = a.openMemory(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}

	a.Auth = auth.NewService(auth.Config{
		PIN:       cfg.Admin.PIN,
		Root:      cfg.Admin.Root,
		Family:    cfg.Admin.Family,
		JWTSecret: cfg.Admin.JWTSecret,
		TokenTTL:  cfg.Admin.TokenTTL,
	})
	a.Gate = override.NewGate()
	a.Inbox = notify.NewInbox(0)

	client := opts.LLM
	if client == nil {
		if err := backend.ValidateURL(cfg.LLM.APIURL); err != nil {
			return nil, fmt.Errorf("app: llm.api_url: %w", err)
		}
		client = llm.NewHTTPClient(cfg.LLM)
	}

	a.Backends = newMonitor(cfg)

	a.Registry, err = a.registerCapabilities(cfg, client)
	if err != nil {
		return nil, err
	}

	var grants permission.GrantStore = permission.NewMemoryGrants(0)
	if rdb != nil {
		grants = permission.NewRedisGrants(rdb, 0)
	}

	deps := engine.Deps{
		Classifier:  classify.New(a.Registry, classify.NewLLMModel(client), cfg.Engine.ClassifierThreshold),
		Registry:    a.Registry,
		Gate:        a.Gate,
		Permissions: permission.NewChecker(grants),
		Healer: healing.NewPolicy(healing.Config{
			MaxRetries:          cfg.Engine.MaxRetries,
			InitialInterval:     cfg.Engine.BackoffInitial,
			MaxInterval:         cfg.Engine.BackoffMax,
			RandomizationFactor: 0.2,
		}, a.ActionLog),
		Log:      a.ActionLog,
		Notifier: a.Inbox,
	}
	if a.Memory != nil {
		a.Sync = memsync.New(a.Memory, memsync.Config{
			QueueSize:   cfg.Memory.SyncQueueSize,
			MaxAttempts: cfg.Memory.SyncMaxAttempts,
		})
		deps.Memory = a.Sync
	}

	a.Executor = engine.New(deps, engine.Config{
		HandlerTimeout: cfg.Engine.HandlerTimeout,
		PendingLimit:   cfg.Engine.PendingLimit,
	})

	slog.Info("app: built",
		slog.String("memory_backend", cfg.Memory.Backend),
		slog.Bool("redis", rdb != nil),
		slog.Int("capabilities", len(a.Registry.Tags())),
	)
	return a, nil
}

// newMonitor registers every external backend with a health check so an
// open circuit closes again once the backend answers.
func newMonitor(cfg *config.Config) *backend.Monitor {
	m := backend.NewMonitor(cfg.Engine.BackendInterval)
	m.Register(handlers.BackendLLM, backend.HTTPProber{URL: strings.TrimRight(cfg.LLM.APIURL, "/") + "/models"})
	m.Register(handlers.BackendImage, backend.HTTPProber{URL: cfg.Image.APIURL})
	return m
}

func (a *App) registerCapabilities(cfg *config.Config, client llm.Client) (*capability.Registry, error) {
	chatOpts := []handlers.ChatOption{
		handlers.WithPersona(cfg.Persona),
		handlers.WithBackends(a.Backends),
	}
	if a.Memory != nil {
		chatOpts = append(chatOpts, handlers.WithMemories(a.Memory, cfg.Memory.ContextRecords))
	}

	reg := capability.NewRegistry()
	for _, r := range []struct {
		tag  capability.Tag
		h    capability.Handler
		opts []capability.Option
	}{
		{capability.TagChat, handlers.NewChat(client, chatOpts...),
			[]capability.Option{capability.WithDescription("answer conversationally")}},
		{capability.TagFallback, handlers.NewChat(client, append(chatOpts, handlers.AsFallback())...),
			[]capability.Option{capability.WithDescription("answer an unrouted request")}},
		{capability.TagWebBrowse, handlers.NewWebBrowse(cfg.Web),
			[]capability.Option{capability.WithDescription("read a web page")}},
		{capability.TagWebAction, handlers.NewWebAction(cfg.Web),
			[]capability.Option{capability.WithDescription("submit a web form")}},
		{capability.TagImageCreate, handlers.NewImageCreate(cfg.Image, a.Backends),
			[]capability.Option{capability.WithDescription("create an image"), capability.WithMaxRetries(2)}},
		{capability.TagImageEdit, handlers.NewImageEdit(cfg.Image, a.Backends, cfg.Workspace.Root),
			[]capability.Option{capability.WithDescription("edit an image"), capability.WithMaxRetries(2)}},
		{capability.TagFileOps, handlers.NewFileOps(cfg.Workspace.Root),
			[]capability.Option{capability.WithDescription("create a folder"), capability.WithMaxRetries(1)}},
		{capability.TagSystemStatus, handlers.NewSystemStatus(a.Gate, a.Backends),
			[]capability.Option{capability.WithDescription("report system status")}},
	} {
		if err := reg.Register(r.tag, r.h, r.opts...); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	reg.Freeze()
	return reg, nil
}

func (a *App) openMemory(ctx context.Context, cfg *config.Config, rdb *redis.Client) (memory.Store, error) {
	var inner memory.Store
	switch cfg.Memory.Backend {
	case BackendNone:
		return nil, nil
	case "", memory.BackendFile:
		fs, err := memory.NewFileStore(cfg.Memory.FilePath)
		if err != nil {
			return nil, err
		}
		inner = fs
	case memory.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: create db pool: %w", err)
		}
		a.onClose(pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("app: ping database: %w", err)
		}
		st := store.NewStore(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		inner = memory.NewPostgresStore(st.Queries)
		slog.Info("app: database connected")
	case memory.BackendRedis:
		if rdb == nil {
			return nil, errors.New("app: memory backend redis requires redis.url")
		}
		inner = memory.NewRedisStore(rdb, cfg.Memory.RedisMaxLen)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Memory.Backend)
	}

	if cfg.Memory.SecretKey == "" {
		return inner, nil
	}
	return memory.NewEncrypted(inner, cfg.Memory.SecretKey)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	slog.Info("app: redis connected")
	return rdb, nil
}

// Run starts the background workers (memory sync retries, backend health
// probes) and blocks until ctx is done or a worker fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.Sync != nil {
		g.Go(func() error { return ignoreCancel(a.Sync.Run(ctx)) })
	}
	g.Go(func() error { return ignoreCancel(a.Backends.Run(ctx)) })
	return g.Wait()
}

// Close releases stores in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
