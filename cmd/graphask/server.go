package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/graphask/internal/answers"
	"github.com/kalambet/graphask/internal/api"
	"github.com/kalambet/graphask/internal/cache"
	"github.com/kalambet/graphask/internal/config"
	"github.com/kalambet/graphask/internal/engine"
	"github.com/kalambet/graphask/internal/graphdb"
	"github.com/kalambet/graphask/internal/idempotency"
	"github.com/kalambet/graphask/internal/kv"
	"github.com/kalambet/graphask/internal/oracle"
	"github.com/kalambet/graphask/internal/pipeline"
	"github.com/kalambet/graphask/internal/sandbox"
	"github.com/kalambet/graphask/internal/service"
	"github.com/kalambet/graphask/internal/storage"
	"github.com/kalambet/graphask/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with workers and the stale-job reaper (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runServe(workers)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers and the stale-job reaper without the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runWorkers(workers)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		return runMCP(workers)
	},
}

// sandboxExecCmd is the child side of the subprocess sandbox. It runs with an
// empty environment, so it must not load config or .env.
var sandboxExecCmd = &cobra.Command{
	Use:    "sandbox-exec",
	Short:  "Run one analysis request from stdin (internal)",
	Hidden: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.ServeChild(os.Stdin, os.Stdout))
	},
}

func init() {
	for _, c := range []*cobra.Command{serveCmd, workerCmd, mcpCmd} {
		c.Flags().Int("workers", -1, "worker goroutines (-1: worker.concurrency, 0: none)")
	}
}

// app holds the wired components shared by serve, worker and mcp.
type app struct {
	cfg      config.Config
	store    *storage.Store
	pool     *redis.Pool
	graph    *graphdb.Neo4j
	answers  *answers.Store
	pipeline *pipeline.Pipeline
	service  *service.Service
}

func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	a.pool = kv.NewPool(kv.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err := kv.Ping(ctx, a.pool); err != nil {
		return nil, err
	}

	graph, err := graphdb.OpenNeo4j(ctx, graphdb.Neo4jOptions{
		URI:          cfg.Neo4j.URI,
		User:         cfg.Neo4j.User,
		Password:     cfg.Neo4j.Password,
		Database:     cfg.Neo4j.Database,
		QueryTimeout: cfg.Neo4j.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.graph = graph

	eng, err := engine.New(cfg, store)
	if err != nil {
		return nil, err
	}
	if err := engine.EnsureReady(ctx, eng, os.Stderr); err != nil {
		return nil, err
	}

	runner, err := sandbox.New(sandbox.Options{
		Mode: cfg.Sandbox.Mode,
		Limits: sandbox.Limits{
			Timeout:  cfg.Sandbox.Timeout,
			MemoryMB: cfg.Sandbox.MemoryMB,
			MaxFiles: cfg.Sandbox.MaxFiles,
			MaxSteps: uint64(cfg.Sandbox.MaxSteps),
		},
	})
	if err != nil {
		return nil, err
	}

	a.answers = answers.New(a.pool, cfg.Redis.Prefix, cfg.Pipeline.AnswerTTL)
	a.pipeline = pipeline.New(
		graphdb.NewIntrospector(graph),
		oracle.New(eng),
		graph,
		runner,
		cache.New(a.pool, cfg.Redis.Prefix),
		store,
		pipeline.Options{MaxAttempts: cfg.Pipeline.MaxAttempts, CacheTTL: cfg.Pipeline.CacheTTL},
	)
	a.service = service.New(
		a.answers,
		idempotency.New(a.pool, cfg.Redis.Prefix, cfg.Pipeline.IdempotencyTTL),
		store,
		a.pipeline,
		service.Options{PollInterval: cfg.Pipeline.PollInterval, AutoWait: cfg.Pipeline.AutoWait},
	)

	slog.Info("components ready",
		"llm", eng.Model(),
		"sandbox", runner.Mode(),
		"redis", cfg.Redis.Addr,
		"neo4j", cfg.Neo4j.URI,
	)
	ok = true
	return a, nil
}

func (a *app) Close() {
	if a.graph != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.graph.Close(ctx); err != nil {
			slog.Warn("closing neo4j", "error", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			slog.Warn("closing redis pool", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}
}

// startBackground adds the worker pool and the reaper to g. A negative n
// takes worker.concurrency; zero starts neither.
func (a *app) startBackground(ctx context.Context, g *errgroup.Group, n int) error {
	if n < 0 {
		n = a.cfg.Worker.Concurrency
	}
	if n == 0 {
		slog.Info("workers disabled")
		return nil
	}

	reaper := worker.NewReaper(a.store, a.answers, a.cfg.Worker.VisibilityTimeout)
	if err := reaper.Start(ctx, a.cfg.Worker.ReapSchedule); err != nil {
		return err
	}

	w := worker.New(a.store, a.answers, a.pipeline, worker.Options{
		PollInterval:      a.cfg.Worker.PollInterval,
		VisibilityTimeout: a.cfg.Worker.VisibilityTimeout,
	})
	g.Go(func() error {
		return w.RunPool(ctx, n)
	})
	return nil
}

func runServe(workers int) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.API.Token == "" {
		printWarning("api.token is not set; the API accepts unauthenticated requests")
	}

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(api.Deps{Service: a.service, Token: cfg.API.Token}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startBackground(gctx, g, workers); err != nil {
		return err
	}

	g.Go(func() error {
		slog.Info("graphask listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runWorkers(workers int) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if workers == 0 {
		return errors.New("--workers 0 leaves nothing to run")
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startBackground(gctx, g, workers); err != nil {
		return err
	}
	return g.Wait()
}

func runMCP(workers int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := a.startBackground(gctx, g, workers); err != nil {
		return err
	}

	stdio := server.NewStdioServer(api.NewMCPServer(a.service, version))
	g.Go(func() error {
		slog.Info("MCP server started (stdio transport)")
		err := stdio.Listen(gctx, os.Stdin, os.Stdout)
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
