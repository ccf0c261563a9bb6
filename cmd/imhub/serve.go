package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/imhub/internal/admission"
	"github.com/memohai/imhub/internal/apps"
	"github.com/memohai/imhub/internal/auth"
	"github.com/memohai/imhub/internal/channel"
	"github.com/memohai/imhub/internal/channel/adapters/dingtalk"
	"github.com/memohai/imhub/internal/channel/adapters/feishu"
	"github.com/memohai/imhub/internal/completion"
	"github.com/memohai/imhub/internal/config"
	"github.com/memohai/imhub/internal/db"
	"github.com/memohai/imhub/internal/handlers"
	"github.com/memohai/imhub/internal/healthcheck"
	"github.com/memohai/imhub/internal/history"
	"github.com/memohai/imhub/internal/intake"
	"github.com/memohai/imhub/internal/logger"
	"github.com/memohai/imhub/internal/policy"
	"github.com/memohai/imhub/internal/queue"
	"github.com/memohai/imhub/internal/server"
	"github.com/memohai/imhub/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, the worker pool and the stale sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp(
			fx.Provide(
				provideIntakeService,
				provideServerHandler(handlers.NewWebhookHandler),
				provideServerHandler(handlers.NewCompletionHandler),
				provideServerHandler(providePingHandler),
				provideServer,
			),
			fx.Invoke(startWorkerPool, startSweeper, startServer),
		).Err()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newApp(fx.Invoke(startWorkerPool)).Err()
	},
}

// newApp builds the shared graph plus opts and runs it until a signal.
func newApp(opts ...fx.Option) *fx.App {
	app := fx.New(
		fx.Provide(
			loadConfig,
			provideLogger,
			provideDBConn,
			provideRedis,
			provideChannelRegistry,
			apps.NewDirectory,
			provideAdmissionStore,
			history.NewResolver,
			provideScanner,
			provideQueue,
			provideCompletionService,
			provideProcessor,
			provideWorkerPool,
		),
		fx.Options(opts...),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	app.Run()
	return app
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client, nil
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(feishu.NewAdapter(log))
	registry.MustRegister(feishu.NewSummaryAdapter(log, cfg.Intake.SummaryCommands))
	registry.MustRegister(dingtalk.NewAdapter(log, config.Duration(cfg.Intake.DingTalkMaxSkew, time.Hour)))
	return registry
}

func provideAdmissionStore(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *admission.Store {
	return admission.NewStore(log, pool, config.Duration(cfg.Admission.StaleAfter, 10*time.Minute))
}

func provideScanner(log *slog.Logger, pool *pgxpool.Pool, client *redis.Client, cfg config.Config) *policy.Scanner {
	ttl := config.Duration(cfg.Policy.TermCacheTTL, 5*time.Minute)
	return policy.NewScanner(log, policy.NewPGTermSource(pool), client, ttl)
}

func provideQueue(log *slog.Logger, client *redis.Client, cfg config.Config) *queue.RedisQueue {
	return queue.NewRedisQueue(log, client, cfg.Queue.Name, config.Duration(cfg.Queue.VisibilityTimeout, 5*time.Minute))
}

func provideIntakeService(log *slog.Logger, cfg config.Config, registry *channel.Registry, directory *apps.Directory, store *admission.Store, scanner *policy.Scanner, resolver *history.Resolver, q *queue.RedisQueue) *intake.Service {
	return intake.NewService(log, registry, directory, store, scanner, resolver, q, intake.Options{
		HistoryLimit:  cfg.Intake.HistoryLimit,
		DispatchDelay: config.Duration(cfg.Queue.DispatchDelay, time.Second),
		Notices: policy.Notices{
			Exhausted:     cfg.Intake.ExhaustedNotice,
			Misconfigured: cfg.Intake.MisconfigNotice,
		},
	})
}

func provideCompletionService(log *slog.Logger, pool *pgxpool.Pool, store *admission.Store, scanner *policy.Scanner) *completion.Service {
	return completion.NewService(log, pool, store, scanner)
}

func provideProcessor(log *slog.Logger, cfg config.Config) worker.Processor {
	var token string
	if cfg.Auth.JWTSecret != "" {
		signed, _, err := auth.GenerateToken("imhub-worker", cfg.Auth.JWTSecret, config.Duration(cfg.Auth.JWTExpiresIn, 720*time.Hour))
		if err != nil {
			log.Warn("sign processor token failed", slog.Any("error", err))
		}
		token = signed
	}
	return worker.NewHTTPProcessor(cfg.Worker.ProcessorURL, token, config.Duration(cfg.Worker.Timeout, 2*time.Minute))
}

func provideWorkerPool(log *slog.Logger, cfg config.Config, q *queue.RedisQueue, store *admission.Store, directory *apps.Directory, registry *channel.Registry, processor worker.Processor, svc *completion.Service) *worker.Pool {
	return worker.NewPool(log, q, store, directory, registry, processor, svc, worker.Options{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: config.Duration(cfg.Worker.PollInterval, 500*time.Millisecond),
		Timeout:      config.Duration(cfg.Worker.Timeout, 2*time.Minute),
	})
}

func providePingHandler(log *slog.Logger, pool *pgxpool.Pool, q *queue.RedisQueue) *handlers.PingHandler {
	return handlers.NewPingHandler(log, map[string]healthcheck.Checker{
		"postgres": healthcheck.CheckerFunc(pool.Ping),
		"redis":    q,
	})
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startWorkerPool(lc fx.Lifecycle, pool *worker.Pool) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { pool.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return pool.Shutdown(stopCtx) },
	})
}

func startSweeper(lc fx.Lifecycle, log *slog.Logger, store *admission.Store, cfg config.Config) {
	sweeper := admission.NewSweeper(log, store, cfg.Admission.SweepSpec)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return sweeper.Start() },
		OnStop:  func(ctx context.Context) error { sweeper.Stop(ctx); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Auth.JWTSecret == "" {
				logger.Warn("auth.jwt_secret is empty; internal endpoints reject every token")
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			logger.Info("server started", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Stop(ctx)
		},
	})
}
