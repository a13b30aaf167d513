// Command mk-server serves the email lifecycle REST API and a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/mailkeeper/internal/authz"
	"github.com/and161185/mailkeeper/internal/config"
	"github.com/and161185/mailkeeper/internal/events"
	"github.com/and161185/mailkeeper/internal/logsink"
	"github.com/and161185/mailkeeper/internal/migrate"
	"github.com/and161185/mailkeeper/internal/repository"
	"github.com/and161185/mailkeeper/internal/repository/memory"
	"github.com/and161185/mailkeeper/internal/repository/postgres"
	"github.com/and161185/mailkeeper/internal/retention"
	grpcserver "github.com/and161185/mailkeeper/internal/server/grpc"
	httpserver "github.com/and161185/mailkeeper/internal/server/http"
	"github.com/and161185/mailkeeper/internal/service"
	"github.com/and161185/mailkeeper/internal/verify"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// backend is the set of storage ports chosen by --store.
type backend struct {
	emails repository.EmailStore
	roles  authz.RoleSource
	events repository.EventSink
	logs   repository.LogStore
	logw   repository.LogWriter
	probe  grpcserver.Probe
	seed   func(ctx context.Context) (uuid.UUID, error)
	close  func()
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	if cfg.Logs.Persist {
		plain := log
		lvl, _ := zapcore.ParseLevel(cfg.Logs.Level)
		persisted := logsink.New(be.logw, logsink.Options{
			Level:         lvl,
			FlushInterval: cfg.Logs.FlushInterval,
		}, plain.Named("logsink"))
		persisted.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := persisted.Stop(stopCtx); err != nil {
				plain.Warn("log store not drained", zap.Error(err))
			}
		}()
		log = persisted.Tee(log)
	}

	sink, closeSink, err := openSink(ctx, cfg, be)
	if err != nil {
		return err
	}
	defer closeSink()

	emitter := events.NewEmitter(sink, events.Options{
		QueueSize:    cfg.Events.QueueSize,
		WriteTimeout: cfg.Events.WriteTimeout,
	}, log.Named("events"))
	emitter.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := emitter.Stop(stopCtx); err != nil {
			log.Warn("event queue not drained", zap.Error(err))
		}
	}()

	dispatcher := newDispatcher(cfg, log.Named("verify"))
	tokens := service.NewTokens([]byte(cfg.JWTKey), cfg.AccessTTL)
	emails := service.NewEmailService(be.emails, authz.NewOracle(be.roles), emitter, dispatcher, log.Named("emails"))

	if cfg.Dev {
		if err := seedDev(ctx, be, tokens, log); err != nil {
			return err
		}
	}

	var creds credentials.TransportCredentials
	if cfg.TLSCert != "" {
		creds, err = credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
	}
	health := grpcserver.New(be.probe, grpcserver.Options{
		Addr:          cfg.GRPCAddr,
		Reflection:    cfg.Dev,
		ProbeInterval: 15 * time.Second,
		Creds:         creds,
	}, log.Named("grpc"))
	api := httpserver.New(emails, tokens, log.Named("http"), httpserver.Options{
		Addr:           cfg.HTTPAddr,
		RequestTimeout: cfg.RequestTimeout,
		Debug:          cfg.Dev,
	})

	if cfg.Retention.Enabled {
		loc, err := time.LoadLocation(cfg.Retention.Location)
		if err != nil {
			return fmt.Errorf("retention location: %w", err)
		}
		sched, err := retention.NewScheduler(retention.NewSweeper(be.logs), retention.SchedulerOptions{
			Spec:     cfg.Retention.Schedule,
			Location: loc,
			Timeout:  cfg.Retention.Timeout,
		}, log.Named("retention"))
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.Warn("retention sweep still running at shutdown", zap.Error(err))
			}
		}()
	}

	// servers stop first so no new events are emitted while the queue drains
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.ListenAndServe(gctx) })
	g.Go(func() error { return health.ListenAndServe(gctx) })
	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		st := memory.New()
		return &backend{
			emails: st,
			roles:  st,
			events: st,
			logs:   st,
			logw:   st,
			seed: func(context.Context) (uuid.UUID, error) {
				return st.CreateAccount("admin").ID, nil
			},
			close: func() {},
		}, nil
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN, log.Named("migrate")); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("pgxpool: %w", err)
		}
		accounts := postgres.NewAccountRepo(db)
		logs := postgres.NewLogRepo(db)
		return &backend{
			emails: postgres.NewEmailRepo(db),
			roles:  postgres.NewGrantRepo(db),
			events: postgres.NewEventRepo(db),
			logs:   logs,
			logw:   logs,
			probe:  db.Ping,
			seed: func(ctx context.Context) (uuid.UUID, error) {
				a, err := accounts.CreateAccount(ctx, "admin")
				return a.ID, err
			},
			close: db.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func openSink(ctx context.Context, cfg *config.Config, be *backend) (repository.EventSink, func(), error) {
	switch cfg.Events.Sink {
	case config.SinkStore, "":
		return be.events, func() {}, nil
	case config.SinkPostgres:
		if cfg.Store != config.StorePostgres {
			return nil, nil, errors.New("events sink postgres requires store postgres")
		}
		return be.events, func() {}, nil
	case config.SinkRedis:
		client, err := events.NewRedisClient(ctx, cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return events.NewRedisSink(client, cfg.Events.Stream, cfg.Events.StreamMaxLen), func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown events sink %q", cfg.Events.Sink)
}

func newDispatcher(cfg *config.Config, log *zap.Logger) service.Dispatcher {
	links := verify.NewJWTLinks(cfg.Verify.BaseURL, []byte(cfg.Verify.LinkKey), cfg.Verify.LinkTTL)
	if cfg.Verify.Dispatcher == config.DispatchResend {
		return verify.NewResendDispatcher(cfg.Verify.ResendAPIKey, cfg.Verify.From, links, log)
	}
	return verify.NewLogDispatcher(links, log)
}

// seedDev creates an admin account and logs a bearer token for it.
func seedDev(ctx context.Context, be *backend, tokens *service.Tokens, log *zap.Logger) error {
	id, err := be.seed(ctx)
	if err != nil {
		return fmt.Errorf("seed account: %w", err)
	}
	tok, exp, err := tokens.Issue(id)
	if err != nil {
		return err
	}
	log.Info("dev account",
		zap.String("account_id", id.String()),
		zap.String("token", tok),
		zap.Time("expires", exp),
	)
	return nil
}
