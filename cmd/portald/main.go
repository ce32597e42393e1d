// Command portald runs the pharmacy portal sync agent: the unread tracker and the
// conversation engine behind a local UI API, a diagnostics gRPC endpoint and
// metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/rxportal/internal/config"
	"github.com/and161185/rxportal/internal/feed"
	"github.com/and161185/rxportal/internal/feed/natsfeed"
	"github.com/and161185/rxportal/internal/feed/pgnotify"
	"github.com/and161185/rxportal/internal/limiter"
	"github.com/and161185/rxportal/internal/localstore"
	"github.com/and161185/rxportal/internal/metrics"
	"github.com/and161185/rxportal/internal/migrate"
	"github.com/and161185/rxportal/internal/model"
	"github.com/and161185/rxportal/internal/portal"
	"github.com/and161185/rxportal/internal/reconcile"
	"github.com/and161185/rxportal/internal/repository/postgres"
	"github.com/and161185/rxportal/internal/schedule"
	grpcserver "github.com/and161185/rxportal/internal/server/grpc"
	httpserver "github.com/and161185/rxportal/internal/server/http"
	"github.com/and161185/rxportal/internal/service"
	"github.com/and161185/rxportal/internal/session"
	"github.com/and161185/rxportal/internal/sms"
	"github.com/and161185/rxportal/internal/unread"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgPath := flag.String("config", "rxportal.yaml", "YAML config file (optional)")
	envFile := flag.String("env", ".env", "dotenv file (optional)")
	skipMigrate := flag.Bool("skip-migrate", false, "do not apply the development schema")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *envFile)
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("feed", cfg.Feed.Source),
	)

	staff, err := session.Parse(cfg.Session.Token, []byte(cfg.Session.SigningKey))
	if err != nil {
		logger.Fatal("staff session", zap.Error(err))
	}
	loc := model.Location{ID: cfg.Location.ID, OutboundNumber: cfg.Location.OutboundNumber}
	if loc.ID == "" {
		loc.ID = staff.LocationID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*skipMigrate {
		ver, err := migrate.Up(ctx, cfg.DSN, logger)
		if err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		logger.Info("schema ready", zap.Int64("version", ver))
	}

	db, err := postgres.New(ctx, cfg.DSN, cfg.DBMaxConns)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer db.Close()

	m := metrics.New()

	var gw sms.Gateway = sms.LogGateway{Log: logger.Named("sms")}
	if cfg.SMS.BaseURL != "" {
		lim := limiter.New(limiter.Config{
			RPS:         cfg.SMS.RPS,
			Burst:       cfg.SMS.Burst,
			PerKeyRPS:   cfg.SMS.PerKeyRPS,
			PerKeyBurst: cfg.SMS.PerKeyBurst,
		})
		gw = sms.NewClient(cfg.SMS.BaseURL, cfg.SMS.APIKey, logger.Named("sms"),
			sms.WithLimiter(lim), sms.WithTimeout(cfg.SMS.Timeout))
	}

	svc := service.NewConversationService(
		postgres.NewConversationRepo(db),
		postgres.NewMessageRepo(db),
		postgres.NewContactRepo(db),
		gw, loc, logger.Named("service"),
	)

	g, gctx := errgroup.WithContext(ctx)

	src, closeSrc, err := feedSource(gctx, cfg, logger)
	if err != nil {
		logger.Fatal("feed source", zap.Error(err))
	}
	defer closeSrc()
	hub := feed.NewHub(src, logger.Named("feed"), feed.WithStateHook(m.FeedState))
	g.Go(func() error { return hub.Run(gctx) })

	if cfg.Feed.Relay {
		relay, err := natsfeed.Connect(gctx, natsConfig(cfg), logger.Named("relay"))
		if err != nil {
			logger.Fatal("nats relay", zap.Error(err))
		}
		defer relay.Close()
		g.Go(func() error {
			return relay.Relay(gctx, pgnotify.New(cfg.DSN, cfg.Feed.Channel, logger.Named("relay")))
		})
	}

	tracker := unread.New(svc, hub, logger, unread.WithMetrics(m))
	defer tracker.Close()
	restore := unread.SetDefault(tracker)
	defer restore()

	var cache portal.Cache
	if cfg.Cache.Dir != "" {
		store, err := localstore.Open(cfg.Cache.Dir, []byte(cfg.Cache.Secret), cacheScope(staff, loc))
		if err != nil {
			logger.Fatal("local cache", zap.Error(err))
		}
		defer func() { _ = store.Close() }()
		cache = store
	}

	engine := portal.New(svc, hub, cache, logger,
		portal.WithMetrics(m),
		portal.WithReconcile(reconcile.Options{
			Granularity:     cfg.Reconcile.Granularity,
			EchoWindow:      cfg.Reconcile.EchoWindow,
			PatientCollapse: cfg.Reconcile.PatientCollapse,
		}),
		portal.WithTiming(portal.Timing{
			UpdateDebounce:   cfg.Timing.UpdateDebounce,
			AutoSelectWindow: cfg.Timing.AutoSelectWindow,
			InsertLoadDelay:  cfg.Timing.InsertLoadDelay,
			RetryDelay:       cfg.Timing.RetryDelay,
		}),
	)
	defer engine.Close()

	// the hub may still be connecting; Start tolerates that and the watchers retry
	if err := engine.Start(gctx); err != nil {
		logger.Warn("engine started without a list", zap.Error(err))
	}
	// first subscriber triggers the startup fetch
	_, _, unsub := unread.Default().Subscribe(gctx)
	defer unsub()

	if cfg.ReconcileCron != "" {
		runner, err := schedule.New(cfg.ReconcileCron, []schedule.Job{
			{Name: "unread", Run: func(ctx context.Context) error {
				_, err := unread.Default().ForceRefresh(ctx)
				return err
			}},
			{Name: "conversations", Run: func(ctx context.Context) error {
				_, err := engine.LoadConversationList(ctx)
				return err
			}},
		}, logger, schedule.WithMetrics(m))
		if err != nil {
			logger.Fatal("schedule", zap.Error(err))
		}
		g.Go(func() error { return runner.Run(gctx) })
	}

	// gRPC diagnostics
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.Session.SigningKey)),
		),
	)
	grpcserver.Register(gs, grpcserver.New(engine, unread.Default()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.Dev {
		reflection.Register(gs)
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		return gs.Serve(lis)
	})

	// UI API
	app := httpserver.New(httpserver.Deps{
		Engine:     engine,
		Unread:     unread.Default(),
		Inbound:    svc,
		Metrics:    m.Handler(),
		SigningKey: []byte(cfg.Session.SigningKey),
		WebhookKey: cfg.SMS.WebhookKey,
	}, logger)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		return app.Listen(cfg.HTTPAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
		return app.ShutdownWithTimeout(5 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		logger = zap.NewExample()
	}
	return logger
}

func natsConfig(cfg *config.Config) natsfeed.Config {
	return natsfeed.Config{
		URL:           cfg.Feed.NATS.URL,
		Stream:        cfg.Feed.NATS.Stream,
		SubjectPrefix: cfg.Feed.NATS.SubjectPrefix,
		MaxAge:        cfg.Feed.NATS.MaxAge,
	}
}

func feedSource(ctx context.Context, cfg *config.Config, log *zap.Logger) (feed.Source, func(), error) {
	if cfg.Feed.Source == config.FeedNATS {
		c, err := natsfeed.Connect(ctx, natsConfig(cfg), log.Named("natsfeed"))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return pgnotify.New(cfg.DSN, cfg.Feed.Channel, log.Named("pgnotify")), func() {}, nil
}

// cacheScope keys the local cache per staff member and location.
func cacheScope(s session.Staff, loc model.Location) string {
	return s.StaffID.String() + "@" + loc.ID
}
