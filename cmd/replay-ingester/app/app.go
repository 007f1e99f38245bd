package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/posthog/replay-ingester/modules/ingester"
	"github.com/posthog/replay-ingester/pkg/highwatermark"
	"github.com/posthog/replay-ingester/pkg/objectstore"
	"github.com/posthog/replay-ingester/pkg/partitionlock"
	"github.com/posthog/replay-ingester/pkg/realtimecache"
	"github.com/posthog/replay-ingester/pkg/replayevents"
	"github.com/posthog/replay-ingester/pkg/teamresolver"
	util_log "github.com/posthog/replay-ingester/pkg/util/log"
)

// App owns every long-running component of the ingester process: the
// consumer service, the replay-events producer client, and the HTTP server
// exposing /ready and /metrics.
type App struct {
	cfg    Config
	logger log.Logger

	redis    redis.Cmdable
	producer *kgo.Client
	consumer *ingester.Consumer
	httpSrv  *http.Server
	ready    bool
}

// New builds an App from cfg, constructing every collaborator the Consumer
// depends on.
func New(cfg Config) (*App, error) {
	logger := util_log.InitLogger(cfg.LogLevel)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	writer, err := buildObjectStoreWriter(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("building object store writer: %w", err)
	}

	marker := highwatermark.New(rdb, cfg.Ingester.RedisPrefix, logger)
	locker := partitionlock.New(rdb, cfg.Ingester.RedisPrefix, cfg.Ingester.PartitionLockTTL, ownerID(), logger)
	rtc := realtimecache.New(rdb, cfg.Ingester.RedisPrefix, cfg.Ingester.RealtimeTTL, cfg.Ingester.RealtimeMaxLength)
	resolver := teamresolver.New(rdb, cfg.Ingester.RedisPrefix, cfg.Ingester.TokenTableRefreshInterval, logger)

	producer, err := kgo.NewClient(kgo.SeedBrokers(cfg.Ingester.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("building replay events producer: %w", err)
	}
	replay := replayevents.New(producer, marker, cfg.Ingester.ReplayEventsTopic)

	consumer, err := ingester.New(cfg.Ingester, ingester.Deps{
		Writer:   writer,
		Marker:   marker,
		Locker:   locker,
		RTC:      rtc,
		Resolver: resolver,
		Replay:   replay,
	}, logger, ownerID())
	if err != nil {
		return nil, fmt.Errorf("building consumer: %w", err)
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		redis:    rdb,
		producer: producer,
		consumer: consumer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ready", app.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	app.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPListenPort),
		Handler: mux,
	}

	return app, nil
}

func buildObjectStoreWriter(cfg StorageConfig) (objectstore.Writer, error) {
	switch cfg.Backend {
	case "local":
		return objectstore.NewLocalWriter(objectstore.LocalConfig{Path: cfg.Local.Root})
	case "s3", "":
		return objectstore.NewS3Writer(objectstore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func ownerID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// Run starts every component and blocks until ctx is canceled or a
// terminating signal arrives, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := services.StartAndAwaitRunning(ctx, a.consumer); err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}
	a.ready = true
	level.Info(a.logger).Log("msg", "ready")

	lagTicker := time.NewTicker(a.cfg.Ingester.OffsetRefreshInterval)
	defer lagTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-lagTicker.C:
				a.consumer.RefreshLagGauges(ctx)
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		level.Info(a.logger).Log("msg", "http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		level.Error(a.logger).Log("msg", "http server failed", "err", err)
	}

	return a.shutdown()
}

func (a *App) shutdown() error {
	if a.cfg.ShutdownDelay > 0 {
		a.ready = false
		level.Info(a.logger).Log("msg", "waiting shutdown delay before stopping", "delay", a.cfg.ShutdownDelay)
		time.Sleep(a.cfg.ShutdownDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		level.Warn(a.logger).Log("msg", "http server shutdown error", "err", err)
	}

	if err := services.StopAndAwaitTerminated(shutdownCtx, a.consumer); err != nil {
		level.Error(a.logger).Log("msg", "consumer shutdown error", "err", err)
	}

	a.producer.Close()

	level.Info(a.logger).Log("msg", "shutdown complete")
	return nil
}
