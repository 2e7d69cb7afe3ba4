package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/directory"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/places"
	"github.com/example/ambulance-dispatch/internal/queue"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/voice"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		bookings storage.BookingStore
		cands    storage.CandidateStore
		source   geo.DriverSource
		updater  geo.DriverUpdater
		checks   []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			path := filepath.Join("migrations", "001_create_dispatch.sql")
			if err := ps.Migrate(ctx, path); err != nil {
				return err
			}
			logger.Info("migration applied", "file", path)
		}
		bookings, cands, source, updater = ps, ps, ps, ps
		checks = append(checks, ps.Ping)
	} else {
		ms := storage.NewMemoryStore()
		idx := geo.NewIndex()
		bookings, cands, source, updater = ms, ms, idx, idx
		if cfg.SeedFile == "" {
			logger.Warn("PG_DSN not set, using an empty in-memory store; nothing creates bookings in this mode, so dispatch requests return 404 until SEED_FILE is set")
		} else {
			seed, err := storage.LoadSeedFile(cfg.SeedFile)
			if err != nil {
				return err
			}
			for i := range seed.Bookings {
				ms.SaveBooking(&seed.Bookings[i])
			}
			for _, d := range seed.Drivers {
				idx.Upsert(d)
			}
			logger.Warn("PG_DSN not set, using in-memory store", "seed_file", cfg.SeedFile, "bookings", len(seed.Bookings), "drivers", len(seed.Drivers))
		}
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.SearchRadiusKm)
		source, updater = rg, rg
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	feed := dispatch.NewOperatorFeed(logger)
	sinks := dispatch.Sinks{feed}
	srvDeps := httpapi.Deps{Drivers: updater, Feed: feed, Ready: readiness(checks)}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaDriverTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		sinks = append(sinks, kp)
		srvDeps.Locations = kp
	}

	clock := dispatch.RealClock()
	q := queue.New(cands, clock.Now)
	deps := dispatch.Deps{
		Directory: directory.New(source),
		Queue:     q,
		Bookings:  bookings,
		Voice: voice.NewClient(voice.Config{
			BaseURL:    cfg.Voice.BaseURL,
			CallPath:   cfg.Voice.CallPath,
			APIKey:     cfg.Voice.APIKey,
			AgentID:    cfg.Voice.AgentID,
			FromNumber: cfg.Voice.FromNumber,
			Timeout:    cfg.Voice.Timeout,
		}),
		Clock:  clock,
		ETA:    newEstimator(cfg),
		Events: sinks,
		Logger: logger,
	}
	if cfg.GoogleMapsAPIKey != "" {
		hf, err := places.NewHospitalFinder(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		deps.Hospitals = hf
	}
	if cfg.WhatsApp.URL != "" {
		deps.Notifier = notify.NewWhatsApp(cfg.WhatsApp.URL, cfg.WhatsApp.APIKey, cfg.WhatsApp.Template)
	}
	sup := dispatch.NewSupervisor(deps, dispatch.Options{
		FallbackDepth: cfg.FallbackDepth,
		Window:        cfg.Window,
		SweepGrace:    cfg.SweepGrace,
	})
	srvDeps.Supervisor = sup
	srvDeps.Queue = q

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(logger, srvDeps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ambulance-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.SweepInterval > 0 {
		g.Go(func() error { return sweep(gctx, sup, cfg.SweepInterval, logger) })
	} else {
		logger.Info("reconciliation sweep disabled")
	}
	return g.Wait()
}

func newEstimator(cfg config.ServerConfig) *eta.Estimator {
	est := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedKmh: cfg.DefaultSpeedKmh}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	return est
}

// sweep resolves calls orphaned by a restart until ctx is done.
func sweep(ctx context.Context, sup *dispatch.Supervisor, every time.Duration, logger *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := sup.Reconcile(ctx); err != nil {
				logger.Error("reconcile failed", "err", err)
			}
		}
	}
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
