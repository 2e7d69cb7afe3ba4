package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
)

var statusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ambulance_dispatch",
	Subsystem: "consumer",
	Name:      "driver_status_messages_total",
	Help:      "Driver status messages by handling result",
}, []string{"result"})

var errInvalidMessage = errors.New("invalid driver status message")

func main() {
	metricsAddr := flag.String("metrics-addr", ":2112", "address for /metrics and /healthz")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Error("consumer exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ConsumerConfig, metricsAddr string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	defer reader.Close()

	c := &statusConsumer{
		index:   &redisIndex{c: rc},
		geoKey:  cfg.RedisGeoKey,
		retries: cfg.MaxRetries,
		backoff: cfg.RetryBackoff,
		logger:  logger,
	}

	srv := &http.Server{Addr: metricsAddr, Handler: healthMux(rc), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("consumer metrics listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		logger.Info("consuming driver status", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID, "brokers", cfg.KafkaBrokers)
		return c.consume(gctx, reader)
	})
	return g.Wait()
}

func healthMux(rc *redis.Client) http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return m
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// driverIndex is the slice of redis the consumer writes.
type driverIndex interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisIndex struct{ c *redis.Client }

func (r *redisIndex) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisIndex) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

type statusConsumer struct {
	index   driverIndex
	geoKey  string
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// consume reads until ctx is cancelled. Read errors back off up to 30s.
func (c *statusConsumer) consume(ctx context.Context, r messageReader) error {
	wait := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			wait = min(wait*2, 30*time.Second)
			continue
		}
		wait = time.Second
		c.handle(ctx, m)
	}
}

func (c *statusConsumer) handle(ctx context.Context, m kafka.Message) {
	d, err := decodeDriver(m.Value)
	if err != nil {
		statusMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("skipping driver status", "partition", m.Partition, "offset", m.Offset, "err", err)
		return
	}
	if err := writeDriver(ctx, c.index, c.geoKey, d, c.retries, c.backoff); err != nil {
		statusMessages.WithLabelValues("error").Inc()
		c.logger.Error("driver index update failed", "driver_id", d.ID, "err", err)
		return
	}
	statusMessages.WithLabelValues("indexed").Inc()
}

func decodeDriver(b []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(b, &d); err != nil {
		return d, errors.Join(errInvalidMessage, err)
	}
	switch {
	case d.ID == "":
		return d, errors.Join(errInvalidMessage, errors.New("missing driver id"))
	case !d.Loc.Valid():
		return d, errors.Join(errInvalidMessage, errors.New("location out of range"))
	}
	return d, nil
}

// writeDriver stores the position and the metadata hash the dispatcher's
// redis source reads. Each attempt writes both; the delay doubles between
// attempts.
func writeDriver(ctx context.Context, idx driverIndex, geoKey string, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = idx.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: d.ID, Longitude: d.Loc.Lon, Latitude: d.Loc.Lat})
		if err == nil {
			err = idx.HSet(ctx, geo.MetaKey(d.ID), geo.MetaFields(d))
		}
		if err == nil {
			return nil
		}
	}
	return err
}
