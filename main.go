package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notes-sync/api"
	"notes-sync/auth"
	"notes-sync/config"
	"notes-sync/reconcile"
	"notes-sync/snapshot"
	"notes-sync/storage"
	"notes-sync/stream"
)

const shutdownTimeout = 10 * time.Second

type backend interface {
	snapshot.Fetcher
	api.Creator
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}
	creds, err := cfg.Credentials()
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	store, err := newBackend(ctx, cfg, creds, rc, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	src, err := newSource(cfg, creds, rc)
	if err != nil {
		logger.Fatalf("stream: %v", err)
	}
	inbound, err := newInboundAuth(cfg.Inbound)
	if err != nil {
		logger.Fatalf("inbound auth: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	notes := reconcile.New(logger, reconcile.NewMetrics(reg))
	events := stream.New(src, notes, logger)
	loader := snapshot.NewLoader(store, notes, logger)

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.Create.DedupeTTL)
	}
	dispatcher := api.NewDispatcher(store, deduper, logger, api.PoolOptions{
		Workers:        cfg.Create.Workers,
		Buffer:         cfg.Create.Buffer,
		Timeout:        cfg.Create.Timeout,
		HandoffTimeout: cfg.Create.HandoffTimeout,
	})
	defer dispatcher.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	api.Register(e, api.Deps{
		Notes:      notes,
		Dispatcher: dispatcher,
		Auth:       inbound,
		Deduper:    deduper,
		Gatherer:   reg,
		Health:     streamHealth(events),
		Logger:     logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	// Start returns before the source subscribes; the fetch and the stream
	// race and the reconciler converges whichever lands first.
	events.Start(gctx)
	g.Go(func() error {
		if err := loader.Load(gctx); err != nil {
			if gctx.Err() == nil {
				logger.Warn("continuing without snapshot; view is fed by the stream only")
			}
			return nil
		}
		if cache, ok := store.(*storage.Cache); ok {
			writeThrough(gctx, cache, notes, logger)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		events.Cancel()
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.ListenAddr).Info("http server starting")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("shutdown with error")
		return
	}
	delivered, dropped := events.Stats()
	logger.WithFields(log.Fields{"delivered": delivered, "dropped": dropped, "pending": notes.Pending()}).Info("stopped")
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newBackend(ctx context.Context, cfg config.Config, creds *auth.Credentials, rc *redis.Client, logger *log.Logger) (backend, error) {
	var base backend
	switch cfg.Snapshot.Source {
	case config.SnapshotTables:
		if cfg.Storage.Provision {
			if err := storage.Provision(ctx, cfg.Storage.ConnectionString, cfg.Storage.NotesTable, cfg.Storage.CommandQueue); err != nil {
				return nil, err
			}
		}
		s, err := storage.New(cfg.Storage.ConnectionString, cfg.Storage.NotesTable, cfg.Storage.CommandQueue, cfg.Storage.Owner, logger)
		if err != nil {
			return nil, err
		}
		base = s
	default:
		c := storage.NewClient(cfg.Snapshot.URL, creds)
		c.Logger = logger
		base = c
	}
	if cfg.Snapshot.CacheTTL > 0 && rc != nil {
		return storage.NewCache(base, rc, cfg.Snapshot.CacheKey, cfg.Snapshot.CacheTTL), nil
	}
	return base, nil
}

func newSource(cfg config.Config, creds *auth.Credentials, rc *redis.Client) (stream.Source, error) {
	switch cfg.Stream.Transport {
	case config.TransportSSE:
		return &stream.SSESource{URL: cfg.Stream.URL, Credentials: creds}, nil
	case config.TransportWebSocket:
		src := &stream.WebSocketSource{URL: cfg.Stream.URL, Credentials: creds}
		if cfg.Stream.InitMessage != "" {
			src.InitMessage = []byte(cfg.Stream.InitMessage)
		}
		return src, nil
	case config.TransportRedis:
		if rc == nil {
			return nil, errors.New("redis transport without redis client")
		}
		return &stream.RedisSource{Client: rc, Channel: cfg.Stream.Channel}, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", cfg.Stream.Transport)
}

// newInboundAuth returns a nil Authenticator when the API is open.
func newInboundAuth(cfg config.Inbound) (api.Authenticator, error) {
	switch cfg.Mode {
	case config.InboundJWKS:
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewAuth(jwks, cfg.Audience, "https://"+cfg.Domain+"/", cfg.JWKSCacheTTL), nil
	case config.InboundHS256:
		return api.NewSharedSecretAuth([]byte(cfg.SharedSecret)), nil
	}
	return nil, nil
}

// writeThrough keeps the cached snapshot equal to the converged collection
// until ctx ends. Partial stream-only views must not reach the cache, so it
// runs only after a snapshot was ingested.
func writeThrough(ctx context.Context, cache *storage.Cache, notes *reconcile.Reconciler, logger *log.Logger) {
	views, unsubscribe := notes.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			if err := cache.Refresh(ctx, v.Notes); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("version", v.Version).Warn("snapshot cache refresh failed")
			}
		}
	}
}

func streamHealth(s *stream.Stream) func() error {
	return func() error {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				return err
			}
			return stream.ErrStreamClosed
		default:
			return nil
		}
	}
}
