// fedcoredemo runs a single-actor ActivityPub server on top of the fedcore
// library: one local actor, a logging inbox listener, and outbox/following/
// followers collections backed by the SQL KV store (or by Redis when
// REDIS_URL is set). It exists to prove the
// library's wiring end-to-end as a single binary with no external services
// required.
//
// Usage:
//
//	export LOCAL_DOMAIN=https://yourdomain.com
//	export ACTOR_HANDLE=alice
//	./fedcoredemo
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/fedcore/config"
	"github.com/klppl/fedcore/federation"
	"github.com/klppl/fedcore/kv"
	"github.com/klppl/fedcore/kvstore/redisstore"
	"github.com/klppl/fedcore/kvstore/sqlstore"
	"github.com/klppl/fedcore/mqueue/sqlqueue"

	"github.com/redis/go-redis/v9"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting fedcoredemo")

	cfg := config.Load()
	slog.Info("config loaded", "domain", cfg.LocalDomain, "database", cfg.DatabaseURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore := openKV(ctx, cfg)
	defer closeStore()

	queue, err := sqlqueue.Open(ctx, cfg.DatabaseURL, sqlqueue.Options{})
	if err != nil {
		slog.Error("failed to open delivery queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	pair, err := loadOrGenerateKeys(cfg)
	if err != nil {
		slog.Error("failed to load/generate signing keys", "error", err)
		os.Exit(1)
	}

	actorHandle := envDefault("ACTOR_HANDLE", "demo")
	app := newDemoActor(cfg, store, actorHandle, pair)

	b := federation.NewBuilder(
		federation.WithKV(store),
		federation.WithQueue(queue),
		federation.WithDocumentLoader(app.fetchDocument),
		federation.WithAuthenticatedDocumentLoaderFactory(func(identity string) federation.DocumentLoader {
			// Single-actor demo: every identity dereferences as this actor's
			// signed fetch, since there is only one local key to sign with.
			return app.fetchDocument
		}),
		federation.WithSignatureTimeWindow(cfg.SignatureTimeWindow),
		federation.WithActivityIdempotenceTTL(cfg.ActivityIdempotenceTTL),
		federation.WithBackoffSchedule(cfg.BackoffSchedule),
		federation.WithTrustForwardedHeaders(cfg.TrustForwardedHeaders),
	)
	registerRoutes(b.Router)
	app.register(b.Registry)

	fed := b.Build()
	app.federation = fed

	r := chi.NewRouter()
	r.Use(middleware.Logger, middleware.Recoverer)
	r.Handle("/*", fed)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	slog.Info("fedcoredemo stopped")
}

// openKV picks sqlstore or redisstore depending on whether REDIS_URL is
// set, returning a close func either way.
func openKV(ctx context.Context, cfg *config.Config) (kv.Store, func()) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		store := redisstore.New(client, redisstore.Options{})
		slog.Info("using redis KV store", "addr", opts.Addr)
		return store, func() { _ = client.Close() }
	}

	store, err := sqlstore.Open(ctx, cfg.DatabaseURL, sqlstore.Options{SweepInterval: time.Hour})
	if err != nil {
		slog.Error("failed to open KV store", "error", err)
		os.Exit(1)
	}
	slog.Info("using SQL KV store", "url", cfg.DatabaseURL)
	return store, func() { _ = store.Close() }
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
