package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Ragunath041/cryptrade/internal/binance"
	"github.com/Ragunath041/cryptrade/internal/config"
	"github.com/Ragunath041/cryptrade/internal/events"
	"github.com/Ragunath041/cryptrade/internal/metrics"
	"github.com/Ragunath041/cryptrade/internal/pricefeed"
	"github.com/Ragunath041/cryptrade/internal/settlement"
	"github.com/Ragunath041/cryptrade/internal/store"
	"github.com/Ragunath041/cryptrade/internal/trade"
	"github.com/Ragunath041/cryptrade/internal/venue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, pool); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Prices and venues ---
	feed := pricefeed.NewBinance(
		binance.NewClient(binance.WithBaseURL(cfg.PriceFeedURL), binance.WithTimeout(cfg.PriceTimeout)),
		cfg.DefaultQuote,
	)
	quotes, err := pricefeed.NewCachedSource(feed, cfg.QuoteCacheTTL)
	if err != nil {
		slog.Error("quote cache", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, quotes.Close)

	venues := venue.NewRegistry(venue.NewPublicFeed(feed))
	venues.Register("BINANCE", venue.BinanceFactory(cfg.DefaultQuote,
		binance.WithBaseURL(cfg.ExchangeBaseURL),
		binance.WithTimeout(cfg.PriceTimeout),
	))

	// --- Events ---
	var hubOpts []trade.HubOption
	if cfg.WSQueryUser {
		hubOpts = append(hubOpts, trade.WithQueryUser())
	}
	wsHub := trade.NewWSHub(hubOpts...)
	go wsHub.Run(ctx)

	publisher := events.Multi{wsHub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka close", "err", err)
			}
		})
		publisher = append(publisher, kp)
		slog.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Settlement ---
	svc := settlement.New(st, feed, venues,
		settlement.WithLogger(logger),
		settlement.WithPublisher(publisher),
		settlement.WithPriceTimeout(cfg.PriceTimeout),
		settlement.WithQuoteSource(quotes),
	)
	api := trade.NewService(svc, wsHub, cfg.OperatorToken)

	if cfg.SweepInterval > 0 {
		go runSweeper(ctx, svc, cfg.SweepInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader+", "+trade.OperatorHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"cryptrade"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// API routes, including the /ws upgrade.
	r.Route("/api/v1", api.Mount)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("cryptrade listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down cryptrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("cryptrade stopped")
}

// runSweeper settles due options across all users every interval until ctx
// ends. A pass that fails is logged and retried on the next tick.
func runSweeper(ctx context.Context, svc *settlement.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("expiry sweeper started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, interval*4)
			if _, err := svc.Sweep(passCtx, settlement.SweepRequest{}); err != nil {
				slog.Error("expiry sweep failed", "err", err)
			}
			cancel()
		}
	}
}
