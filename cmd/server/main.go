package main

import (
	"context"
	"flag"
	"fmt"
	"io"
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
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mohitshaileshshukla/Trading-WebDev/internal/config"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/events"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/ledger"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/metrics"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/store"
	"github.com/mohitshaileshshukla/Trading-WebDev/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default $LEDGER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log))

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
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

	// --- Instruments ---
	created, err := store.SeedInstruments(context.Background(), st, cfg.SeedInstruments(time.Now().UTC()))
	if err != nil {
		slog.Error("seeding instruments failed", "err", err)
		os.Exit(1)
	}
	if insts, err := st.ListInstruments(context.Background()); err == nil {
		metrics.ActiveInstruments.Set(float64(len(insts)))
	}
	slog.Info("instruments ready", "seeded", created)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade event fan-out ---
	publishers := []events.Publisher{wsHub}
	var kafkaPub *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		publishers = append(publishers, kafkaPub)
		slog.Info("Kafka trade events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	dispatcher, err := events.NewDispatcher(cfg.Events.PoolSize, cfg.Events.Timeout, publishers...)
	if err != nil {
		slog.Error("event dispatcher setup failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger ---
	engine := ledger.NewEngine(st,
		ledger.WithNotifier(dispatcher),
		ledger.WithStartingBalance(cfg.StartingBalance()),
	)
	tradeSvc := trade.NewService(engine, st, wsHub)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trades and quote updates.
		r.Get("/ws", wsHub.HandleWS)

		tradeSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger listening", "port", cfg.Server.Port, "currency", cfg.Ledger.Currency)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	// No new orders can arrive; drain pending trade events before the sinks go away.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Error("event dispatcher drain", "err", err)
	}
	stop()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			slog.Error("kafka writer close", "err", err)
		}
	}
	fmt.Println("ledger stopped")
}

// newLogger writes JSON logs to stdout and, when a log file is configured,
// to a size-rotated file as well.
func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
