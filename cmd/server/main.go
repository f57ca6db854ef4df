package main

import (
	"context"
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
	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/commitment"
	"github.com/temisangerrard/kai-ledger/internal/config"
	"github.com/temisangerrard/kai-ledger/internal/events"
	"github.com/temisangerrard/kai-ledger/internal/metrics"
	"github.com/temisangerrard/kai-ledger/internal/reconcile"
	"github.com/temisangerrard/kai-ledger/internal/store"
	"github.com/temisangerrard/kai-ledger/internal/validation"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
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
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.CacheTTLSeconds)*time.Second)
			slog.Info("Redis cache enabled", "ttl_seconds", cfg.CacheTTLSeconds)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Services ---
	ledgerSvc := commitment.NewService(st, commitment.Options{
		Limits: validation.Limits{
			MinTokens: decimal.NewFromInt(cfg.MinCommitTokens),
			MaxTokens: decimal.NewFromInt(cfg.MaxCommitTokens),
		},
		MaxRetries:  cfg.MaxCommitRetries,
		SignupBonus: decimal.NewFromInt(cfg.SignupBonusTokens),
	}, hub)
	reconcileSvc := reconcile.NewService(st)

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
		w.Write([]byte(`{"status":"ok","service":"kai-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time balance and market updates.
		r.Get("/ws", hub.HandleWS)

		// Markets.
		r.Get("/markets", ledgerSvc.HandleListMarkets)
		r.Post("/markets", ledgerSvc.HandleCreateMarket)
		r.Get("/markets/{marketID}", ledgerSvc.HandleGetMarket)
		r.Post("/markets/{marketID}/resolve", ledgerSvc.HandleResolveMarket)
		r.Post("/markets/{marketID}/refund", ledgerSvc.HandleRefundMarket)

		// Commitments.
		r.Post("/commitments", ledgerSvc.HandleCreateCommitment)
		r.Get("/commitments/{commitmentID}", ledgerSvc.HandleGetCommitment)

		// Balances and history.
		r.Get("/users/{userID}/balance", ledgerSvc.HandleGetBalance)
		r.Get("/users/{userID}/transactions", ledgerSvc.HandleListTransactions)
		r.Get("/users/{userID}/commitments", ledgerSvc.HandleListUserCommitments)
		r.Post("/purchases", ledgerSvc.HandleRecordPurchase)

		// Evidence sanitization.
		r.Post("/evidence/validate", ledgerSvc.HandleValidateEvidence)

		// Admin: balance audit and repair.
		r.Get("/admin/balances/{userID}/audit", reconcileSvc.HandleAuditBalance)
		r.Post("/admin/balances/{userID}/fix", reconcileSvc.HandleFixBalance)
		r.Post("/admin/reconcile", reconcileSvc.HandleReconcile)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("kai-ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down kai-ledger...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("kai-ledger stopped")
}
