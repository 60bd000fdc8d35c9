package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/api"
	"github.com/crossex/cross/internal/auth"
	"github.com/crossex/cross/internal/config"
	"github.com/crossex/cross/internal/engine"
	"github.com/crossex/cross/internal/ledger"
	"github.com/crossex/cross/internal/models"
	"github.com/crossex/cross/internal/notify"
	"github.com/crossex/cross/internal/session"
	"github.com/crossex/cross/internal/store"
)

// broadcastOrderBook pushes a book snapshot to every connected client.
func broadcastOrderBook(eng *engine.Engine, hub *notify.Hub, logger zerolog.Logger) {
	asks, bids := eng.Books()
	snapshot := struct {
		Asks []models.Order `json:"asks"`
		Bids []models.Order `json:"bids"`
	}{Asks: asks, Bids: bids}
	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal order book")
		return
	}
	hub.Broadcast(data)
}

// Main entry point: loads persisted state, wires the engine, and serves HTTP.
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx := context.Background()

	cfg := config.Load("")

	// Persistence store: users and trade history load once, before any
	// session is accepted.
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	users, err := st.LoadUsers(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load users")
	}
	trades, err := st.LoadTrades(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load trade history")
	}
	logger.Info().Int("users", len(users)).Int("trades", len(trades)).Msg("state loaded")

	hub := notify.NewHub(logger.With().Str("component", "notify").Logger())
	led := ledger.New(st, trades, logger.With().Str("component", "ledger").Logger())
	eng := engine.New(led, hub, logger.With().Str("component", "engine").Logger())
	sessions := session.NewRegistry()
	authService := auth.NewService(st, sessions, cfg.JWTSecret, logger.With().Str("component", "auth").Logger())

	handler := api.NewHandler(eng, led, authService, hub, logger.With().Str("component", "api").Logger())
	authLimiter := api.NewRateLimiter(10, 3)
	defer authLimiter.Stop()

	r := chi.NewRouter()
	r.Use(handler.RequestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints.
	r.Group(func(r chi.Router) {
		r.Use(authLimiter.Middleware)
		r.Post("/auth/register", handler.Register)
		r.Post("/auth/login", handler.Login)
		r.Put("/auth/credentials", handler.UpdateCredentials)
	})
	r.Get("/orderbook", handler.GetOrderBook)
	r.Get("/ws", handler.Notifications)

	// Protected endpoints.
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/auth/logout", handler.Logout)
		r.Post("/orders", handler.PlaceOrder)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTrades)
		r.Get("/history", handler.GetPriceHistory)
	})

	// Periodic order book broadcast.
	go func() {
		ticker := time.NewTicker(cfg.BroadcastInterval)
		defer ticker.Stop()
		for range ticker.C {
			broadcastOrderBook(eng, hub, logger)
		}
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
