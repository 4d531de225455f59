package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/loeme/exchange/internal/api"
	"github.com/loeme/exchange/internal/auth"
	"github.com/loeme/exchange/internal/config"
	"github.com/loeme/exchange/internal/db"
	"github.com/loeme/exchange/internal/exchange"
	"github.com/loeme/exchange/internal/models"
	"github.com/loeme/exchange/internal/notify"
)

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// broadcastBooks pushes the aggregated book for every symbol to its
// orderbook channel on a fixed interval.
func broadcastBooks(ctx context.Context, database *db.DB, hub *notify.Hub, log logrus.FieldLogger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range models.Symbols() {
				book, err := database.GetOrderBook(ctx, symbol, 100)
				if err != nil {
					log.WithError(err).WithField("symbol", symbol).Warn("order book broadcast failed")
					continue
				}
				hub.Broadcast("orderbook."+string(symbol), "BookSnapshot", book)
			}
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := newLogger(cfg)

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close()

	authService := auth.NewService(database, cfg.JWTSecret)
	hub := notify.NewHub(authService, log)
	engine := exchange.NewEngine(database, hub, cfg.PlatformAccount, log)
	handler := api.NewHandler(database, engine, authService, log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws", hub.ServeWS)
	r.Mount("/", handler.Router())

	if cfg.BookBroadcast {
		go broadcastBooks(ctx, database, hub, log)
	}

	log.WithField("addr", cfg.ListenAddr).Info("starting server")
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}
