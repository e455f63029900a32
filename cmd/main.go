package main

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/configs"
	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/internal/auction"
	"github.com/Martin-Hayot/fleet-allocation/internal/auth"
	"github.com/Martin-Hayot/fleet-allocation/internal/console"
	"github.com/Martin-Hayot/fleet-allocation/internal/database"
	"github.com/Martin-Hayot/fleet-allocation/internal/events"
	"github.com/Martin-Hayot/fleet-allocation/internal/handlers/httpapi"
	"github.com/Martin-Hayot/fleet-allocation/internal/handlers/websocket"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configurations
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatal("Error loading config", "error", err)
	}

	port := cfg.Server.Port
	if port == "" {
		port = "8080"
	}

	// Setup logger
	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level, using info", "error", err)
		logLevel = log.InfoLevel
	}
	log.SetLevel(logLevel)
	log.SetReportTimestamp(true)

	var logs *console.LogBuffer
	switch {
	case cfg.Features.EnableConsole:
		// Redirect logs to the console's buffer
		logs = &console.LogBuffer{}
		log.SetOutput(logs)
	case !cfg.Features.EnableLogging:
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database service
	db, err := database.New(ctx, cfg)
	if err != nil {
		log.Fatal("Error opening database", "error", err)
	}
	defer db.Close()

	clock := clockwork.NewRealClock()
	hub := websocket.NewHub()
	publisher, closeSinks := newPublisher(ctx, cfg, hub)
	defer closeSinks()

	svc := allocation.New(db, cfg.Allocation, clock, publisher)
	seedFleet(ctx, svc, cfg.Fleet)

	verifier, err := auth.NewVerifier(cfg.Auth.SecretKey, clock)
	if err != nil {
		log.Fatal("Error configuring auth", "error", err)
	}

	var origins []string
	if cfg.Features.AllowCrossOrigin {
		origins = cfg.Features.AllowedOrigins
	}
	wsOpts := websocket.ParseOptions(cfg.WebSocket.PingInterval, cfg.WebSocket.MaxMessageSize, origins)
	var handler http.Handler = httpapi.NewServer(svc, verifier, websocket.NewHandler(svc, hub, wsOpts))
	if cfg.Features.AllowCrossOrigin {
		handler = cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
		}).Handler(handler)
	}

	// Close expired auctions in the background
	sweeper := auction.NewSweeper(svc, clock, cfg.Allocation.SweepInterval)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Server started", "port", port, "env", cfg.Server.Env, "store", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	if cfg.Features.EnableConsole {
		if err := console.Run(svc, clock, logs); err != nil {
			log.Error("Error running console", "error", err)
		}
		stop()
	}
	<-ctx.Done()

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", "error", err)
	}
}

// newPublisher fans events out to websocket clients and the configured sink.
func newPublisher(ctx context.Context, cfg *configs.Config, hub *websocket.Hub) (events.Publisher, func()) {
	sinks := events.Multi{hub}
	closers := []func() error{}

	switch cfg.Events.Sink {
	case "", "none":
	case "kafka":
		k := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
		log.Info("Publishing events to kafka", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	case "redis":
		r := events.NewRedisPublisher(cfg.Events.RedisAddr, cfg.Events.RedisPassword, cfg.Events.RedisChannel)
		if err := r.Ping(ctx); err != nil {
			log.Warn("Redis not reachable, events will be retried per publish", "addr", cfg.Events.RedisAddr, "error", err)
		}
		sinks = append(sinks, r)
		closers = append(closers, r.Close)
		log.Info("Publishing events to redis", "addr", cfg.Events.RedisAddr, "channel", cfg.Events.RedisChannel)
	default:
		log.Fatal("Unknown event sink", "sink", cfg.Events.Sink)
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Error("Error closing event sink", "error", err)
			}
		}
	}
}

// seedFleet hands the configured cars to the engine.
func seedFleet(ctx context.Context, svc *allocation.Service, fleet []configs.FleetCar) {
	for _, c := range fleet {
		car, err := svc.UpsertCar(ctx, types.Car{
			ID:          c.ID,
			Model:       c.Model,
			NumberPlate: c.NumberPlate,
			DailyPrice:  c.DailyPrice,
			Deposit:     c.Deposit,
			IsActive:    c.Active,
		})
		if err != nil {
			log.Error("Error seeding car", "car", c.ID, "error", err)
			continue
		}
		log.Debug("Car ready", "car", car.ID, "active", car.IsActive)
	}
}
