package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/velocab/dispatch-backend/internal/config"
	"github.com/velocab/dispatch-backend/internal/database"
	"github.com/velocab/dispatch-backend/internal/dispatch"
	"github.com/velocab/dispatch-backend/internal/handlers"
	"github.com/velocab/dispatch-backend/internal/ingest"
	"github.com/velocab/dispatch-backend/internal/logging"
	"github.com/velocab/dispatch-backend/internal/middleware"
	"github.com/velocab/dispatch-backend/internal/observability"
	"github.com/velocab/dispatch-backend/internal/services"
	"github.com/velocab/dispatch-backend/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	db, err := database.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database instance: %v", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	rdb, err := services.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, running on database fallbacks", "error", err)
		rdb = nil
	}

	ctx := context.Background()

	notifier, err := services.NewFCMNotifier(ctx, cfg.FirebaseCredentialsPath)
	if err != nil {
		logger.Warn("firebase initialization failed, pushes disabled", "error", err)
	}

	producer := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer producer.Close()

	registry := services.NewConnectionRegistry(rdb, cfg.SessionTTL)
	relay := services.NewRelayStore(rdb, cfg.RelayTTL)
	locations := services.NewLocationStore(db, rdb, cfg.RedisGeoKey, cfg.HeartbeatWindow)
	rides := store.NewRideStore(db)

	hub := services.NewHub(registry)

	orc := dispatch.NewOrchestrator(rides, locations, relay, hub, notifier, dispatch.Config{
		DispatchTimeout:     cfg.DispatchTimeout,
		BroadcastRadiiKm:    cfg.BroadcastRadiiKm,
		MaxCandidates:       cfg.MaxCandidates,
		MaxPickupDistanceKm: cfg.MaxPickupDistanceKm,
		MinTripKm:           cfg.MinTripKm,
		MaxTripKm:           cfg.MaxTripKm,
		Boundary:            cfg.Boundary,
		Fare:                cfg.Fare,
	}, logger)

	handlers.RegisterHubHandlers(hub, orc, locations, rides, relay, producer)
	go hub.Run()
	go orc.RunScheduler(ctx, cfg.SweepInterval)
	go runSweeper(ctx, locations, cfg.SweepInterval, logger)

	r := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(corsConfig))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", handlers.Register(db))
			auth.POST("/login", handlers.Login(db))
		}

		// WebSocket connection
		api.GET("/ws", middleware.AuthMiddleware(), handlers.HandleWebSocket(hub))

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			users := protected.Group("/users")
			{
				users.GET("/profile", handlers.GetProfile(db))
				users.PUT("/fcm-token", handlers.UpdateFCMToken(db))
			}

			driver := protected.Group("/driver")
			{
				driver.POST("/location", handlers.UpdateDriverLocation(locations, rides, hub, producer))
				driver.POST("/availability", handlers.UpdateDriverAvailability(locations))
				driver.GET("/status", handlers.GetDriverStatus(locations))
				driver.GET("/pending-requests", handlers.GetPendingRequests(relay))
				driver.POST("/rides/:id/accept", handlers.AcceptRide(orc))
				driver.POST("/rides/:id/reject", handlers.RejectRide(orc))
				driver.POST("/rides/:id/arrived", handlers.MarkArrived(orc))
				driver.POST("/rides/:id/pickup", handlers.MarkPickedUp(orc))
				driver.POST("/rides/:id/start", handlers.StartRide(orc))
				driver.POST("/rides/:id/reached", handlers.MarkReachedDestination(orc))
				driver.POST("/rides/:id/complete", handlers.CompleteRide(orc))
			}

			ridesGroup := protected.Group("/rides")
			{
				ridesGroup.POST("", handlers.BookRide(orc))
				ridesGroup.GET("/current", handlers.GetCurrentRide(rides))
				ridesGroup.GET("/history", handlers.GetRideHistory(rides))
				ridesGroup.GET("/estimate", handlers.EstimateFare(cfg))
				ridesGroup.GET("/nearby-drivers", handlers.GetNearbyDrivers(locations, cfg))
				ridesGroup.GET("/drivers-online", handlers.GetOnlineDriversCount(locations))
				ridesGroup.GET("/:id", handlers.GetRideByID(rides))
				ridesGroup.PATCH("/:id", handlers.UpdateRide(rides))
				ridesGroup.POST("/:id/cancel", handlers.CancelRide(orc))
				ridesGroup.POST("/:id/rate", handlers.RateRide(rides))
			}
		}
	}

	logger.Info("starting api server", "port", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// runSweeper periodically flips stale driver records offline and keeps
// the online-drivers gauge current.
func runSweeper(ctx context.Context, locations *services.LocationStore, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := locations.SweepStale(ctx, locations.HeartbeatWindow())
			if err != nil {
				logger.Error("stale sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				observability.StaleSweepsTotal.Add(float64(swept))
			}
			if count, err := locations.CountOnline(ctx, nil, 0); err == nil {
				observability.DriversOnline.Set(float64(count))
			}
		}
	}
}
