package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"multibank-api/config"
	"multibank-api/handlers"
	"multibank-api/middleware"
	"multibank-api/routes"
	"multibank-api/services"
	"multibank-api/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	db, err := config.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	log.Println("✅ Database connected successfully")

	if err := config.RunMigrations(db); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}
	if err := config.SeedCategories(db); err != nil {
		log.Fatal("Failed to seed categories:", err)
	}

	adapters, err := services.NewAdapterRegistry()
	if err != nil {
		log.Fatal("Bank adapter configuration:", err)
	}
	log.Printf("🏦 %d bank adapters registered", len(adapters))

	wsHandler := handlers.NewWSHandler()

	vault := services.NewTokenVault(db)
	orchestrator := services.NewSyncOrchestrator(db, vault, adapters, wsHandler)

	go scheduleSyncs(orchestrator, services.NewBankingService(db))

	router := gin.Default()

	frontendURL := os.Getenv("FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:3000"
	}

	corsConfig := cors.Config{
		AllowOrigins:     []string{frontendURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           86400,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		log.Printf("📨 %s %s - %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), duration)
	})

	router.Use(middleware.RateLimiter())

	v1 := router.Group("/api/v1")
	{
		routes.SetupAuthRoutes(v1, db)
		v1.GET("/ws", wsHandler.HandleWS)

		protected := v1.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			routes.SetupBankingRoutes(v1, protected, db, vault, adapters, orchestrator)
			routes.SetupUserRoutes(protected, db)
			routes.SetupAnalyticsRoutes(protected, db)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 Server starting on port %s...", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}

// scheduleSyncs keeps every active connection fresh in the background.
// Connections whose last sync is older than the interval are resynced one by
// one; a failing bank never blocks the others.
func scheduleSyncs(orchestrator *services.SyncOrchestrator, banking *services.BankingService) {
	interval := time.Hour
	if v, err := strconv.Atoi(os.Getenv("SYNC_INTERVAL_MINUTES")); err == nil && v > 0 {
		interval = time.Duration(v) * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		syncStaleConnections(orchestrator, banking, interval)
	}
}

func syncStaleConnections(orchestrator *services.SyncOrchestrator, banking *services.BankingService, maxAge time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := banking.ListStaleConnections(ctx, maxAge)
	if err != nil {
		log.Printf("❌ Scheduler: failed to list stale connections: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	log.Printf("⏰ Scheduler: %d connections due for sync", len(stale))
	for _, conn := range stale {
		outcome, err := orchestrator.TriggerAndWait(context.Background(), conn.ID)
		if err != nil {
			log.Printf("❌ Scheduler: sync failed for connection %s: %v", utils.MaskID(conn.ID), err)
			continue
		}
		log.Printf("✅ Scheduler: connection %s synced (%s)", utils.MaskID(conn.ID), outcome)
	}
}
