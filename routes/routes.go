package routes

import (
	"database/sql"

	"github.com/gin-gonic/gin"

	"multibank-api/handlers"
	"multibank-api/services"
)

// SetupAuthRoutes sets up public authentication routes.
func SetupAuthRoutes(rg *gin.RouterGroup, db *sql.DB) {
	authHandler := &handlers.AuthHandler{DB: db}

	rg.POST("/auth/signup", authHandler.Signup)
	rg.POST("/auth/login", authHandler.Login)
	rg.POST("/auth/refresh", authHandler.Refresh)
	rg.POST("/auth/logout", authHandler.Logout)
}

// SetupBankingRoutes sets up the protected banking surface plus the public
// OAuth callback (authenticated by the signed state token, not a session).
func SetupBankingRoutes(public, protected *gin.RouterGroup, db *sql.DB,
	vault *services.TokenVault, adapters services.AdapterRegistry, orchestrator *services.SyncOrchestrator) {

	h := &handlers.BankingHandler{
		Banking:      services.NewBankingService(db),
		Vault:        vault,
		Adapters:     adapters,
		Orchestrator: orchestrator,
		Categorizer:  services.NewCategorizerService(db),
	}

	public.GET("/connections/callback", h.Callback)

	protected.GET("/banks", h.ListBanks)
	protected.POST("/connections", h.CreateConnection)
	protected.GET("/connections", h.ListConnections)
	protected.GET("/connections/:id", h.GetConnection)
	protected.DELETE("/connections/:id", h.DeleteConnection)
	protected.POST("/connections/:id/sync", h.TriggerSync)
	protected.GET("/connections/:id/runs", h.GetSyncRuns)

	protected.GET("/accounts", h.ListAccounts)
	protected.GET("/transactions", h.ListTransactions)

	protected.GET("/categories", h.ListCategories)
	protected.POST("/categories/recategorize", h.Recategorize)
}

// SetupUserRoutes sets up protected user routes.
func SetupUserRoutes(rg *gin.RouterGroup, db *sql.DB) {
	userHandler := &handlers.UserHandler{DB: db}

	rg.GET("/user/profile", userHandler.GetProfile)
	rg.POST("/user/2fa/setup", userHandler.SetupTOTP)
	rg.POST("/user/2fa/verify", userHandler.VerifyTOTP)
	rg.POST("/user/2fa/disable", userHandler.DisableTOTP)
}

// SetupAnalyticsRoutes sets up protected analytics routes.
func SetupAnalyticsRoutes(rg *gin.RouterGroup, db *sql.DB) {
	h := &handlers.AnalyticsHandler{Analytics: services.NewAnalyticsService(db)}

	rg.GET("/analytics/spending", h.SpendingByCategory)
	rg.GET("/analytics/monthly", h.MonthlySummaries)
}
