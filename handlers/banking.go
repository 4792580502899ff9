package handlers

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"multibank-api/models"
	"multibank-api/services"
	"multibank-api/utils"
)

// BankingHandler exposes the connection lifecycle: link a bank via OAuth,
// trigger syncs, browse accounts and transactions, unlink.
type BankingHandler struct {
	Banking      *services.BankingService
	Vault        *services.TokenVault
	Adapters     services.AdapterRegistry
	Orchestrator *services.SyncOrchestrator
	Categorizer  *services.CategorizerService
}

func callbackURL() string {
	base := os.Getenv("APP_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return base + "/api/v1/connections/callback"
}

// ListBanks returns the banks this deployment can link.
func (h *BankingHandler) ListBanks(c *gin.Context) {
	type bankInfo struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	banks := make([]bankInfo, 0, len(h.Adapters))
	for _, adapter := range h.Adapters {
		banks = append(banks, bankInfo{ID: adapter.BankID(), Name: adapter.BankName()})
	}
	c.JSON(http.StatusOK, gin.H{"banks": banks})
}

// CreateConnection starts the OAuth link flow: a pending connection row plus
// the bank's consent URL carrying a signed state token.
func (h *BankingHandler) CreateConnection(c *gin.Context) {
	userID := c.GetString("user_id")

	var req struct {
		BankID string `json:"bank_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	adapter, err := h.Adapters.Get(req.BankID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported bank"})
		return
	}

	conn, err := h.Banking.CreateConnection(c.Request.Context(), userID, adapter.BankID(), adapter.BankName())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create connection"})
		return
	}

	state, err := utils.GenerateStateToken(userID, conn.ID, uuid.NewString())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate state"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection":    conn,
		"authorize_url": adapter.AuthorizeURL(state, callbackURL()),
	})
}

// Callback completes the OAuth flow. The signed state token is what proves
// the flow was started by us for this (user, connection) pair; the session
// JWT is absent because the bank redirects the browser here directly.
func (h *BankingHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing code or state"})
		return
	}

	claims, err := utils.ParseStateToken(state)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid state"})
		return
	}

	conn, err := h.Banking.GetUserConnection(c.Request.Context(), claims.UserID, claims.ConnectionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if conn.Status != models.ConnectionPendingAuth && conn.Status != models.ConnectionTokenExpired {
		c.JSON(http.StatusConflict, gin.H{"error": "Connection is not awaiting authorization"})
		return
	}

	adapter, err := h.Adapters.Get(conn.BankID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Unsupported bank"})
		return
	}

	cred, err := adapter.ExchangeCode(c.Request.Context(), code, callbackURL())
	if err != nil {
		log.Printf("❌ OAuth exchange failed for connection %s: %v", utils.MaskID(conn.ID), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Bank rejected the authorization code"})
		return
	}

	if err := h.Vault.Store(c.Request.Context(), conn.ID, cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store credential"})
		return
	}
	if err := h.Banking.UpdateConnectionStatus(c.Request.Context(), conn.ID, models.ConnectionActive, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to activate connection"})
		return
	}

	// First sync starts immediately; the client hears about it over the
	// WebSocket channel.
	runID, _, err := h.Orchestrator.Trigger(c.Request.Context(), conn.ID)
	if err != nil {
		log.Printf("⚠️ initial sync trigger failed for connection %s: %v", utils.MaskID(conn.ID), err)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Bank linked",
		"run_id":  runID,
	})
}

func (h *BankingHandler) ListConnections(c *gin.Context) {
	userID := c.GetString("user_id")

	connections, err := h.Banking.GetUserConnections(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if connections == nil {
		connections = []models.BankConnection{}
	}
	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

func (h *BankingHandler) GetConnection(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.Banking.GetUserConnection(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	accounts, err := h.Banking.GetAccountsByConnection(c.Request.Context(), conn.ID)
	if err == nil {
		conn.Accounts = accounts
	}
	c.JSON(http.StatusOK, conn)
}

// DeleteConnection unlinks a bank: any in-flight sync is cancelled, the
// credential is revoked, and the connection with all of its data is removed.
func (h *BankingHandler) DeleteConnection(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.Banking.GetUserConnection(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	h.Orchestrator.CancelSync(conn.ID)

	if err := h.Vault.Revoke(c.Request.Context(), conn.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke credential"})
		return
	}
	if err := h.Banking.DeleteConnection(c.Request.Context(), conn.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete connection"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connection removed"})
}

// TriggerSync starts a sync run, or reports the one already in flight.
func (h *BankingHandler) TriggerSync(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.Banking.GetUserConnection(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if conn.Status == models.ConnectionPendingAuth {
		c.JSON(http.StatusConflict, gin.H{"error": "Connection is not authorized yet"})
		return
	}
	if conn.Status == models.ConnectionTokenExpired {
		c.JSON(http.StatusConflict, gin.H{"error": "Reauthorization required"})
		return
	}

	runID, coalesced, err := h.Orchestrator.Trigger(c.Request.Context(), conn.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start sync"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":    runID,
		"coalesced": coalesced,
	})
}

func (h *BankingHandler) GetSyncRuns(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.Banking.GetUserConnection(c.Request.Context(), userID, c.Param("id"))
	if errors.Is(err, services.ErrConnectionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.Banking.GetSyncRuns(c.Request.Context(), conn.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *BankingHandler) ListAccounts(c *gin.Context) {
	userID := c.GetString("user_id")

	accounts, err := h.Banking.GetUserAccounts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if accounts == nil {
		accounts = []models.BankAccount{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *BankingHandler) ListTransactions(c *gin.Context) {
	userID := c.GetString("user_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := h.Banking.GetUserTransactions(c.Request.Context(), userID, services.TransactionFilters{
		AccountID:  c.Query("account_id"),
		CategoryID: c.Query("category_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (h *BankingHandler) ListCategories(c *gin.Context) {
	categories, err := h.Categorizer.LoadRuleSet(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if categories == nil {
		categories = []models.Category{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// Recategorize reapplies the rule set to the user's whole history.
func (h *BankingHandler) Recategorize(c *gin.Context) {
	userID := c.GetString("user_id")

	updated, err := h.Categorizer.Recategorize(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to recategorize"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
