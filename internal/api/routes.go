package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/mixcoordinator/internal/coinjoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/db"
	"github.com/rawblock/mixcoordinator/internal/mixengine"
	"github.com/rawblock/mixcoordinator/internal/monitoring"
	"github.com/rawblock/mixcoordinator/internal/wallet"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// APIHandler is the in-process API surface wrapping the core's
// operations (spec.md §6: "the core exposes an in-process API with the
// operations listed in §4; it does not mandate a particular protocol").
type APIHandler struct {
	engine     *mixengine.Engine
	coordinator *coinjoin.Coordinator
	wallets    *wallet.Manager
	monitor    *monitoring.Monitoring
	dbStore    *db.PostgresStore
	wsHub      *Hub
}

// SetupRouter wires every handler behind auth/rate-limit middleware the
// way the teacher's SetupRouter did, swapping the forensics endpoint
// set for mix-request CRUD, CoinJoin session introspection, and wallet
// admin endpoints.
func SetupRouter(engine *mixengine.Engine, coordinator *coinjoin.Coordinator, wallets *wallet.Manager,
	monitor *monitoring.Monitoring, dbStore *db.PostgresStore, wsHub *Hub, promExporter *monitoring.PrometheusExporter) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		engine:      engine,
		coordinator: coordinator,
		wallets:     wallets,
		monitor:     monitor,
		dbStore:     dbStore,
		wsHub:       wsHub,
	}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		if wsHub != nil {
			pub.GET("/stream", wsHub.Subscribe)
		}
	}

	if promExporter != nil {
		r.GET("/metrics", gin.WrapH(promExporter.Handler()))
	}

	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.POST("/mix", handler.handleCreateMix)
		auth.GET("/mix/:id", handler.handleGetMix)
		auth.POST("/mix/:id/cancel", handler.handleCancelMix)

		auth.GET("/sessions/:id", handler.handleGetSession)

		auth.GET("/wallets/:id/balance", handler.handleGetWalletBalance)

		auth.GET("/alerts", handler.handleGetAlerts)
		auth.POST("/alerts/:id/acknowledge", handler.handleAcknowledgeAlert)
		auth.POST("/alerts/:id/resolve", handler.handleResolveAlert)
	}

	r.Static("/dashboard", "./public")

	return r
}

// createMixRequest is the API-layer shape of Create's input (spec.md
// §4.1): currency, input amount, and the output payout plan.
type createMixRequest struct {
	UserID  string             `json:"userId"`
	Currency string            `json:"currency" binding:"required"`
	Amount  float64            `json:"amount" binding:"required"`
	Outputs []models.MixOutput `json:"outputs" binding:"required"`
}

func (h *APIHandler) handleCreateMix(c *gin.Context) {
	var req createMixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mr := &models.MixRequest{
		UserID:      req.UserID,
		Currency:    config.Currency(req.Currency),
		InputAmount: req.Amount,
		Outputs:     req.Outputs,
		Status:      models.StatusPending,
	}

	depositAddr, err := h.engine.Create(c.Request.Context(), mr)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"request":        mr,
		"depositAddress": depositAddr.Address,
	})
}

func (h *APIHandler) handleGetMix(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not connected"})
		return
	}
	id := c.Param("id")
	mr, err := h.dbStore.FindByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mix request not found"})
		return
	}
	c.JSON(http.StatusOK, mr)
}

func (h *APIHandler) handleCancelMix(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.engine.Cancel(c.Request.Context(), c.Param("id"), body.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (h *APIHandler) handleGetSession(c *gin.Context) {
	if h.coordinator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "coinjoin coordinator not initialized"})
		return
	}
	session, err := h.coordinator.Snapshot(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *APIHandler) handleGetWalletBalance(c *gin.Context) {
	if h.wallets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "wallet manager not initialized"})
		return
	}
	balance, err := h.wallets.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletId": c.Param("id"), "balance": balance})
}

func (h *APIHandler) handleGetAlerts(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitoring not initialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": h.monitor.Alerts.Active()})
}

func (h *APIHandler) handleAcknowledgeAlert(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitoring not initialized"})
		return
	}
	if !h.monitor.Alerts.Acknowledge(c.Param("id"), time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"error": "alert not in an acknowledgeable state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (h *APIHandler) handleResolveAlert(c *gin.Context) {
	if h.monitor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "monitoring not initialized"})
		return
	}
	if !h.monitor.Alerts.Resolve(c.Param("id"), time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"error": "alert already resolved"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "mixcoordinator",
		"dbConnected": h.dbStore != nil,
	})
}
