package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/engine"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/store"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
)

const defaultAddr = "127.0.0.1:7373"

func main() {
	addr := strings.TrimSpace(os.Getenv("POS_AGENT_ADDR"))
	if addr == "" {
		addr = defaultAddr
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.OpenDatabase(os.Getenv("POS_DB_PATH"))
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.BoolFromEnv("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	st := store.New(db, logger)
	eng := engine.New(st, engine.DefaultConfig(), logger)
	eng.Start()
	defer eng.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if allowedOrigins != "" {
		corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
	} else {
		// Loopback only; the desktop shell origin varies per packaging.
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/status", statusHandler(eng))
	r.GET("/queue", queueHandler(eng))
	r.POST("/transactions", createTransactionHandler(eng))
	r.POST("/sync/products", syncProductsHandler(eng))
	r.POST("/sync/products/full", forceFullSyncHandler(eng))
	r.POST("/sync/transactions", syncTransactionsHandler(eng))
	r.POST("/sync/retry", retryHandler(eng))
	r.GET("/sync/history", syncHistoryHandler(eng))
	r.GET("/stocks/low", lowStockHandler(eng))
	r.PUT("/settings/token", setTokenHandler(eng))
	r.DELETE("/settings/token", clearTokenHandler(eng))
	r.PUT("/settings/base-url", setBaseURLHandler(eng))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{"field": "server", "addr": addr}).Info("sync agent listening")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func statusHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := gin.H{"network": eng.GetNetworkStatus()}
		if stats, err := eng.GetQueueStats(c.Request.Context()); err == nil {
			out["queue"] = stats
		}
		c.JSON(http.StatusOK, out)
	}
}

func queueHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := eng.GetQueueStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func createTransactionHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTransaction
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := eng.CreateTransaction(c.Request.Context(), &input)
		if err != nil {
			if utils.IsStorageError(err) {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			} else {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, rec)
	}
}

func syncProductsHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.SyncProductsNow(c.Request.Context()))
	}
}

func forceFullSyncHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.ForceFullSync(c.Request.Context()))
	}
}

func syncTransactionsHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.SyncTransactionsNow(c.Request.Context()))
	}
}

func retryHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.RetryFailedNow(c.Request.Context()))
	}
}

func syncHistoryHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		rows, err := eng.ListSyncHistory(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": rows, "count": len(rows)})
	}
}

func lowStockHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		branchId, err := strconv.Atoi(strings.TrimSpace(c.Query("branch_id")))
		if err != nil || branchId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "branch_id query parameter is required"})
			return
		}
		stocks, err := eng.ListLowStocks(c.Request.Context(), branchId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stocks": stocks, "count": len(stocks)})
	}
}

func setTokenHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Token string `json:"token"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.SetAuthToken(c.Request.Context(), body.Token); err != nil {
			status := http.StatusInternalServerError
			if utils.IsConfigurationError(err) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func clearTokenHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := eng.ClearAuthToken(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func setBaseURLHandler(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			BaseURL string `json:"baseUrl"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := eng.SetAPIBaseURL(c.Request.Context(), body.BaseURL); err != nil {
			status := http.StatusInternalServerError
			if utils.IsConfigurationError(err) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
