package botllm

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix        = "/api"
	xRequestIDHeader = "X-Request-ID"
	pprofPrefix      = "/api/debug/pprof"

	apiPathHealthCheck    = "/api/healthz"
	apiPathGlobalSettings = "/settings/global"
	apiPathTenantSettings = "/settings/tenants/:tenantID"
	apiPathKeys           = "/keys"
	apiPathKeyByIndex     = "/keys/:index"
	apiPathChatRecords    = "/requests"
)

const (
	defaultChatRecordPageSize = 25
	maxChatRecordPageSize     = 200
)

// API serves the owner-facing admin endpoints: runtime settings,
// credential management, and the request ledger. Every endpoint under
// /api except the health check requires the configured bearer token.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	bot *BotLLM
}

// newAPI initializes the admin API server, configuring middleware,
// routes, and (when cert paths are set) TLS.
func newAPI(b *BotLLM, config *APIConfig) (*API, error) {
	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newLogger("api", config.LogLevel),
		bot:            b,
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiPathHealthCheck, api.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathGlobalSettings, api.getGlobalSettings)
	protected.PATCH(apiPathGlobalSettings, api.updateGlobalSettings)
	protected.GET(apiPathTenantSettings, api.getTenantSettings)
	protected.PATCH(apiPathTenantSettings, api.updateTenantSettings)
	protected.POST(apiPathKeys, api.addKey)
	protected.DELETE(apiPathKeyByIndex, api.removeKey)
	protected.GET(apiPathChatRecords, api.getChatRecords)

	return api, nil
}

// Serve starts listening. It blocks until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			return e
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// httpReply is a generic 'message' response to an HTTP request
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// globalSettingsResponse is the admin view of [GlobalSettings], with the
// API keys masked.
type globalSettingsResponse struct {
	ChatEnabled                 bool     `json:"chat_enabled"`
	RateLimitMs                 uint     `json:"rate_limit_ms"`
	DefaultMaxAttachmentBytes   uint     `json:"default_max_attachment_bytes"`
	EnforceDefaultMaxAttachment bool     `json:"enforce_default_max_attachment"`
	APIKeys                     []string `json:"api_keys"`
}

func newGlobalSettingsResponse(g GlobalSettings) globalSettingsResponse {
	masked := make([]string, len(g.APIKeys))
	for i, k := range g.APIKeys {
		masked[i] = maskKey(k)
	}
	return globalSettingsResponse{
		ChatEnabled:                 g.ChatEnabled,
		RateLimitMs:                 g.RateLimitMs,
		DefaultMaxAttachmentBytes:   g.DefaultMaxAttachmentBytes,
		EnforceDefaultMaxAttachment: g.EnforceDefaultMaxAttachment,
		APIKeys:                     masked,
	}
}

type addKeyPayload struct {
	Key string `json:"key" binding:"required"`
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) getGlobalSettings(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		newGlobalSettingsResponse(a.bot.store.Global()),
	)
}

func (a *API) updateGlobalSettings(c *gin.Context) {
	var payload GlobalSettingsUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	log := ginContextLogger(c)
	updated, err := a.bot.UpdateGlobalSettings(c.Request.Context(), payload)
	if err != nil {
		log.Error("error updating global settings", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error saving settings"},
		)
		return
	}
	log.Info("updated global settings", "settings", updated)
	c.JSON(http.StatusOK, newGlobalSettingsResponse(updated))
}

func (a *API) getTenantSettings(c *gin.Context) {
	tenantID := c.Param("tenantID")
	if strings.TrimSpace(tenantID) == "" {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "tenant ID required"},
		)
		return
	}
	c.JSON(http.StatusOK, a.bot.store.Tenant(tenantID))
}

func (a *API) updateTenantSettings(c *gin.Context) {
	tenantID := c.Param("tenantID")

	var payload TenantSettingsUpdate
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	log := ginContextLogger(c)
	updated, err := a.bot.store.UpdateTenant(tenantID, payload)
	if err != nil {
		if isBadRequest(err) {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: err.Error()},
			)
			return
		}
		log.Error("error updating tenant settings", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error saving settings"},
		)
		return
	}
	log.Info(
		"updated tenant settings",
		"tenant_id", tenantID,
		"settings", updated,
	)
	c.JSON(http.StatusOK, updated)
}

func (a *API) addKey(c *gin.Context) {
	var payload addKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: err.Error()},
		)
		return
	}

	log := ginContextLogger(c)
	updated, err := a.bot.AddAPIKey(payload.Key)
	if err != nil {
		if isBadRequest(err) {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: err.Error()},
			)
			return
		}
		log.Error("error adding API key", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error saving settings"},
		)
		return
	}
	log.Info("added API key", "key", maskKey(payload.Key))
	c.JSON(http.StatusCreated, newGlobalSettingsResponse(updated))
}

func (a *API) removeKey(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "index must be an integer"},
		)
		return
	}

	log := ginContextLogger(c)
	updated, removed, err := a.bot.RemoveAPIKey(index)
	if err != nil {
		if isBadRequest(err) {
			c.AbortWithStatusJSON(
				http.StatusNotFound,
				httpError{Error: err.Error()},
			)
			return
		}
		log.Error("error removing API key", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error saving settings"},
		)
		return
	}
	log.Info("removed API key", "key", maskKey(removed), "index", index)
	c.JSON(http.StatusOK, newGlobalSettingsResponse(updated))
}

// getChatRecords returns a page of the chat request ledger, newest
// first, optionally filtered by user or tenant.
func (a *API) getChatRecords(c *gin.Context) {
	limit, err := strconv.Atoi(
		c.DefaultQuery("limit", strconv.Itoa(defaultChatRecordPageSize)),
	)
	if err != nil || limit <= 0 {
		limit = defaultChatRecordPageSize
	}
	if limit > maxChatRecordPageSize {
		limit = maxChatRecordPageSize
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	query := a.bot.writeDB.DB().WithContext(c.Request.Context()).
		Model(&ChatRecord{})
	if userID := c.Query("user_id"); userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}

	var total int64
	if err = query.Count(&total).Error; err != nil {
		ginContextLogger(c).Error("error counting chat records", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error querying chat records"},
		)
		return
	}

	var records []ChatRecord
	err = query.Order("id desc").Limit(limit).Offset(offset).
		Find(&records).Error
	if err != nil {
		ginContextLogger(c).Error("error listing chat records", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error querying chat records"},
		)
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":   total,
			"limit":   limit,
			"offset":  offset,
			"records": records,
		},
	)
}

func isBadRequest(err error) bool {
	for _, target := range []error{
		ErrEmptyCredential,
		ErrDuplicateCredential,
		ErrIndexOutOfRange,
		ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// authMiddleware checks the Authorization header against the configured
// API secret, using a constant-time comparison.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(
			c.GetHeader("Authorization"),
			"Bearer ",
		)
		if token == "" || subtle.ConstantTimeCompare(
			[]byte(token),
			[]byte(a.config.Secret),
		) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including the request duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request counts per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
