package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
	"retailcore/internal/logger"
	"retailcore/internal/metrics"
	"retailcore/internal/ratelimit"
	"retailcore/internal/rolegate"
	"retailcore/internal/service"
)

const maxBodyBytes = 1 << 20

var (
	staffRoles = rolegate.Allow(domain.RoleAdmin, domain.RoleEmployee)
	adminRoles = rolegate.Allow(domain.RoleAdmin)
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	loginLimiter  ratelimit.Limiter
	metrics       *metrics.Metrics
	log           *zap.Logger
	allowedOrigin string
}

type Options struct {
	AllowedOrigin string
	LoginLimiter  ratelimit.Limiter
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	limiter := opts.LoginLimiter
	if limiter == nil {
		limiter = ratelimit.NewMemory(ratelimit.Rule{PerMinute: 5})
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	return &API{
		service:       svc,
		auth:          auth,
		loginLimiter:  limiter,
		metrics:       opts.Metrics,
		log:           log.With(zap.String("component", "httpapi")),
		allowedOrigin: opts.AllowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	registerBindings()

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(
		logger.GinMiddleware(func(err error) string { return string(apperr.KindOf(err)) }),
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			a.log.Error("panic recovered", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
			a.writeError(c, apperr.Storage(nil))
		}),
		a.metrics.GinMiddleware(),
		a.securityHeaders(),
	)
	router.NoRoute(func(c *gin.Context) {
		a.writeError(c, apperr.NotFound("route not found"))
	})
	router.NoMethod(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusMethodNotAllowed, errorBody("method_not_allowed", "method not allowed"))
	})

	router.GET("/health", a.handleHealth)
	if a.metrics != nil {
		router.GET("/metrics", gin.WrapH(a.metrics.Handler()))
	}

	api := router.Group("/api")
	api.POST("/auth/login", a.handleLogin)
	api.GET("/auth/me", a.requireRole(staffRoles), a.handleMe)

	products := api.Group("/products")
	products.GET("", a.requireRole(staffRoles), a.handleListProducts)
	products.GET("/:id", a.requireRole(staffRoles), a.handleGetProduct)
	products.POST("", a.requireRole(adminRoles), a.handleCreateProduct)
	products.PUT("/:id", a.requireRole(adminRoles), a.handleUpdateProduct)
	products.DELETE("/:id", a.requireRole(adminRoles), a.handleDeleteProduct)

	transactions := api.Group("/transactions", a.requireRole(staffRoles))
	transactions.POST("", a.handleRecordTransaction)
	transactions.GET("", a.handleListTransactions)
	transactions.GET("/:id", a.handleGetTransaction)

	reports := api.Group("/reports", a.requireRole(staffRoles))
	reports.GET("/sales-by-category", a.handleSalesByCategory)
	reports.GET("/revenue", a.handleRevenue)
	reports.GET("/trending", a.handleTrending)
	reports.GET("/sales", a.handleSalesOverTime)
	reports.GET("/employees", a.handleSalesByEmployee)
	reports.GET("/overview", a.handleOverview)

	return router
}

// requireRole verifies the bearer token and admits the caller only when the
// token's role is in policy.
func (a *API) requireRole(policy rolegate.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(c, policy.Check("", false))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			a.writeError(c, err)
			return
		}
		if err := policy.Check(actor.Role, true); err != nil {
			a.writeError(c, err)
			return
		}

		ctx := service.WithActor(c.Request.Context(), actor)
		ctx = logger.WithActorName(ctx, actor.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (a *API) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-Id")
			h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id")
			h.Set("Vary", "Origin")
		}

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		case http.MethodOptions:
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (a *API) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"ok": true, "at": time.Now().UTC().Format(time.RFC3339)}
	if err := a.service.Ping(ctx); err != nil {
		logger.WithContext(c.Request.Context(), a.log).Warn("repository ping failed", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["ok"] = false
	}
	c.JSON(status, body)
}

func (a *API) handleLogin(c *gin.Context) {
	allowed, err := a.loginLimiter.Allow(c.Request.Context(), "login:"+c.ClientIP())
	if err != nil {
		logger.WithContext(c.Request.Context(), a.log).Warn("login limiter unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		a.writeError(c, apperr.RateLimited("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := bindJSON(c, &req); err != nil {
		a.writeError(c, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleMe(c *gin.Context) {
	actor, _ := service.ActorFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user": actor})
}

func errorBody(kind string, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}

// writeError responds with the error's kind and message. Server-side failures
// are logged and answered with a generic message.
func (a *API) writeError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	if appErr == nil {
		appErr = apperr.Storage(nil)
	}
	status := appErr.Kind.HTTPStatus()
	message := appErr.Message
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context(), a.log).Error("request failed",
			zap.Int("status", status), zap.Error(err))
		message = "internal server error"
	}
	_ = c.Error(appErr)
	c.AbortWithStatusJSON(status, errorBody(string(appErr.Kind), message))
}
