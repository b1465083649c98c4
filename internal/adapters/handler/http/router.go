package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/comitanigiacomo/caresync/internal/adapters/handler/http/middleware"
)

const (
	rateLimit       = 100
	rateLimitWindow = 1 * time.Minute
)

type RouterDependencies struct {
	ChangeHandler       *ChangeHandler
	CacheHandler        *CacheHandler
	ConnectivityHandler *ConnectivityHandler
	Tokens              middleware.TokenValidator
	Watcher             ConnectivityWatcher
	DB                  *sqlx.DB
	Redis               *redis.Client
	StartTime           time.Time
}

func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, GET, HEAD, OPTIONS, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Device-ID")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		dbStatus := "connected"
		if deps.DB == nil || deps.DB.PingContext(c.Request.Context()) != nil {
			dbStatus = "unreachable"
		}

		// Redis is optional: only a configured but unreachable Redis is unhealthy.
		redisStatus := "disabled"
		if deps.Redis != nil {
			redisStatus = "connected"
			if deps.Redis.Ping(c.Request.Context()).Err() != nil {
				redisStatus = "unreachable"
			}
		}

		upstream := "unknown"
		if deps.Watcher != nil {
			upstream = "offline"
			if deps.Watcher.Online() {
				upstream = "online"
			}
		}

		statusCode := 200
		if dbStatus == "unreachable" || redisStatus == "unreachable" {
			statusCode = 503
		}

		c.JSON(statusCode, gin.H{
			"status":   "ok",
			"database": dbStatus,
			"redis":    redisStatus,
			"upstream": upstream,
			"uptime":   time.Since(deps.StartTime).String(),
		})
	})

	apiV1 := router.Group("/api/v1")

	protected := apiV1.Group("")
	protected.Use(middleware.AuthMiddleware(deps.Tokens))
	if deps.Redis != nil {
		protected.Use(middleware.RateLimiterMiddleware(deps.Redis, rateLimit, rateLimitWindow))
	} else {
		protected.Use(middleware.LocalRateLimiterMiddleware(rateLimit, rateLimitWindow))
	}
	{
		deps.ChangeHandler.RegisterRoutes(protected)
		deps.CacheHandler.RegisterRoutes(protected)
		deps.ConnectivityHandler.RegisterRoutes(protected)
	}

	return router
}
