package middleware

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const rateLimitPrefix = "caresync:rate_limit:"

// clientKey prefers the authenticated device over the client address, so
// tablets behind the same NAT get their own budget.
func clientKey(c *gin.Context) string {
	if deviceID, ok := GetDeviceID(c); ok {
		return "device:" + deviceID
	}
	return "ip:" + c.ClientIP()
}

func tooManyRequests(c *gin.Context, retryIn time.Duration) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"status":     "error",
		"message":    "Too many requests. Slow down!",
		"retry_in_s": int(retryIn.Seconds()),
	})
}

// RateLimiterMiddleware is a fixed window counter shared by every process
// using the same Redis. It fails open when Redis is unreachable.
func RateLimiterMiddleware(rdb *redis.Client, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := rateLimitPrefix + clientKey(c)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Printf("[ERROR] Redis error (rate limiter skipped): %v", err)
			c.Next()
			return
		}

		if count == 1 {
			if err := rdb.Expire(ctx, key, window).Err(); err != nil {
				log.Printf("[ERROR] Redis expire error: %v. Deleting key to avoid zombie.", err)
				rdb.Del(ctx, key)
				c.Next()
				return
			}
		}

		ttl, err := rdb.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = window
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", max(0, int64(limit)-count)))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))

		if count > int64(limit) {
			tooManyRequests(c, ttl)
			return
		}

		c.Next()
	}
}

// LocalRateLimiterMiddleware is the single-process limiter used when no Redis
// is configured: a token bucket per client refilled at limit per window.
func LocalRateLimiterMiddleware(limit int, window time.Duration) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	every := rate.Every(window / time.Duration(max(limit, 1)))

	return func(c *gin.Context) {
		key := clientKey(c)

		mu.Lock()
		limiter, ok := buckets[key]
		if !ok {
			limiter = rate.NewLimiter(every, limit)
			buckets[key] = limiter
		}
		mu.Unlock()

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))

		reservation := limiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			tooManyRequests(c, delay)
			return
		}

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", max(0, int(limiter.Tokens()))))
		c.Next()
	}
}
