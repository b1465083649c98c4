package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
	"github.com/comitanigiacomo/caresync/internal/core/services"
)

type CacheHandler struct {
	svc *services.CacheService
}

func NewCacheHandler(svc *services.CacheService) *CacheHandler {
	return &CacheHandler{svc: svc}
}

func (h *CacheHandler) RegisterRoutes(router *gin.RouterGroup) {
	cache := router.Group("/cache")
	{
		cache.GET("/:key", h.Get)
		cache.HEAD("/:key", h.Has)
		cache.PUT("/:key", h.Set)
		cache.DELETE("/:key", h.Remove)
		cache.DELETE("", h.Clear)
	}
}

// cacheOptions maps the storage, version, ttl_ms, compress and swr query
// parameters onto per-call options.
func cacheOptions(c *gin.Context) ([]services.CacheOption, error) {
	var opts []services.CacheOption

	if v := c.Query("storage"); v != "" {
		kind, err := domain.ParseStorageKind(v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, services.WithStorage(kind))
	}

	if v := c.Query("version"); v != "" {
		opts = append(opts, services.WithVersion(v))
	}

	if v := c.Query("ttl_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl_ms %q", v)
		}
		if ms <= 0 {
			opts = append(opts, services.WithoutExpiry())
		} else {
			opts = append(opts, services.WithTTL(time.Duration(ms)*time.Millisecond))
		}
	}

	for name, option := range map[string]func(bool) services.CacheOption{
		"compress": services.WithCompression,
		"swr":      services.WithStaleWhileRevalidate,
	} {
		if v := c.Query(name); v != "" {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", name, v)
			}
			opts = append(opts, option(enabled))
		}
	}

	return opts, nil
}

func (h *CacheHandler) Get(c *gin.Context) {
	opts, err := cacheOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.Param("key")
	var value json.RawMessage
	res := h.svc.Get(c.Request.Context(), key, &value, opts...)
	if !res.Found {
		c.JSON(http.StatusNotFound, gin.H{"error": "cache miss"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
		"stale": res.Stale,
	})
}

func (h *CacheHandler) Has(c *gin.Context) {
	opts, err := cacheOptions(c)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if !h.svc.Has(c.Request.Context(), c.Param("key"), opts...) {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

func (h *CacheHandler) Set(c *gin.Context) {
	opts, err := cacheOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, err := c.GetRawData()
	if err != nil || !json.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON value"})
		return
	}

	stored := h.svc.Set(c.Request.Context(), c.Param("key"), json.RawMessage(raw), opts...)
	if !stored {
		c.JSON(http.StatusServiceUnavailable, gin.H{"stored": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true})
}

func (h *CacheHandler) Remove(c *gin.Context) {
	opts, err := cacheOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Remove(c.Request.Context(), c.Param("key"), opts...); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CacheHandler) Clear(c *gin.Context) {
	opts, err := cacheOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Clear(c.Request.Context(), opts...); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
