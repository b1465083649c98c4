package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/comitanigiacomo/caresync/internal/adapters/handler/http/schemas"
	"github.com/comitanigiacomo/caresync/internal/core/domain"
	"github.com/comitanigiacomo/caresync/internal/core/services"
)

const enqueueSchemaURL = "caresync://schemas/enqueue_change.schema.json"

type ChangeHandler struct {
	svc    *services.SyncService
	schema *jsonschema.Schema
}

func NewChangeHandler(svc *services.SyncService) (*ChangeHandler, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(enqueueSchemaURL, bytes.NewReader(schemas.EnqueueChange)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(enqueueSchemaURL)
	if err != nil {
		return nil, err
	}

	return &ChangeHandler{
		svc:    svc,
		schema: schema,
	}, nil
}

type enqueueChangeRequest struct {
	Entity  string              `json:"entity"`
	Action  domain.ChangeAction `json:"action"`
	Payload json.RawMessage     `json:"payload"`
}

func (h *ChangeHandler) RegisterRoutes(router *gin.RouterGroup) {
	changes := router.Group("/changes")
	{
		changes.POST("", h.Enqueue)
		changes.GET("", h.List)
		changes.GET("/count", h.Count)
		changes.GET("/stats", h.Stats)
		changes.GET("/:id", h.Get)
		changes.POST("/sync", h.Sync)
		changes.POST("/retry", h.Retry)
		changes.DELETE("/completed", h.ClearCompleted)
	}
}

func (h *ChangeHandler) Enqueue(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	if err := h.schema.Validate(doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	var req enqueueChangeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	change, err := h.svc.Enqueue(c.Request.Context(), req.Entity, req.Action, req.Payload)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, change)
}

func (h *ChangeHandler) List(c *gin.Context) {
	list, err := h.svc.GetPendingChanges(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

func (h *ChangeHandler) Get(c *gin.Context) {
	change, err := h.svc.GetChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, change)
}

func (h *ChangeHandler) Count(c *gin.Context) {
	status := domain.ChangeStatus(c.DefaultQuery("status", string(domain.StatusPending)))

	count, err := h.svc.GetPendingChangesCountByStatus(c.Request.Context(), status)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "count": count})
}

func (h *ChangeHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *ChangeHandler) Sync(c *gin.Context) {
	result, err := h.svc.SyncPendingChanges(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ChangeHandler) Retry(c *gin.Context) {
	result, err := h.svc.RetryFailedChanges(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ChangeHandler) ClearCompleted(c *gin.Context) {
	removed, err := h.svc.ClearCompleted(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidChange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, domain.ErrChangeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})

	case errors.Is(err, domain.ErrDuplicateChange):
		c.JSON(http.StatusConflict, gin.H{"error": "change already queued"})

	case errors.Is(err, domain.ErrStorage):
		log.Printf("[ERROR] Request %s %s hit a storage failure: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "local storage failure"})

	default:
		log.Printf("[ERROR] Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)

		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
