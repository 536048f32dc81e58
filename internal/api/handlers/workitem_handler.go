package handlers

import (
	"net/http"

	"example.com/backstage/services/lifecycle/internal/services"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// WorkItemHandler handles work item read-model HTTP requests
type WorkItemHandler struct {
	workItemService *services.WorkItemService
	tracer          tracing.Tracer
}

// NewWorkItemHandler creates a new work item handler
func NewWorkItemHandler(workItemService *services.WorkItemService, tracer tracing.Tracer) *WorkItemHandler {
	return &WorkItemHandler{
		workItemService: workItemService,
		tracer:          tracer,
	}
}

// HandleGetWorkItem returns one work item projection row
func (h *WorkItemHandler) HandleGetWorkItem(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-work-item")
	defer h.tracer.EndTransaction(txn)

	detail, err := h.workItemService.GetWorkItem(c, c.Param("id"))
	if err != nil {
		log.Error().Err(err).Str("work_item_id", c.Param("id")).Msg("Failed to load work item")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "work item not found"})
		return
	}

	c.JSON(http.StatusOK, detail)
}

// HandleSearchWorkItems proxies a search query to the work item index
func (h *WorkItemHandler) HandleSearchWorkItems(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-search-work-items")
	defer h.tracer.EndTransaction(txn)

	var query map[string]interface{}
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	docs, err := h.workItemService.SearchWorkItems(c, query)
	if err != nil {
		log.Error().Err(err).Msg("Work item search failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": docs})
}

// RegisterRoutes registers the handler's routes
func (h *WorkItemHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/work-items/:id", h.HandleGetWorkItem)
	router.POST("/work-items/search", h.HandleSearchWorkItems)
}
