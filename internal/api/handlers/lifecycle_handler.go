package handlers

import (
	"net/http"

	"example.com/backstage/services/lifecycle/internal/lifecycle"
	"example.com/backstage/services/lifecycle/internal/models"
	"example.com/backstage/services/lifecycle/internal/services"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// LifecycleHandler handles company-product lifecycle commands
type LifecycleHandler struct {
	lifecycleService *services.LifecycleService
	tracer           tracing.Tracer
}

// NewLifecycleHandler creates a new lifecycle handler
func NewLifecycleHandler(lifecycleService *services.LifecycleService, tracer tracing.Tracer) *LifecycleHandler {
	return &LifecycleHandler{
		lifecycleService: lifecycleService,
		tracer:           tracer,
	}
}

// SetPhaseRequest is the body for the set-phase command
type SetPhaseRequest struct {
	CompanyID string `json:"company_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
	ToPhase   string `json:"to_phase" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
}

// SetProcessRequest is the body for the set-process command
type SetProcessRequest struct {
	CompanyID        string  `json:"company_id" binding:"required"`
	ProductID        string  `json:"product_id" binding:"required"`
	ProcessID        string  `json:"process_id" binding:"required"`
	ProcessType      string  `json:"process_type" binding:"required"`
	ProcessVersion   int     `json:"process_version" binding:"required"`
	InitialStageID   *string `json:"initial_stage_id"`
	InitialStageName *string `json:"initial_stage_name"`
	ActorID          string  `json:"actor_id" binding:"required"`
}

// TransitionStageRequest is the body for the transition-stage command
type TransitionStageRequest struct {
	CompanyID  string `json:"company_id" binding:"required"`
	ProductID  string `json:"product_id" binding:"required"`
	StageID    string `json:"stage_id" binding:"required"`
	StageName  string `json:"stage_name" binding:"required"`
	StageOrder int    `json:"stage_order" binding:"required"`
	ActorID    string `json:"actor_id" binding:"required"`
}

// HandleSetPhase handles the set-phase command
func (h *LifecycleHandler) HandleSetPhase(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-set-phase")
	defer h.tracer.EndTransaction(txn)

	var req SetPhaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	ref := services.CompanyProductRef{
		ID:        c.Param("id"),
		CompanyID: req.CompanyID,
		ProductID: req.ProductID,
	}

	result, err := h.lifecycleService.SetPhase(c, ref, lifecycle.Phase(req.ToPhase), models.UserActor(req.ActorID))
	h.writeCommandResult(c, result, err)
}

// HandleSetProcess handles the set-process command
func (h *LifecycleHandler) HandleSetProcess(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-set-process")
	defer h.tracer.EndTransaction(txn)

	var req SetProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	ref := services.CompanyProductRef{
		ID:        c.Param("id"),
		CompanyID: req.CompanyID,
		ProductID: req.ProductID,
	}
	input := services.SetProcessInput{
		ProcessID:        req.ProcessID,
		ProcessType:      req.ProcessType,
		ProcessVersion:   req.ProcessVersion,
		InitialStageID:   req.InitialStageID,
		InitialStageName: req.InitialStageName,
	}

	result, err := h.lifecycleService.SetProcess(c, ref, input, models.UserActor(req.ActorID))
	h.writeCommandResult(c, result, err)
}

// HandleTransitionStage handles the transition-stage command
func (h *LifecycleHandler) HandleTransitionStage(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-transition-stage")
	defer h.tracer.EndTransaction(txn)

	var req TransitionStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	ref := services.CompanyProductRef{
		ID:        c.Param("id"),
		CompanyID: req.CompanyID,
		ProductID: req.ProductID,
	}
	input := services.TransitionStageInput{
		StageID:    req.StageID,
		StageName:  req.StageName,
		StageOrder: req.StageOrder,
	}

	result, err := h.lifecycleService.TransitionStage(c, ref, input, models.UserActor(req.ActorID))
	h.writeCommandResult(c, result, err)
}

// HandleGetCompanyProduct returns the replayed aggregate state
func (h *LifecycleHandler) HandleGetCompanyProduct(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-get-company-product")
	defer h.tracer.EndTransaction(txn)

	ref := services.CompanyProductRef{
		ID:        c.Param("id"),
		CompanyID: c.Query("company_id"),
		ProductID: c.Query("product_id"),
	}

	agg, err := h.lifecycleService.GetCompanyProduct(c, ref)
	if err != nil {
		log.Error().Err(err).Str("company_product_id", ref.ID).Msg("Failed to load company product")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	if !agg.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "company product not found"})
		return
	}

	c.JSON(http.StatusOK, agg.State)
}

// writeCommandResult maps the discriminated command result onto HTTP:
// business rejections are 422, lost races are 409 with a retry hint,
// infrastructure faults are 500.
func (h *LifecycleHandler) writeCommandResult(c *gin.Context, result *services.CommandResult, err error) {
	if err != nil {
		log.Error().Err(err).Msg("Lifecycle command failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !result.Success {
		status := http.StatusUnprocessableEntity
		if result.Error.Code == services.ErrCodeConcurrencyConflict {
			status = http.StatusConflict
		}
		c.JSON(status, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *LifecycleHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/company-products/:id", h.HandleGetCompanyProduct)
	router.POST("/company-products/:id/phase", h.HandleSetPhase)
	router.POST("/company-products/:id/process", h.HandleSetProcess)
	router.POST("/company-products/:id/stage", h.HandleTransitionStage)
}
