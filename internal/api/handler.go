package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rongwang/shipprep-server/internal/auth"
	"github.com/rongwang/shipprep-server/internal/checklist"
	"github.com/rongwang/shipprep-server/internal/common"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/service"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Publisher fans a checklist change out to live viewers
type Publisher interface {
	Publish(snap models.ChecklistSnapshot)
}

// Handler serves the REST API
type Handler struct {
	service   service.Service
	verifier  *auth.Verifier
	publisher Publisher
	logger    *utils.Logger
}

// NewHandler creates a new Handler. publisher may be nil when no realtime
// gateway runs.
func NewHandler(svc service.Service, verifier *auth.Verifier, publisher Publisher, logger *utils.Logger) *Handler {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Handler{
		service:   svc,
		verifier:  verifier,
		publisher: publisher,
		logger:    logger,
	}
}

// SetupRoutes registers every route. realtime, when set, serves GET /ws and
// does its own authentication.
func (h *Handler) SetupRoutes(router *gin.Engine, realtime gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if realtime != nil {
		router.GET("/ws", realtime)
	}

	api := router.Group("/api")
	api.Use(AuthMiddleware(h.verifier))
	{
		api.GET("/ships", h.ListShips)
		api.POST("/ships", h.CreateShip)
		api.GET("/ships/:id", h.GetShip)
		api.PUT("/ships/:id", h.ReplaceShip)
		api.DELETE("/ships/:id", h.DeleteShip)

		api.PATCH("/ships/:id/checklist", h.UpdateChecklist)
		api.POST("/ships/:id/items", h.AddItem)
		api.POST("/ships/:id/finish", h.Finish)
		api.POST("/ships/:id/unfinish", h.Unfinish)
	}
}

func (h *Handler) ListShips(c *gin.Context) {
	ships, err := h.service.ListShips(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := models.ShipListResponse{Status: "success", Ships: make([]models.ShipResponse, 0, len(ships))}
	for _, ship := range ships {
		resp.Ships = append(resp.Ships, shipResponse(ship))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateShip(c *gin.Context) {
	var req models.CreateShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidRequest(c, err)
		return
	}

	ship, err := h.service.CreateShip(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, shipResponse(ship))
}

func (h *Handler) GetShip(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	ship, err := h.service.GetShip(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shipResponse(ship))
}

func (h *Handler) ReplaceShip(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	var req models.UpdateShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidRequest(c, err)
		return
	}

	ship, err := h.service.ReplaceShip(c.Request.Context(), id, req, h.publish)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shipResponse(ship))
}

func (h *Handler) DeleteShip(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteShip(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{
		Status:  "success",
		Message: fmt.Sprintf("Ship %d deleted", id),
	})
}

func (h *Handler) UpdateChecklist(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	var req models.ChecklistUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidRequest(c, err)
		return
	}

	ship, _, err := h.service.UpdateChecklist(c.Request.Context(), id, checklist.Update{
		Item:        req.Item,
		Checked:     *req.Checked,
		Date:        req.Date,
		BaseVersion: req.BaseVersion,
	}, h.publish)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shipResponse(ship))
}

func (h *Handler) AddItem(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	var req models.AddItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidRequest(c, err)
		return
	}

	ship, err := h.service.AddItem(c.Request.Context(), id, req.Item, h.publish)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, shipResponse(ship))
}

func (h *Handler) Finish(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	var req models.FinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.invalidRequest(c, err)
		return
	}

	ship, err := h.service.Finish(c.Request.Context(), id, req.EstimatedDeparture, h.publish)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shipResponse(ship))
}

func (h *Handler) Unfinish(c *gin.Context) {
	id, ok := h.shipID(c)
	if !ok {
		return
	}

	ship, err := h.service.Unfinish(c.Request.Context(), identityFrom(c), id, h.publish)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shipResponse(ship))
}

// publish is passed to the service as a commit hook so REST writes reach
// viewers in the order they were stored
func (h *Handler) publish(ship *models.Ship) {
	if h.publisher != nil && ship != nil {
		h.publisher.Publish(ship.Snapshot())
	}
}

func (h *Handler) shipID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: "Invalid ship id",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) invalidRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Status:  "error",
		Code:    "INVALID_REQUEST",
		Message: "Invalid request: " + err.Error(),
	})
}

// respondError maps a service error onto the error envelope
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrConflict),
		errors.Is(err, common.ErrNotReady),
		errors.Is(err, common.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, common.ErrValidation):
		status = http.StatusBadRequest
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		message = "Internal server error"
	}

	c.JSON(status, models.ErrorResponse{
		Status:  "error",
		Code:    common.Code(err),
		Message: message,
	})
}

func shipResponse(ship *models.Ship) models.ShipResponse {
	return models.ShipResponse{
		Status: "success",
		Ship:   ship,
		Phase:  checklist.PhaseOf(ship),
		Ready:  checklist.Ready(ship),
	}
}
