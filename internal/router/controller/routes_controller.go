package controller

import (
	"strings"

	"mmproc/internal/router/validator"
	"mmproc/internal/routing"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"
	"mmproc/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoutesController exposes routing records for operators.
type RoutesController struct {
	store routing.Backend
}

func NewRoutesController(store routing.Backend) *RoutesController {
	return &RoutesController{store: store}
}

// Register mounts the routes under group.
func (h *RoutesController) Register(group *gin.RouterGroup) {
	group.GET("/routes/:key", h.Get)
	group.PUT("/routes/:key", h.Put)
}

type putRouteRequest struct {
	QueueIdentifier string `json:"queueIdentifier" binding:"required"`
	Active          *bool  `json:"active" binding:"required"`
	DisplayName     string `json:"displayName"`
}

func (h *RoutesController) Get(c *gin.Context) {
	key, ok := routeKey(c)
	if !ok {
		return
	}
	rec, found, err := h.store.Get(c.Request.Context(), key)
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.RoutingLookupFailed, "lookup %s", key))
		return
	}
	if !found {
		response.Error(c, appErr.Newf(appErr.RoutingRecordNotFound, "no routing record for %s", key))
		return
	}
	response.Success(c, rec)
}

func (h *RoutesController) Put(c *gin.Context) {
	key, ok := routeKey(c)
	if !ok {
		return
	}
	var req putRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "queueIdentifier and active are required")
		return
	}
	rec := routing.Record{
		Key:             key,
		QueueIdentifier: strings.TrimSpace(req.QueueIdentifier),
		Active:          *req.Active,
		DisplayName:     req.DisplayName,
	}
	if err := h.store.Upsert(c.Request.Context(), rec); err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.DatabaseError, "upsert %s", key))
		return
	}
	logger.Info(c.Request.Context(), "routing record updated",
		zap.String("challenge_id", key),
		zap.String("queue", rec.QueueIdentifier),
		zap.Bool("active", rec.Active),
	)
	response.Success(c, rec)
}

func routeKey(c *gin.Context) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(c.Param("key")))
	if !validator.IsCanonicalUUID(key) {
		response.Error(c, appErr.ValidationError("key", "must be a uuid"))
		return "", false
	}
	return key, true
}
