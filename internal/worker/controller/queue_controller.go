package controller

import (
	"context"
	"strconv"

	"mmproc/internal/fanout"
	appErr "mmproc/pkg/errors"
	"mmproc/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	defaultDeadLetterCount = 20
	maxDeadLetterCount     = 500
)

// QueueInspector is the read side of a per-key queue.
type QueueInspector interface {
	Name() string
	Depth(ctx context.Context) (ready, deadLettered int64, err error)
	DeadLetters(ctx context.Context, count int64) ([]fanout.Delivery, error)
}

// QueueController reports the state of the worker's queue.
type QueueController struct {
	queue QueueInspector
}

func NewQueueController(queue QueueInspector) *QueueController {
	return &QueueController{queue: queue}
}

func (h *QueueController) Register(group *gin.RouterGroup) {
	group.GET("/queue", h.Depth)
	group.GET("/queue/dead-letters", h.DeadLetters)
}

type depthResponse struct {
	Queue        string `json:"queue"`
	Ready        int64  `json:"ready"`
	DeadLettered int64  `json:"deadLettered"`
}

type deadLetter struct {
	ID         string            `json:"id"`
	Body       string            `json:"body"`
	Attributes fanout.Attributes `json:"attributes"`
}

func (h *QueueController) Depth(c *gin.Context) {
	ready, dead, err := h.queue.Depth(c.Request.Context())
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.QueueReceiveFailed, "depth of %s", h.queue.Name()))
		return
	}
	response.Success(c, depthResponse{Queue: h.queue.Name(), Ready: ready, DeadLettered: dead})
}

func (h *QueueController) DeadLetters(c *gin.Context) {
	count := int64(defaultDeadLetterCount)
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > maxDeadLetterCount {
			response.BadRequest(c, "count must be between 1 and 500")
			return
		}
		count = n
	}
	deliveries, err := h.queue.DeadLetters(c.Request.Context(), count)
	if err != nil {
		response.Error(c, appErr.Wrapf(err, appErr.QueueReceiveFailed, "dead letters of %s", h.queue.Name()))
		return
	}
	out := make([]deadLetter, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deadLetter{ID: d.ID, Body: string(d.Body), Attributes: d.Attributes})
	}
	response.Success(c, out)
}
