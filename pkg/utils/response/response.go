package response

import (
	stderrors "errors"

	"mmproc/pkg/errors"
	"mmproc/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the envelope of every admin API reply.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends a 200 with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(errors.Success.HTTPStatus(), Response{
		Code:    errors.Success,
		Message: errors.Success.Message(),
		Data:    data,
		TraceID: getTraceID(c),
	})
}

// Error sends err with the status of its code. Uncoded errors are 500s.
func Error(c *gin.Context, err error) {
	var coded *errors.Error
	if !stderrors.As(err, &coded) {
		coded = errors.Wrap(err, errors.InternalServerError)
	}

	logger.Error(c.Request.Context(), "request error",
		zap.Int("code", int(coded.Code)),
		zap.String("message", coded.Error()),
		zap.Any("details", coded.Details),
	)

	resp := Response{
		Code:    coded.Code,
		Message: coded.Error(),
		TraceID: getTraceID(c),
	}
	if len(coded.Details) > 0 {
		resp.Details = coded.Details
	}
	c.JSON(coded.Code.HTTPStatus(), resp)
}

// ErrorWithCode sends an error response with a specific code.
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	logger.Warn(c.Request.Context(), "request rejected",
		zap.Int("code", int(code)),
		zap.String("message", message),
	)
	c.JSON(code.HTTPStatus(), Response{
		Code:    code,
		Message: message,
		TraceID: getTraceID(c),
	})
}

// AbortWithError sends err and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// BadRequest sends a 400.
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

// NotFound sends a 404.
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, errors.NotFound, message)
}

func getTraceID(c *gin.Context) string {
	if v, ok := c.Get("trace_id"); ok {
		if traceID, ok := v.(string); ok {
			return traceID
		}
	}
	return ""
}
