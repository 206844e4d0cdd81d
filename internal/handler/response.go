// Package handler 包含了处理 HTTP 与 WebSocket 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"chat-room-go/internal/service"
	"chat-room-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// errorBody 是两种传输共用的错误描述。
type errorBody struct {
	Code      service.ErrorCode `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
}

const codeInternal service.ErrorCode = "INTERNAL_ERROR"

func toErrorBody(err error) errorBody {
	var te *service.TurnError
	if errors.As(err, &te) {
		return errorBody{Code: te.Code, Message: te.Reason, Retryable: service.IsRetryable(err)}
	}
	return errorBody{Code: codeInternal, Message: "服务器内部错误"}
}

func httpStatus(err error) int {
	switch service.CodeOf(err) {
	case service.CodeUnknownCharacter, service.CodeRoomNotFound:
		return http.StatusNotFound
	case service.CodeProtocolError:
		return http.StatusBadRequest
	case service.CodeAlreadySeeded:
		return http.StatusConflict
	case service.CodeGenerationFailed:
		return http.StatusBadGateway
	case service.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": "success",
		"data":    data,
	})
}

func respondError(c *gin.Context, err error) {
	status := httpStatus(err)
	body := toErrorBody(err)
	if status >= http.StatusInternalServerError {
		log.Errorw("请求处理失败", "path", c.FullPath(), "requestID", requestID(c), "error", err)
	}
	c.JSON(status, gin.H{
		"code":    status,
		"message": body.Message,
		"error":   body.Code,
		"data":    gin.H{"retryable": body.Retryable},
	})
}

// requestID 读取 RequestLogger 写入的请求 ID。
func requestID(c *gin.Context) string {
	return c.GetString("requestID")
}
