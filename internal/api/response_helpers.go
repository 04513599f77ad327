// internal/api/response_helpers.go
package api

import (
	"errors"
	"net/http"
	"time"

	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/gin-gonic/gin"
)

// APIResponse 统一的API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError API错误详情
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseHelper 响应助手类
type ResponseHelper struct{}

// NewResponseHelper 创建响应助手
func NewResponseHelper() *ResponseHelper {
	return &ResponseHelper{}
}

// Success 成功响应
func (rh *ResponseHelper) Success(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusOK, response)
}

// Created 创建成功响应
func (rh *ResponseHelper) Created(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Message:   "资源创建成功",
		Timestamp: time.Now(),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusCreated, response)
}

// Accepted 已接受响应（后台任务已启动）
func (rh *ResponseHelper) Accepted(c *gin.Context, data interface{}, message ...string) {
	response := &APIResponse{
		Success:   true,
		Data:      data,
		Message:   "任务已启动",
		Timestamp: time.Now(),
	}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(http.StatusAccepted, response)
}

// Error 错误响应
func (rh *ResponseHelper) Error(c *gin.Context, statusCode int, errorCode, message string) {
	c.JSON(statusCode, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:    errorCode,
			Message: message,
		},
		Timestamp: time.Now(),
	})
}

// BadRequest 400错误响应
func (rh *ResponseHelper) BadRequest(c *gin.Context, message string) {
	rh.Error(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

// NotFound 404错误响应
func (rh *ResponseHelper) NotFound(c *gin.Context, message string) {
	rh.Error(c, http.StatusNotFound, "NOT_FOUND", message)
}

// Conflict 409错误响应
func (rh *ResponseHelper) Conflict(c *gin.Context, message string) {
	rh.Error(c, http.StatusConflict, "CONFLICT", message)
}

// ConflictWithData 409错误响应，附带资源当前状态供调用方直接采用
func (rh *ResponseHelper) ConflictWithData(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusConflict, &APIResponse{
		Success: false,
		Data:    data,
		Error: &APIError{
			Code:    "CONFLICT",
			Message: message,
		},
		Timestamp: time.Now(),
	})
}

// InternalError 500错误响应
func (rh *ResponseHelper) InternalError(c *gin.Context, message string) {
	rh.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// FromAppError 按应用错误类型映射HTTP状态码
func (rh *ResponseHelper) FromAppError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		rh.InternalError(c, err.Error())
		return
	}

	switch appErr.Type {
	case apperrors.ErrorTypeValidation:
		rh.Error(c, http.StatusBadRequest, appErr.Code, appErr.Message)
	case apperrors.ErrorTypeNotFound:
		rh.Error(c, http.StatusNotFound, appErr.Code, appErr.Message)
	case apperrors.ErrorTypeConflict:
		rh.Error(c, http.StatusConflict, appErr.Code, appErr.Message)
	default:
		rh.Error(c, http.StatusInternalServerError, appErr.Code, appErr.Message)
	}
}
