// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"

	// 生成管线错误类型
	ErrorTypeTransient  ErrorType = "transient_provider" // 网络/超时/限流，可退避重试
	ErrorTypeFatalBatch ErrorType = "fatal_batch"        // 重试预算耗尽或存储写入失败，批次中止
	ErrorTypeEnrichment ErrorType = "enrichment"         // 台账/评审失败，记录日志后跳过
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewConflictError 创建冲突错误（乐观锁未命中）
func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

// NewTransientError 创建可重试的提供商错误
func NewTransientError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTransient, message, originalError)
}

// NewFatalBatchError 创建批次致命错误
func NewFatalBatchError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeFatalBatch, message, originalError)
}

// NewEnrichmentError 创建富化步骤错误（不阻塞章节交付）
func NewEnrichmentError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeEnrichment, message, originalError)
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsTransientError 检查是否为可重试的提供商错误
func IsTransientError(err error) bool {
	return isType(err, ErrorTypeTransient)
}

// IsFatalBatchError 检查是否为批次致命错误
func IsFatalBatchError(err error) bool {
	return isType(err, ErrorTypeFatalBatch)
}

// IsEnrichmentError 检查是否为富化步骤错误
func IsEnrichmentError(err error) bool {
	return isType(err, ErrorTypeEnrichment)
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTransient:
		return "TRANSIENT_PROVIDER"
	case ErrorTypeFatalBatch:
		return "FATAL_BATCH"
	case ErrorTypeEnrichment:
		return "ENRICHMENT_FAILURE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	// 否则创建新的 AppError
	return NewAppError(errType, message, err)
}
