package httpx

import (
	"fmt"
	"net/http"
)

// Business error codes
const (
	CodeSuccess = 0

	// 认证 (1000-1099)
	CodeUnauthorized = 1001 // Not logged in or bad credentials
	CodeInvalidToken = 1002
	CodeTokenExpired = 1003

	// 请求 (2000-2099)
	CodeParamInvalid  = 2001 // Body does not parse
	CodeInvalidPolicy = 2002 // Certificate policy rejected before any network call

	// 证书与工作流 (3000-3999)
	CodeNotFound        = 3001 // Certificate or workflow instance not found
	CodeWorkflowRunning = 3002 // Certificate already has a running workflow

	// System errors (5000-5999)
	CodeInternalError    = 5001
	CodeDatabaseError    = 5002
	CodeDNSProviderError = 5003 // A DNS provider API failed
)

// AppError represents an application error with HTTP status and business code
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error // logged only, never returned to the client
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code=%d, message=%s, err=%v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

// NewAppError creates a new AppError
func NewAppError(httpStatus, code int, message string, err error) *AppError {
	return &AppError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// ErrUnauthorized creates a 401 unauthorized error
func ErrUnauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return NewAppError(http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// ErrInvalidToken creates a 401 invalid token error
func ErrInvalidToken(message string) *AppError {
	if message == "" {
		message = "invalid token"
	}
	return NewAppError(http.StatusUnauthorized, CodeInvalidToken, message, nil)
}

func ErrTokenExpired(message string) *AppError {
	if message == "" {
		message = "token expired"
	}
	return NewAppError(http.StatusUnauthorized, CodeTokenExpired, message, nil)
}

// ErrParamInvalid creates a 400 error for a malformed request
func ErrParamInvalid(message string) *AppError {
	if message == "" {
		message = "parameter format error"
	}
	return NewAppError(http.StatusBadRequest, CodeParamInvalid, message, nil)
}

// ErrInvalidPolicy creates a 400 error for a rejected certificate policy
func ErrInvalidPolicy(message string) *AppError {
	if message == "" {
		message = "invalid certificate policy"
	}
	return NewAppError(http.StatusBadRequest, CodeInvalidPolicy, message, nil)
}

// ErrNotFound creates a 404 not found error
func ErrNotFound(message string) *AppError {
	if message == "" {
		message = "resource not found"
	}
	return NewAppError(http.StatusNotFound, CodeNotFound, message, nil)
}

// ErrWorkflowRunning creates a 409 error for a certificate that is already
// being issued or renewed
func ErrWorkflowRunning(certificateName string) *AppError {
	return NewAppError(http.StatusConflict, CodeWorkflowRunning,
		"certificate "+certificateName+" already has a running workflow", nil)
}

// ErrInternalError creates a 500 internal error
func ErrInternalError(message string, err error) *AppError {
	if message == "" {
		message = "internal error"
	}
	return NewAppError(http.StatusInternalServerError, CodeInternalError, message, err)
}

// ErrDatabaseError creates a 500 database error
func ErrDatabaseError(message string, err error) *AppError {
	if message == "" {
		message = "database error"
	}
	return NewAppError(http.StatusInternalServerError, CodeDatabaseError, message, err)
}

// ErrDNSProvider creates a 502 error for a failed DNS provider call
func ErrDNSProvider(message string, err error) *AppError {
	if message == "" {
		message = "dns provider failure"
	}
	return NewAppError(http.StatusBadGateway, CodeDNSProviderError, message, err)
}
