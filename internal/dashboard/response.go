package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rebalancer/internal/store"
)

// Response is the standardized API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error carries a machine-readable code and a human-readable message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// handle maps a service error to the appropriate response.
func handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		success(c, data)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "resource not found")
		return
	}
	internalError(c, "an unexpected error occurred")
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func notFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error:   &Error{Code: ErrCodeNotFound, Message: message},
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error:   &Error{Code: ErrCodeBadRequest, Message: message},
	})
}

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error:   &Error{Code: ErrCodeUnauthorized, Message: message},
	})
}

func tooManyRequests(c *gin.Context, message string) {
	c.JSON(http.StatusTooManyRequests, Response{
		Success: false,
		Error:   &Error{Code: ErrCodeRateLimited, Message: message},
	})
}

func internalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error:   &Error{Code: ErrCodeInternalError, Message: message},
	})
}
