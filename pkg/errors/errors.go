package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError so transports can map it without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindAuthorization
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

type AppError struct {
	Kind    Kind   // Error class
	Code    int    // HTTP status code or custom error code
	Message string // User-facing message
	Err     error  // Underlying error (optional)
}

const (
	ErrInvalidToken       = 1001
	ErrAuctionNotFound    = 1002
	ErrBidTooLow          = 1003
	ErrAuctionClosed      = 1004
	ErrWebSocketUpgrade   = 1005
	ErrBadMessageFormat   = 1006
	ErrUnknownMessageType = 1007
	ErrRateLimited        = 1008
	ErrInvalidWindow      = 1009
	ErrCarUnavailable     = 1010
	ErrCarBooked          = 1011
	ErrUserBlocked        = 1012
	ErrNotAdmin           = 1013
	ErrInvalidTransition  = 1014
	ErrDuplicateRating    = 1015
	ErrDuplicateRequest   = 1016
	ErrNotOwner           = 1017
	ErrWindowContested    = 1018

	ErrInternalServer = 500
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// ToJSON renders the error the way websocket clients expect it.
func (e *AppError) ToJSON() string {
	b, err := json.Marshal(struct {
		Type    string `json:"type"`
		Kind    string `json:"kind"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{"error", e.Kind.String(), e.Code, e.Message})
	if err != nil {
		return `{"type":"error","message":"internal error"}`
	}
	return string(b)
}

// HTTPStatus maps the error kind to a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	}
	if e.Code >= 400 && e.Code < 600 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// Wrapping utility. The kind of a wrapped AppError is preserved.
func Wrap(err error, message string) *AppError {
	return &AppError{Kind: KindOf(err), Code: CodeOf(err), Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Validation(code int, format string, args ...any) *AppError {
	return &AppError{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code int, format string, args ...any) *AppError {
	return &AppError{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(code int, format string, args ...any) *AppError {
	return &AppError{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *AppError {
	return &AppError{Kind: KindNotFound, Code: http.StatusNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// KindOf reports the kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func CodeOf(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternalServer
}

func IsValidation(err error) bool    { return err != nil && KindOf(err) == KindValidation }
func IsConflict(err error) bool      { return err != nil && KindOf(err) == KindConflict }
func IsAuthorization(err error) bool { return err != nil && KindOf(err) == KindAuthorization }
func IsNotFound(err error) bool      { return err != nil && KindOf(err) == KindNotFound }

// As exposes the standard library helper so callers only import this package.
func As(err error, target any) bool { return stderrors.As(err, target) }
