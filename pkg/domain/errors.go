package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "Paste not found.", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "Content exceeds maximum size limit.", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "Content is required and must be a string.", http.StatusBadRequest)
	ErrInvalidType        = NewErr("INVALID_TYPE", "Type must be text or image.", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "Invalid request.", http.StatusBadRequest)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "Password is required.", http.StatusBadRequest)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "Invalid password.", http.StatusBadRequest)
	ErrNotProtected       = NewErr("NOT_PROTECTED", "This paste is not password protected.", http.StatusBadRequest)
	ErrForbidden          = NewErr("FORBIDDEN", "This paste is password protected and cannot be viewed raw.", http.StatusForbidden)
	ErrInvalidImageData   = NewErr("INVALID_IMAGE_DATA", "Invalid image data format.", http.StatusInternalServerError)
	ErrPasswordTooLong    = NewErr("PASSWORD_TOO_LONG", "Password is too long.", http.StatusBadRequest)
	ErrInvalidExpiry      = NewErr("INVALID_EXPIRY", "expiresIn is out of range.", http.StatusBadRequest)
	ErrUnsupportedType    = NewErr("UNSUPPORTED_TYPE", "Unsupported paste type.", http.StatusInternalServerError)
	ErrServiceBusy        = NewErr("SERVICE_BUSY", "Service is busy, try again shortly.", http.StatusServiceUnavailable)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "Rate limit exceeded.", http.StatusTooManyRequests)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Status maps err to an HTTP status; unknown errors are 500.
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing message for err. Anything that is not a
// domain error collapses to a generic message.
func Message(err error) string {
	if e, ok := asErr(err); ok {
		return e.Msg
	}
	return ErrInternalServer.Msg
}

func Code(err error) string {
	if e, ok := asErr(err); ok {
		return e.Code
	}
	return ErrInternalServer.Code
}
