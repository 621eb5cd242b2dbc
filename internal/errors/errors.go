// Package errors provides structured error types with codes for the IdP.
//
// Storage and infrastructure use the generic codes (not_found, internal_error, ...).
// Protocol outcomes use the OAuth 2.0 error codes and carry the HTTP status the
// transport must answer with.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for categorizing storage and infrastructure errors.
const (
	CodeInternal      = "internal_error"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeConflict      = "conflict"
	CodeInvalidInput  = "invalid_input"
	CodeUnauthorized  = "unauthorized"
	CodeForbidden     = "forbidden"
	CodeRateLimited   = "rate_limited"
	CodeTokenInvalid  = "token_invalid"
)

// OAuth 2.0, OpenID Connect and CIBA protocol error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeServerError             = "server_error"
	CodeInvalidToken            = "invalid_token"
	CodeInvalidRequestObject    = "invalid_request_object"
	CodeLoginRequired           = "login_required"
	CodeAuthorizationPending    = "authorization_pending"
	CodeSlowDown                = "slow_down"
	CodeExpiredToken            = "expired_token"
	CodeUnknownUserID           = "unknown_user_id"
	CodeMissingUserCode         = "missing_user_code"
	CodeInvalidUserCode         = "invalid_user_code"
	CodeInvalidBindingMessage   = "invalid_binding_message"
)

// Redirect identifies a trusted redirect_uri an authorization error can be sent to.
type Redirect struct {
	URI   string
	State string
}

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	Err     error

	// Status is the HTTP status for protocol errors. Zero means "derive from Code".
	Status int
	// Redirect is set when the error must be delivered to the client's redirect_uri.
	Redirect *Redirect
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code the transport should use for the error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case CodeInvalidClient, CodeUnauthorized, CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServerError, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// IsRedirectable reports whether the error carries a trusted redirect target.
func (e *Error) IsRedirectable() bool {
	return e.Redirect != nil && e.Redirect.URI != ""
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// NotFound creates a not found error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(resource, id string) *Error {
	return &Error{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists: %s", resource, id),
	}
}

// Conflict creates an error for a compare-and-swap that lost against a concurrent writer.
func Conflict(resource, id string) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s was modified concurrently: %s", resource, id),
	}
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// ClientError is a malformed or missing parameter. Code defaults to invalid_request.
func ClientError(code, message string) *Error {
	if code == "" {
		code = CodeInvalidRequest
	}
	return &Error{Code: code, Message: message, Status: http.StatusBadRequest}
}

// ClientUnauthorized is a failed client authentication.
func ClientUnauthorized(message string) *Error {
	return &Error{Code: CodeInvalidClient, Message: message, Status: http.StatusUnauthorized}
}

// BadGrant is an unknown, expired or mismatched grant.
func BadGrant(message string) *Error {
	return &Error{Code: CodeInvalidGrant, Message: message, Status: http.StatusBadRequest}
}

// InvalidScope reports a missing or disallowed scope.
func InvalidScope(message string) *Error {
	return &Error{Code: CodeInvalidScope, Message: message, Status: http.StatusBadRequest}
}

// UnsupportedGrantType reports a grant_type the dispatcher does not know or the tenant disabled.
func UnsupportedGrantType(grantType string) *Error {
	return &Error{
		Code:    CodeUnsupportedGrantType,
		Message: fmt.Sprintf("grant_type %q is not supported", grantType),
		Status:  http.StatusBadRequest,
	}
}

// Redirectable is a request violation reported through a trusted redirect_uri.
func Redirectable(code, message, redirectURI, state string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Status:   http.StatusFound,
		Redirect: &Redirect{URI: redirectURI, State: state},
	}
}

// ConfigurationNotFound reports an unknown tenant or client configuration.
// Unknown clients are invalid_client, unknown tenants are invalid_request.
func ConfigurationNotFound(resource, id string) *Error {
	if resource == "client" {
		return &Error{
			Code:    CodeInvalidClient,
			Message: fmt.Sprintf("client configuration not found: %s", id),
			Status:  http.StatusUnauthorized,
		}
	}
	return &Error{
		Code:    CodeInvalidRequest,
		Message: fmt.Sprintf("%s configuration not found: %s", resource, id),
		Status:  http.StatusBadRequest,
	}
}

// ServerError is an unexpected failure. The message is generic; the cause stays in Err.
func ServerError(err error) *Error {
	return &Error{
		Code:    CodeServerError,
		Message: "unexpected server error",
		Err:     err,
		Status:  http.StatusInternalServerError,
	}
}

// WithRedirect returns a copy of e delivered to the given redirect target.
func (e *Error) WithRedirect(redirectURI, state string) *Error {
	cp := *e
	cp.Status = http.StatusFound
	cp.Redirect = &Redirect{URI: redirectURI, State: state}
	return &cp
}

// OAuth normalizes err into a protocol error. Protocol errors pass through,
// storage and unknown errors become server_error.
func OAuth(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeInternal, CodeNotFound, CodeAlreadyExists, CodeConflict:
			return ServerError(err)
		case CodeInvalidInput:
			return &Error{Code: CodeInvalidRequest, Message: e.Message, Err: e.Err, Status: http.StatusBadRequest}
		case CodeUnauthorized:
			return &Error{Code: CodeInvalidClient, Message: e.Message, Err: e.Err, Status: http.StatusUnauthorized}
		}
		return e
	}
	return ServerError(err)
}
