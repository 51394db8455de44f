package convo

import (
	"fmt"
	"strings"
)

// Error is the canonical error for session operations. Transport and broker
// failures are converted into one of these at the boundary where they occur;
// none of the facade operations propagate raw transport errors to callers.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorKind categorizes session errors.
type ErrorKind string

const (
	// ErrConfiguration: no signed URL available and no static credential
	// configured. Fatal for the attempt, never auto-retried.
	ErrConfiguration ErrorKind = "configuration_error"
	// ErrAuthentication: the remote rejected our credentials. Fatal for the
	// attempt, never auto-retried; manual reconnects remain allowed.
	ErrAuthentication ErrorKind = "authentication_error"
	// ErrPermission: microphone/recording permission was denied.
	ErrPermission ErrorKind = "permission_error"
	// ErrSend: a send was attempted on a closed or absent transport.
	ErrSend ErrorKind = "send_error"
	// ErrTransient: anything else from the transport; retried per the
	// reconnection policy up to the attempt ceiling.
	ErrTransient ErrorKind = "transient_error"
)

func NewConfigurationError(message string) *Error {
	return &Error{Kind: ErrConfiguration, Message: message}
}

func NewAuthenticationError(message string) *Error {
	return &Error{Kind: ErrAuthentication, Message: message}
}

func NewPermissionError(message string) *Error {
	return &Error{Kind: ErrPermission, Message: message}
}

func NewSendError(message string) *Error {
	return &Error{Kind: ErrSend, Message: message}
}

func NewTransientError(message string, cause error) *Error {
	return &Error{Kind: ErrTransient, Message: message, Cause: cause}
}

// IsRetryable returns true if the reconnection policy applies to the error.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == ErrTransient
}

var authVocabulary = []string{
	"auth",
	"unauthorized",
	"forbidden",
	"token",
	"bearer",
	"api key",
	"api_key",
	"apikey",
	"credential",
	"401",
	"403",
}

var permissionVocabulary = []string{
	"permission denied",
	"not allowed",
	"notallowederror",
	"microphone",
	"getusermedia",
}

// Classify maps raw transport error text onto the taxonomy. Authentication
// vocabulary wins over permission vocabulary; everything else is transient.
func Classify(message string) *Error {
	lowered := strings.ToLower(message)
	for _, word := range authVocabulary {
		if strings.Contains(lowered, word) {
			return NewAuthenticationError(message)
		}
	}
	for _, word := range permissionVocabulary {
		if strings.Contains(lowered, word) {
			return NewPermissionError(message)
		}
	}
	return NewTransientError(message, nil)
}
