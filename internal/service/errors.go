package service

import (
	"errors"
	"net/http"
)

// AuthErrorCode is the machine-readable code every authentication failure
// carries on the wire.
const AuthErrorCode = "AUTHENTICATION_ERROR"

// Reason is the internal classification of an authentication failure. It is
// logged server-side and never sent to the client.
type Reason string

const (
	ReasonMissingToken        Reason = "missing_token"
	ReasonMalformed           Reason = "malformed"
	ReasonExpired             Reason = "expired"
	ReasonInvalidRefreshToken Reason = "invalid_refresh_token"
	ReasonRevoked             Reason = "revoked"
	ReasonSessionInvalidated  Reason = "session_invalidated"
	ReasonReuseDetected       Reason = "reuse_detected"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonInvalidCredentials  Reason = "invalid_credentials"
	ReasonInactiveUser        Reason = "inactive_user"
)

// AuthenticationError is returned for every failed authentication step.
// All reasons share the same external shape.
type AuthenticationError struct {
	Reason Reason
	Err    error
}

func newAuthError(reason Reason, err error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Err: err}
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return "authentication failed (" + string(e.Reason) + "): " + e.Err.Error()
	}
	return "authentication failed (" + string(e.Reason) + ")"
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationError) Code() string {
	return AuthErrorCode
}

func (e *AuthenticationError) StatusCode() int {
	return http.StatusUnauthorized
}

// Message is the client-facing text.
func (e *AuthenticationError) Message() string {
	switch e.Reason {
	case ReasonMissingToken:
		return "Authentication required"
	case ReasonInvalidCredentials, ReasonInactiveUser:
		return "Invalid email or password"
	case ReasonReuseDetected:
		return "Session terminated, please log in again"
	default:
		return "Invalid or expired session"
	}
}

// AsAuthenticationError unwraps err to an *AuthenticationError.
func AsAuthenticationError(err error) (*AuthenticationError, bool) {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}

// ReasonOf returns the failure reason of err, or "" when err is not an
// authentication failure.
func ReasonOf(err error) Reason {
	if authErr, ok := AsAuthenticationError(err); ok {
		return authErr.Reason
	}
	return ""
}
