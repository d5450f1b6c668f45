package ldaproute

import (
	"errors"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of connection-layer errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// ConnectError reports a failure to establish a usable connection. When a
// server set exhausts every endpoint, the returned ConnectError wraps the
// last underlying failure.
type ConnectError struct {
	Message  string
	Endpoint Endpoint
	Cause    error
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Endpoint != (Endpoint{}) {
		b.WriteString(" (")
		b.WriteString(e.Endpoint.String())
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
// Connect failures are transient by nature: the endpoint may come back.
func (e *ConnectError) IsRetryable() bool {
	return true
}

// NewConnectError creates a new connect-class error. A zero Endpoint means
// the failure is not attributable to a single endpoint.
func NewConnectError(message string, endpoint Endpoint, cause error) *ConnectError {
	return &ConnectError{
		Message:  message,
		Endpoint: endpoint,
		Cause:    cause,
	}
}

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// GetErrorCategory classifies an error for logging and failure policy.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return categorizeResultCode(ldapErr.ResultCode)
	}

	if IsConnectError(err) {
		return ErrorCategoryConnection
	}

	return categorizeGenericError(err)
}

// categorizeResultCode maps the LDAP result codes relevant to routing onto
// error categories.
func categorizeResultCode(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultInsufficientAccessRights:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors by message inspection.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "refused") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "password") {
		return ErrorCategoryAuthentication
	}

	return ErrorCategoryUnknown
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultBusy,
			ldap.LDAPResultUnavailable,
			ldap.LDAPResultServerDown,
			ldap.LDAPResultTimeLimitExceeded,
			ldap.LDAPResultConnectError:
			return true
		default:
			return false
		}
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return GetErrorCategory(err) == ErrorCategoryConnection
}
