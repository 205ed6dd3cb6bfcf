package tls

import (
	"errors"
	"fmt"
)

// Common sentinel errors for TLS operations.
var (
	// ErrCertificateNotFound indicates that a certificate or key file does not exist.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateMalformed indicates that PEM or DER data could not be parsed.
	ErrCertificateMalformed = errors.New("certificate malformed")

	// ErrCertificateExpired indicates that a certificate has expired.
	ErrCertificateExpired = errors.New("certificate expired")

	// ErrCertificateNotYetValid indicates that a certificate is not valid yet.
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")

	// ErrCertificateKeyMismatch indicates that the certificate and key do not match.
	ErrCertificateKeyMismatch = errors.New("certificate and key do not match")

	// ErrCipherSuiteInvalid indicates that a cipher suite is invalid.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")

	// ErrCurveInvalid indicates that an ECDH curve name is invalid.
	ErrCurveInvalid = errors.New("invalid curve")

	// ErrTLSVersionInvalid indicates that a TLS version is invalid.
	ErrTLSVersionInvalid = errors.New("invalid TLS version")

	// ErrConfigInvalid indicates that the TLS configuration is invalid.
	ErrConfigInvalid = errors.New("invalid TLS configuration")
)

// LoadErrorKind classifies certificate loading failures.
type LoadErrorKind string

// Certificate load error kinds.
const (
	LoadErrorNotFound    LoadErrorKind = "not_found"
	LoadErrorMalformed   LoadErrorKind = "malformed"
	LoadErrorKeyMismatch LoadErrorKind = "key_mismatch"
	LoadErrorExpired     LoadErrorKind = "expired"
	LoadErrorNotYetValid LoadErrorKind = "not_yet_valid"
)

// sentinel returns the sentinel error matching the kind.
func (k LoadErrorKind) sentinel() error {
	switch k {
	case LoadErrorNotFound:
		return ErrCertificateNotFound
	case LoadErrorMalformed:
		return ErrCertificateMalformed
	case LoadErrorKeyMismatch:
		return ErrCertificateKeyMismatch
	case LoadErrorExpired:
		return ErrCertificateExpired
	case LoadErrorNotYetValid:
		return ErrCertificateNotYetValid
	default:
		return nil
	}
}

// CertificateLoadError is returned when certificate or key material cannot be loaded.
type CertificateLoadError struct {
	Path  string
	Kind  LoadErrorKind
	Cause error
}

// Error implements the error interface.
func (e *CertificateLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate load error at %s (%s): %v", e.Path, e.Kind, e.Cause)
	}
	return fmt.Sprintf("certificate load error at %s (%s)", e.Path, e.Kind)
}

// Unwrap returns the underlying error.
func (e *CertificateLoadError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CertificateLoadError or the sentinel for its kind.
func (e *CertificateLoadError) Is(target error) bool {
	if _, ok := target.(*CertificateLoadError); ok {
		return true
	}
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewCertificateLoadError creates a new CertificateLoadError.
func NewCertificateLoadError(path string, kind LoadErrorKind, cause error) *CertificateLoadError {
	return &CertificateLoadError{Path: path, Kind: kind, Cause: cause}
}

// TLSConfigError represents an inconsistent TLS policy or unusable material.
type TLSConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TLSConfigError) Error() string {
	if e.Field != "" {
		if e.Cause != nil {
			return fmt.Sprintf("TLS config error at %s: %s: %v", e.Field, e.Message, e.Cause)
		}
		return fmt.Sprintf("TLS config error at %s: %s", e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("TLS config error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("TLS config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *TLSConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TLSConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*TLSConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewTLSConfigError creates a new TLSConfigError.
func NewTLSConfigError(field, message string) *TLSConfigError {
	return &TLSConfigError{Field: field, Message: message}
}

// NewTLSConfigErrorWithCause creates a new TLSConfigError with a cause.
func NewTLSConfigErrorWithCause(field, message string, cause error) *TLSConfigError {
	return &TLSConfigError{Field: field, Message: message, Cause: cause}
}
