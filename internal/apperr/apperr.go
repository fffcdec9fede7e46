// Package apperr defines the error taxonomy shared by discovery,
// authentication, identity mapping and the sync orchestrator.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers must react to it.
type Kind string

const (
	// NetworkUnreachable means no response at all; fails both services.
	NetworkUnreachable Kind = "network_unreachable"

	// AuthenticationRejected means the server refused the credentials.
	AuthenticationRejected Kind = "authentication_rejected"

	// ServiceUnavailable means CalDAV or CardDAV is absent on the server.
	// It is not an error for the other service.
	ServiceUnavailable Kind = "service_unavailable"

	// DuplicateAccount means an account with the same normalized server
	// URL and username already exists.
	DuplicateAccount Kind = "duplicate_account"

	// DiscoveryPartialFailure means one collection type could not be
	// enumerated after authentication succeeded.
	DiscoveryPartialFailure Kind = "discovery_partial_failure"

	LoginFlowTimeout   Kind = "login_flow_timeout"
	LoginFlowCancelled Kind = "login_flow_cancelled"

	// PolicyDeferred means work was skipped by policy (WiFi-only, disabled).
	// It is not a failure.
	PolicyDeferred Kind = "policy_deferred"

	// WriteRejected means a mutation targeted a read-only collection.
	WriteRejected Kind = "write_rejected"

	// IdentityMappingFailed is a soft warning, never fatal to account creation.
	IdentityMappingFailed Kind = "identity_mapping_failed"

	NotFound Kind = "not_found"
	Internal Kind = "internal"
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels such as
// ErrDuplicateAccount work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is comparisons.
var (
	ErrNetworkUnreachable      = &Error{Kind: NetworkUnreachable}
	ErrAuthenticationRejected  = &Error{Kind: AuthenticationRejected}
	ErrServiceUnavailable      = &Error{Kind: ServiceUnavailable}
	ErrDuplicateAccount        = &Error{Kind: DuplicateAccount}
	ErrDiscoveryPartialFailure = &Error{Kind: DiscoveryPartialFailure}
	ErrLoginFlowTimeout        = &Error{Kind: LoginFlowTimeout}
	ErrLoginFlowCancelled      = &Error{Kind: LoginFlowCancelled}
	ErrPolicyDeferred          = &Error{Kind: PolicyDeferred}
	ErrWriteRejected           = &Error{Kind: WriteRejected}
	ErrIdentityMappingFailed   = &Error{Kind: IdentityMappingFailed}
	ErrNotFound                = &Error{Kind: NotFound}
)

// New returns a classified error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Internal for unclassified errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// Recover converts a panic raised by an external collaborator into an
// Internal error stored in *errp. Use as `defer apperr.Recover("op", &err)`.
func Recover(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = &Error{Kind: Internal, Op: op, Msg: fmt.Sprintf("panic: %v", r)}
	}
}
