package ldapnav

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapnav/dn"
	"github.com/netresearch/ldapnav/filter"
)

// Sentinel errors for engine failures. They provide a stable surface for
// errors.Is classification; operations wrap them in a *DirectoryError that
// carries the operation context.
var (
	// Transport failures.
	ErrUnreachable    = errors.New("ldapnav: server unreachable")
	ErrTLSHandshake   = errors.New("ldapnav: tls negotiation failed")
	ErrTimeout        = errors.New("ldapnav: operation timed out")
	ErrConnectionLost = errors.New("ldapnav: connection lost")

	// Authentication failures.
	ErrBindRejected = errors.New("ldapnav: bind rejected")

	// Protocol and semantic failures.
	ErrInsufficientAccess   = errors.New("ldapnav: insufficient access rights")
	ErrNoSuchEntry          = errors.New("ldapnav: no such entry")
	ErrEntryExists          = errors.New("ldapnav: entry already exists")
	ErrObjectClassViolation = errors.New("ldapnav: object class violation")
	ErrConstraintViolation  = errors.New("ldapnav: constraint violation")
	ErrProtocolError        = errors.New("ldapnav: protocol error")
	ErrReferral             = errors.New("ldapnav: referral returned")

	// Local policy failures, rejected before any protocol request.
	ErrReadOnly = errors.New("ldapnav: session is read-only")

	// Session lifecycle.
	ErrSessionClosed = errors.New("ldapnav: session closed")
	ErrNotConnected  = errors.New("ldapnav: not connected")

	// Schema resolution.
	ErrUnknownClass        = errors.New("ldapnav: unknown object class")
	ErrCyclicSuperiorChain = errors.New("ldapnav: cyclic superior chain")

	// Certificate trust, surfaced by the TLS ladder so the caller can offer
	// a pinning decision.
	ErrUntrustedCertificate = errors.New("ldapnav: server certificate not trusted")
)

// DirectoryError is the rich error returned by session operations. It wraps
// the underlying failure with the operation name, the DN involved, the
// server, and the LDAP result code when one was returned. Kind is the
// sentinel the failure classifies as, so errors.Is(err, ErrNoSuchEntry)
// works on any wrapped operation error.
type DirectoryError struct {
	Op        string
	DN        string
	Server    string
	Code      int
	Kind      error
	Err       error
	Timestamp time.Time
}

func (e *DirectoryError) Error() string {
	if e.DN != "" {
		return fmt.Sprintf("ldapnav %s failed for DN %q on %q: %v", e.Op, e.DN, e.Server, e.Err)
	}
	return fmt.Sprintf("ldapnav %s failed on %q: %v", e.Op, e.Server, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) Is(target error) bool {
	if e.Kind != nil && target == e.Kind {
		return true
	}
	return errors.Is(e.Err, target)
}

// NewDirectoryError wraps err with operation context, classifying it against
// the package sentinels. A nil err returns nil.
func NewDirectoryError(op, server, entryDN string, err error) error {
	if err == nil {
		return nil
	}
	kind, code := classify(err)
	return &DirectoryError{
		Op:        op,
		DN:        entryDN,
		Server:    server,
		Code:      code,
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// wrapKind builds a DirectoryError with an explicit kind, for failures
// classified at the call site.
func wrapKind(op, server, entryDN string, kind, err error) *DirectoryError {
	return &DirectoryError{
		Op:        op,
		DN:        entryDN,
		Server:    server,
		Code:      ResultCode(err),
		Kind:      kind,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// sentinels that classify passes through unchanged when already present in
// the chain, so locally raised failures keep their kind when wrapped.
var classified = []error{
	ErrUnreachable, ErrTLSHandshake, ErrTimeout, ErrConnectionLost,
	ErrBindRejected, ErrReferral, ErrReadOnly, ErrSessionClosed,
	ErrNotConnected, ErrUnknownClass, ErrCyclicSuperiorChain,
	ErrUntrustedCertificate,
}

// classify maps an underlying error to its sentinel and LDAP result code.
// The code is -1 for failures that never reached a server response.
func classify(err error) (error, int) {
	for _, s := range classified {
		if errors.Is(err, s) {
			return s, -1
		}
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled, -1
	}

	var lerr *ldap.Error
	if !errors.As(err, &lerr) {
		switch {
		case errors.Is(err, context.DeadlineExceeded) ||
			strings.Contains(err.Error(), "timed out"):
			return ErrTimeout, -1
		case isTransportError(err):
			return ErrConnectionLost, -1
		}
		return ErrProtocolError, -1
	}

	code := int(lerr.ResultCode)
	switch lerr.ResultCode {
	case ldap.LDAPResultInvalidCredentials, ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultAuthMethodNotSupported, ldap.LDAPResultStrongAuthRequired:
		return ErrBindRejected, code
	case ldap.LDAPResultInsufficientAccessRights:
		return ErrInsufficientAccess, code
	case ldap.LDAPResultNoSuchObject:
		return ErrNoSuchEntry, code
	case ldap.LDAPResultEntryAlreadyExists:
		return ErrEntryExists, code
	case ldap.LDAPResultObjectClassViolation, ldap.LDAPResultObjectClassModsProhibited:
		return ErrObjectClassViolation, code
	case ldap.LDAPResultConstraintViolation, ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultNamingViolation, ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultNotAllowedOnRDN:
		return ErrConstraintViolation, code
	case ldap.LDAPResultReferral:
		return ErrReferral, code
	case ldap.LDAPResultTimeLimitExceeded:
		return ErrTimeout, code
	case ldap.LDAPResultBusy, ldap.LDAPResultUnavailable:
		return ErrConnectionLost, code
	case ldap.ErrorNetwork:
		return ErrConnectionLost, code
	default:
		return ErrProtocolError, code
	}
}

// isTransportError reports whether err looks like a broken transport rather
// than a server verdict. These failures trigger the reconnect-and-retry path
// when cached credentials exist.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection", "broken pipe", "reset by peer", "closed", "eof", "timed out",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsConnectionError reports whether the error stems from the transport:
// unreachable server, lost connection, TLS failure, or timeout.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrTLSHandshake) ||
		errors.Is(err, ErrTimeout)
}

// IsAuthenticationError reports whether the error is a rejected bind or
// invalid credential.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrBindRejected)
}

// IsNotFoundError reports whether the error indicates a missing entry.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNoSuchEntry)
}

// IsValidationError reports whether the error is a local input rejection
// (malformed DN or filter) that never reached the network.
func IsValidationError(err error) bool {
	if errors.Is(err, dn.ErrMalformed) {
		return true
	}
	var perr *filter.ParseError
	return errors.As(err, &perr)
}

// IsReadOnlyError reports whether the error is the read-only policy
// rejection.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

// ResultCode extracts the LDAP result code from an error chain, or -1 when
// none is present.
func ResultCode(err error) int {
	var derr *DirectoryError
	if errors.As(err, &derr) {
		return derr.Code
	}
	var lerr *ldap.Error
	if errors.As(err, &lerr) {
		return int(lerr.ResultCode)
	}
	return -1
}

// referralURLs pulls the LDAP URLs out of a referral result, when the
// response packet carries them. The referral component of an LDAPResult is
// context tag 3 (RFC 4511 §4.1.10).
func referralURLs(err error) []string {
	var lerr *ldap.Error
	if !errors.As(err, &lerr) || lerr.Packet == nil || len(lerr.Packet.Children) < 2 {
		return nil
	}
	var urls []string
	for _, child := range lerr.Packet.Children[1].Children {
		if child.ClassType != ber.ClassContext || child.Tag != 3 {
			continue
		}
		for _, ref := range child.Children {
			if s, ok := ref.Value.(string); ok && s != "" {
				urls = append(urls, s)
			} else if ref.Data != nil && ref.Data.Len() > 0 {
				urls = append(urls, ref.Data.String())
			}
		}
	}
	return urls
}
