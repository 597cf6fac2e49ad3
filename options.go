package ldapnav

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Option configures a Session before it connects, following the functional
// options pattern.
type Option func(*Session)

// WithLogger sets a custom structured logger for session operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	session, err := Connect(ctx, cfg, cred, WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventLog tees the session's log records into log, keeping them
// available for a log surface while the original handler still receives
// them.
func WithEventLog(log *EventLog) Option {
	return func(s *Session) {
		if log != nil {
			s.logger = slog.New(log.Fanout(s.logger.Handler()))
		}
	}
}

// WithTLSConfig seeds the TLS client configuration used by the LDAPS and
// StartTLS rungs. A TrustStore's Config method produces one with the pin
// verification hook installed.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Session) {
		if cfg != nil {
			s.config.TLSConfig = cfg
		}
	}
}

// WithDialFunc replaces the transport dialer. Tests use this to run the
// session against a double without a live server.
func WithDialFunc(dial DialFunc) Option {
	return func(s *Session) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithPageSize overrides the search page size.
func WithPageSize(size uint32) Option {
	return func(s *Session) {
		if size > 0 {
			s.config.PageSize = size
		}
	}
}

// WithTimeout overrides the per-attempt operation timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.config.Timeout = timeout
		}
	}
}

// WithReadOnly toggles rejection of directory writes before they reach the
// protocol layer.
func WithReadOnly(readOnly bool) Option {
	return func(s *Session) {
		s.config.ReadOnly = readOnly
	}
}

// WithReferralPolicy sets how referral results are handled.
func WithReferralPolicy(policy ReferralPolicy) Option {
	return func(s *Session) {
		s.config.Referrals = policy
	}
}
