package ldapnav

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapnav/dn"
)

const (
	defaultPort      = 389
	defaultLDAPSPort = 636
	defaultPageSize  = 500
	defaultTimeout   = 30 * time.Second
)

// TLSMode selects how the transport is secured. TLSModeAuto negotiates the
// strongest available rung: LDAPS first, then StartTLS, then plaintext. The
// explicit modes pin a single rung and never downgrade.
type TLSMode int

const (
	TLSModeAuto TLSMode = iota
	TLSModeLDAPS
	TLSModeStartTLS
	TLSModePlain
)

func (m TLSMode) String() string {
	switch m {
	case TLSModeLDAPS:
		return "ldaps"
	case TLSModeStartTLS:
		return "starttls"
	case TLSModePlain:
		return "plain"
	default:
		return "auto"
	}
}

// ParseTLSMode converts a profile string into a TLSMode.
func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return TLSModeAuto, nil
	case "ldaps":
		return TLSModeLDAPS, nil
	case "starttls", "start_tls":
		return TLSModeStartTLS, nil
	case "plain", "none":
		return TLSModePlain, nil
	default:
		return TLSModeAuto, fmt.Errorf("unknown tls mode %q", s)
	}
}

// rungs returns the negotiation attempts for the mode, in order.
func (m TLSMode) rungs() []TLSMode {
	if m == TLSModeAuto {
		return []TLSMode{TLSModeLDAPS, TLSModeStartTLS, TLSModePlain}
	}
	return []TLSMode{m}
}

// ReferralPolicy governs how referral results are handled: surfaced as
// errors, or followed to the referred server for a single hop.
type ReferralPolicy int

const (
	ReferralIgnore ReferralPolicy = iota
	ReferralFollow
)

func (p ReferralPolicy) String() string {
	if p == ReferralFollow {
		return "follow"
	}
	return "ignore"
}

// ParseReferralPolicy converts a profile string into a ReferralPolicy.
func ParseReferralPolicy(s string) (ReferralPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ignore":
		return ReferralIgnore, nil
	case "follow":
		return ReferralFollow, nil
	default:
		return ReferralIgnore, fmt.Errorf("unknown referral policy %q", s)
	}
}

// State is the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateTLSNegotiating
	StateBinding
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateTLSNegotiating:
		return "tls_negotiating"
	case StateBinding:
		return "binding"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Credential is a resolved bind identity. A zero BindDN or Anonymous=true
// binds anonymously. Ephemeral credentials are wiped after the first bind
// and disable transparent reconnects, forcing the caller to re-prompt.
type Credential struct {
	BindDN    string
	Password  string
	Anonymous bool
	Ephemeral bool
}

// Config carries the connection settings for one session. The zero value of
// Port, PageSize, and Timeout are replaced by the defaults 389, 500, and
// 30s.
type Config struct {
	Host      string
	Port      int
	BaseDN    string
	TLSMode   TLSMode
	Referrals ReferralPolicy
	PageSize  uint32
	Timeout   time.Duration
	ReadOnly  bool

	// TLSConfig seeds the TLS client configuration for the LDAPS and
	// StartTLS rungs; a TrustStore installs its verification hook here.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.PageSize == 0 {
		out.PageSize = defaultPageSize
	}
	if out.Timeout <= 0 {
		out.Timeout = defaultTimeout
	}
	return &out
}

// Address returns the configured host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ldapsPort is the port for the LDAPS rung: 636 when the configured port is
// the plaintext default, otherwise the configured port itself.
func (c *Config) ldapsPort() int {
	if c.Port == defaultPort {
		return defaultLDAPSPort
	}
	return c.Port
}

// Conn is the wire surface the session drives. *ldap.Conn satisfies it;
// tests substitute a double to assert request counts without a server.
type Conn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(req *ldap.AddRequest) error
	Del(req *ldap.DelRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Compare(dn, attribute, value string) (bool, error)
	StartTLS(config *tls.Config) error
	SetTimeout(timeout time.Duration)
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// DialFunc opens one transport to url. The tlsConfig is non-nil only for
// ldaps URLs; StartTLS negotiation happens on the returned Conn afterwards.
type DialFunc func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error)

func defaultDial(_ context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if tlsConfig != nil {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
	}
	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		conn.SetTimeout(timeout)
	}
	return conn, nil
}

// Session is one authenticated connection to a directory server. The
// transport is exclusively owned by the session and serialized by an
// internal mutex; go-ldap connections do not multiplex requests. All
// exported operations are safe for concurrent use.
type Session struct {
	config *Config
	cred   Credential
	logger *slog.Logger
	dial   DialFunc

	baseDN dn.DN

	mu       sync.Mutex
	conn     Conn
	security TLSMode
	rebind   bool

	state  atomic.Int32
	closed atomic.Bool

	correlation atomic.Uint64

	schema atomic.Pointer[Schema]
	info   atomic.Pointer[ServerInfo]
}

// Connect establishes a session: it walks the TLS ladder for the configured
// mode, binds with the credential, and discovers the base DN from the root
// DSE when the config omits one. The error is a *DirectoryError classified
// as unreachable, TLS handshake failure, bind rejection, or timeout. A
// certificate-trust failure aborts the ladder immediately so the caller can
// offer a trust decision instead of silently downgrading.
func Connect(ctx context.Context, config *Config, cred Credential, opts ...Option) (*Session, error) {
	if config == nil {
		return nil, errors.New("ldapnav: config cannot be nil")
	}
	cfg := config.withDefaults()
	if cfg.Host == "" {
		return nil, errors.New("ldapnav: host cannot be empty")
	}
	base, err := dn.Parse(cfg.BaseDN)
	if err != nil {
		return nil, fmt.Errorf("base DN: %w", err)
	}

	s := &Session{
		config: cfg,
		cred:   cred,
		logger: slog.Default(),
		dial:   defaultDial,
		baseDN: base,
	}
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.establish(ctx); err != nil {
		return nil, err
	}

	s.rebind = !cred.Ephemeral
	if cred.Ephemeral {
		s.cred.Password = ""
	}

	if s.baseDN.IsZero() {
		s.discoverBaseDN(ctx)
	}
	return s, nil
}

// establish runs the TLS ladder and binds. Callers hold no locks; the
// session is not yet visible to other goroutines on first connect.
func (s *Session) establish(ctx context.Context) error {
	start := time.Now()
	s.state.Store(int32(StateConnecting))
	s.logger.Info("session_connecting",
		slog.String("host", s.config.Host),
		slog.Int("port", s.config.Port),
		slog.String("tls_mode", s.config.TLSMode.String()))

	var lastErr error
	for _, rung := range s.config.TLSMode.rungs() {
		if rung != TLSModePlain {
			s.state.Store(int32(StateTLSNegotiating))
		}
		conn, err := s.dialRung(ctx, rung)
		if err != nil {
			if isTrustError(err) {
				s.state.Store(int32(StateDisconnected))
				return wrapKind("connect", s.config.Address(), "", ErrUntrustedCertificate, err)
			}
			s.logger.Debug("tls_rung_failed",
				slog.String("rung", rung.String()),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}

		s.state.Store(int32(StateBinding))
		if err := s.bindConn(conn); err != nil {
			_ = conn.Close()
			s.state.Store(int32(StateDisconnected))
			return NewDirectoryError("bind", s.config.Address(), s.cred.BindDN, err)
		}

		s.conn = conn
		s.security = rung
		s.state.Store(int32(StateReady))
		s.logger.Info("session_established",
			slog.String("host", s.config.Host),
			slog.String("security", rung.String()),
			slog.String("bound_dn", s.cred.BindDN),
			slog.Duration("duration", time.Since(start)))
		return nil
	}

	s.state.Store(int32(StateDisconnected))
	return wrapKind("connect", s.config.Address(), "", classifyConnectFailure(lastErr), lastErr)
}

// dialRung opens one transport for a single ladder rung. Each attempt is
// independently bounded by the configured timeout.
func (s *Session) dialRung(ctx context.Context, rung TLSMode) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.config
	switch rung {
	case TLSModeLDAPS:
		url := "ldaps://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ldapsPort()))
		return s.dial(ctx, url, s.tlsClientConfig(), cfg.Timeout)
	case TLSModeStartTLS:
		url := "ldap://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		conn, err := s.dial(ctx, url, nil, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		if err := conn.StartTLS(s.tlsClientConfig()); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	default:
		url := "ldap://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		return s.dial(ctx, url, nil, cfg.Timeout)
	}
}

func (s *Session) tlsClientConfig() *tls.Config {
	var cfg *tls.Config
	if s.config.TLSConfig != nil {
		cfg = s.config.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = s.config.Host
	}
	return cfg
}

func (s *Session) bindConn(conn Conn) error {
	if s.cred.Anonymous || s.cred.BindDN == "" {
		return conn.UnauthenticatedBind("")
	}
	return conn.Bind(s.cred.BindDN, s.cred.Password)
}

// isTrustError reports whether a dial failure is a certificate verification
// verdict rather than an ordinary transport failure.
func isTrustError(err error) bool {
	if errors.Is(err, ErrUntrustedCertificate) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return true
	}
	var invalid x509.CertificateInvalidError
	return errors.As(err, &invalid)
}

func classifyConnectFailure(err error) error {
	if err == nil {
		return ErrUnreachable
	}
	var nerr net.Error
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &nerr) && nerr.Timeout():
		return ErrTimeout
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"),
		strings.Contains(msg, "handshake"):
		return ErrTLSHandshake
	default:
		return ErrUnreachable
	}
}

// exec runs one wire operation under the transport lock. A transport-level
// failure triggers a single transparent reconnect-and-retry when the
// credential is still available; a second failure surfaces.
func (s *Session) exec(ctx context.Context, op, entryDN string, fn func(Conn) error) error {
	if s.closed.Load() {
		return wrapKind(op, s.config.Address(), entryDN, ErrSessionClosed, ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return wrapKind(op, s.config.Address(), entryDN, ErrNotConnected, ErrNotConnected)
	}

	err := fn(s.conn)
	if err == nil {
		return nil
	}
	if isTransportError(err) && s.rebind && !s.closed.Load() {
		s.logger.Warn("session_transport_lost",
			slog.String("op", op),
			slog.String("host", s.config.Host),
			slog.String("error", err.Error()))
		if rerr := s.reconnectLocked(ctx); rerr != nil {
			return NewDirectoryError(op, s.config.Address(), entryDN, err)
		}
		if err = fn(s.conn); err == nil {
			return nil
		}
	}
	return NewDirectoryError(op, s.config.Address(), entryDN, err)
}

// reconnectLocked redials the previously negotiated rung and rebinds. It
// never re-runs the auto ladder, so a reconnect cannot downgrade security.
// Caller holds s.mu.
func (s *Session) reconnectLocked(ctx context.Context) error {
	start := time.Now()
	s.state.Store(int32(StateReconnecting))
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := s.dialRung(ctx, s.security)
	if err == nil {
		err = s.bindConn(conn)
		if err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		s.logger.Error("session_reconnect_failed",
			slog.String("host", s.config.Host),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return err
	}

	s.conn = conn
	s.state.Store(int32(StateReady))
	s.logger.Info("session_reconnected",
		slog.String("host", s.config.Host),
		slog.String("security", s.security.String()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// discoverBaseDN falls back to the naming context advertised by the root
// DSE when the profile omits a base DN.
func (s *Session) discoverBaseDN(ctx context.Context) {
	info, err := s.ReadRootDSE(ctx)
	if err != nil {
		return
	}
	parsed, err := dn.Parse(info.DefaultBaseDN())
	if err != nil || parsed.IsZero() {
		return
	}
	s.baseDN = parsed
	s.logger.Info("base_dn_discovered", slog.String("base_dn", parsed.String()))
}

// Close tears the session down. It is idempotent; operations already in
// flight finish (or time out) and then observe the closed state.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.state.Store(int32(StateDisconnected))
	s.logger.Info("session_closed", slog.String("host", s.config.Host))
	return err
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// BaseDN returns the session's base DN, either configured or discovered.
func (s *Session) BaseDN() dn.DN {
	return s.baseDN
}

// Address returns the configured host:port.
func (s *Session) Address() string {
	return s.config.Address()
}

// Security returns the negotiated transport rung.
func (s *Session) Security() TLSMode {
	return s.security
}

// BoundDN returns the DN the session authenticated as, or "" for anonymous.
func (s *Session) BoundDN() string {
	if s.cred.Anonymous {
		return ""
	}
	return s.cred.BindDN
}

// ReadOnly reports whether the session rejects directory writes.
func (s *Session) ReadOnly() bool {
	return s.config.ReadOnly
}

// PageSize returns the search page size.
func (s *Session) PageSize() uint32 {
	return s.config.PageSize
}

// Timeout returns the per-attempt operation timeout.
func (s *Session) Timeout() time.Duration {
	return s.config.Timeout
}

// NextCorrelation returns the next correlation id for asynchronous work
// issued against this session.
func (s *Session) NextCorrelation() uint64 {
	return s.correlation.Add(1)
}

// Schema returns the session's schema, or nil before RefreshSchema.
func (s *Session) Schema() *Schema {
	return s.schema.Load()
}

// ServerInfo returns the cached root DSE description, or nil before
// ReadRootDSE.
func (s *Session) ServerInfo() *ServerInfo {
	return s.info.Load()
}
