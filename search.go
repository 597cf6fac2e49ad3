package ldapnav

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldapnav/dn"
	"github.com/netresearch/ldapnav/filter"
)

// Scope selects how deep a search reaches from its base DN.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOneLevel:
		return "one"
	default:
		return "sub"
	}
}

func (s Scope) ldapScope() int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOneLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// SearchRequest describes one directory search. A zero BaseDN means the
// session base DN; an empty Filter matches everything; a zero PageSize uses
// the session default.
type SearchRequest struct {
	BaseDN     dn.DN
	Filter     string
	Scope      Scope
	Attributes []string
	PageSize   uint32
	SizeLimit  int
}

// Search returns a lazy iterator over matching entries. The sequence is
// finite and not restartable: pages are fetched on demand, threaded by the
// server's paged-results cookie, with at most one page request in flight.
// A page response carrying a non-empty cookie but no entries means "more
// pages, currently empty" and the iteration continues. The filter is parsed
// locally before any request is issued; malformed filters surface a
// *filter.ParseError without touching the network.
func (s *Session) Search(ctx context.Context, req SearchRequest) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		base := req.BaseDN
		if base.IsZero() {
			base = s.baseDN
		}
		filterText := strings.TrimSpace(req.Filter)
		if filterText == "" {
			filterText = "(objectClass=*)"
		}
		if _, err := filter.Parse(filterText); err != nil {
			yield(nil, err)
			return
		}
		pageSize := req.PageSize
		if pageSize == 0 {
			pageSize = s.config.PageSize
		}

		start := time.Now()
		s.logger.Debug("search_starting",
			slog.String("base_dn", base.String()),
			slog.String("filter", filterText),
			slog.String("scope", req.Scope.String()),
			slog.Int("page_size", int(pageSize)))

		paging := ldap.NewControlPaging(pageSize)
		var referrals []string
		total, pages := 0, 0
		for {
			wire := ldap.NewSearchRequest(
				base.String(),
				req.Scope.ldapScope(),
				ldap.NeverDerefAliases,
				req.SizeLimit,
				0,
				false,
				filterText,
				req.Attributes,
				[]ldap.Control{paging},
			)

			var resp *ldap.SearchResult
			err := s.exec(ctx, "search", base.String(), func(conn Conn) error {
				r, serr := conn.Search(wire)
				if serr != nil {
					return serr
				}
				resp = r
				return nil
			})
			if err != nil {
				// A size-limit verdict still delivered every entry the
				// server was willing to return; the stream just ends.
				if ResultCode(err) == ldap.LDAPResultSizeLimitExceeded {
					s.logger.Debug("search_size_limit_reached",
						slog.String("base_dn", base.String()),
						slog.Int("entries", total))
					break
				}
				if s.config.Referrals == ReferralFollow {
					if urls := referralURLs(err); len(urls) > 0 {
						s.followReferral(ctx, urls[0], req, yield)
						return
					}
				}
				yield(nil, err)
				return
			}

			pages++
			referrals = append(referrals, resp.Referrals...)
			for _, raw := range resp.Entries {
				entry, cerr := newEntryFromResult(raw)
				if cerr != nil {
					yield(nil, fmt.Errorf("entry %q: %w", raw.DN, cerr))
					return
				}
				total++
				if !yield(entry, nil) {
					return
				}
			}

			ctrl, ok := ldap.FindControl(resp.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
			if !ok || len(ctrl.Cookie) == 0 {
				break
			}
			paging.SetCookie(ctrl.Cookie)
		}

		s.logger.Debug("search_completed",
			slog.String("base_dn", base.String()),
			slog.Int("entries", total),
			slog.Int("pages", pages),
			slog.Duration("duration", time.Since(start)))

		if len(referrals) > 0 {
			if s.config.Referrals == ReferralFollow {
				s.followReferral(ctx, referrals[0], req, yield)
			} else {
				s.logger.Debug("referrals_ignored", slog.Int("count", len(referrals)))
			}
		}
	}
}

// SearchAll collects the full result set of a search.
func (s *Session) SearchAll(ctx context.Context, req SearchRequest) ([]*Entry, error) {
	var out []*Entry
	for entry, err := range s.Search(ctx, req) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// LoadEntry fetches one entry by DN with all user and operational
// attributes.
func (s *Session) LoadEntry(ctx context.Context, target dn.DN) (*Entry, error) {
	if target.IsZero() {
		return nil, errors.New("ldapnav: load of empty DN")
	}
	entries, err := s.SearchAll(ctx, SearchRequest{
		BaseDN:     target,
		Scope:      ScopeBase,
		Attributes: []string{"*", "+"},
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, wrapKind("load_entry", s.Address(), target.String(), ErrNoSuchEntry, ErrNoSuchEntry)
	}
	return entries[0], nil
}

// Compare asks the server whether the entry carries the attribute value.
func (s *Session) Compare(ctx context.Context, target dn.DN, attribute, value string) (bool, error) {
	var matched bool
	err := s.exec(ctx, "compare", target.String(), func(conn Conn) error {
		m, cerr := conn.Compare(target.String(), attribute, value)
		if cerr != nil {
			return cerr
		}
		matched = m
		return nil
	})
	return matched, err
}

// followReferral connects to a referred server and re-runs the search
// there, bounded to one hop: the referred session ignores any further
// referrals. The original credential is reused when still available,
// otherwise the hop binds anonymously.
func (s *Session) followReferral(ctx context.Context, ref string, req SearchRequest, yield func(*Entry, error) bool) {
	s.logger.Info("referral_following", slog.String("url", ref))

	cfg, refBase, err := referralConfig(s.config, ref)
	if err != nil {
		yield(nil, wrapKind("referral", s.config.Address(), "", ErrReferral, err))
		return
	}
	cred := s.cred
	if !cred.Anonymous && cred.Password == "" {
		cred = Credential{Anonymous: true}
	}

	hop, err := Connect(ctx, cfg, cred, WithLogger(s.logger))
	if err != nil {
		yield(nil, err)
		return
	}
	defer func() { _ = hop.Close() }()

	refReq := req
	refReq.BaseDN = dn.DN{}
	if refBase != "" {
		if parsed, perr := dn.Parse(refBase); perr == nil {
			refReq.BaseDN = parsed
		}
	}
	for entry, serr := range hop.Search(ctx, refReq) {
		if !yield(entry, serr) {
			return
		}
	}
}

// referralConfig derives the connection settings for one referral hop from
// an LDAP URL, carrying over the timeouts and read-only policy of the
// originating session.
func referralConfig(base *Config, ref string) (*Config, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, "", fmt.Errorf("referral url %q: %w", ref, err)
	}
	if u.Scheme != "ldap" && u.Scheme != "ldaps" {
		return nil, "", fmt.Errorf("referral url %q: unsupported scheme %q", ref, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, "", fmt.Errorf("referral url %q: missing host", ref)
	}

	port := defaultPort
	mode := TLSModeAuto
	if u.Scheme == "ldaps" {
		port = defaultLDAPSPort
		mode = TLSModeLDAPS
	}
	if p := u.Port(); p != "" {
		parsed, perr := strconv.Atoi(p)
		if perr != nil {
			return nil, "", fmt.Errorf("referral url %q: bad port: %w", ref, perr)
		}
		port = parsed
	}

	cfg := &Config{
		Host:      host,
		Port:      port,
		TLSMode:   mode,
		Referrals: ReferralIgnore,
		PageSize:  base.PageSize,
		Timeout:   base.Timeout,
		ReadOnly:  base.ReadOnly,
		Logger:    base.Logger,
	}
	return cfg, strings.TrimPrefix(u.Path, "/"), nil
}
