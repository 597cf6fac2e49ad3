// Package testutil provides test doubles for the session's wire surface.
// MockConn stands in for *ldap.Conn behind the session's dial seam, records
// every request, and serves searches from an in-memory directory fixture,
// so unit tests can assert request counts and paging behavior without a
// server.
package testutil

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// MockConn is a scriptable LDAP connection. Behavior is overridden per
// operation through the *Func fields; unset fields fall back to defaults
// backed by the directory fixture. All calls are recorded.
type MockConn struct {
	mu sync.Mutex

	// Behavior overrides.
	BindFunc     func(username, password string) error
	SearchFunc   func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	AddFunc      func(req *ldap.AddRequest) error
	DelFunc      func(req *ldap.DelRequest) error
	ModifyFunc   func(req *ldap.ModifyRequest) error
	ModifyDNFunc func(req *ldap.ModifyDNRequest) error
	CompareFunc  func(dn, attribute, value string) (bool, error)
	StartTLSFunc func(config *tls.Config) error
	CloseFunc    func() error

	// BindErr makes the default bind behavior fail.
	BindErr error

	// FailDNs makes default write operations fail for specific DNs.
	FailDNs map[string]error

	// Recorded calls.
	BindCalls     []BindCall
	SearchCalls   []*ldap.SearchRequest
	AddCalls      []*ldap.AddRequest
	DelCalls      []*ldap.DelRequest
	ModifyCalls   []*ldap.ModifyRequest
	ModifyDNCalls []*ldap.ModifyDNRequest
	CompareCalls  []CompareCall
	StartTLSCalls int
	Timeout       time.Duration
	Closed        bool

	entries []mockEntry
	cookies map[string]int
	nextKey int
}

// BindCall records one bind. Anonymous marks UnauthenticatedBind.
type BindCall struct {
	Username  string
	Password  string
	Anonymous bool
}

// CompareCall records one compare operation.
type CompareCall struct {
	DN        string
	Attribute string
	Value     string
}

type mockEntry struct {
	dn     string
	norm   string
	parent string
	attrs  map[string][]string
}

// NewMockConn returns an empty mock connection.
func NewMockConn() *MockConn {
	return &MockConn{
		FailDNs: make(map[string]error),
		cookies: make(map[string]int),
	}
}

func normDN(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AddDirectoryEntry seeds the fixture with one entry. The parent
// relationship used by one-level searches is derived from the first comma,
// so fixture DNs should use a consistent plain spelling.
func (m *MockConn) AddDirectoryEntry(dn string, attrs map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		copied[name] = append([]string(nil), values...)
	}
	parent := ""
	if idx := strings.Index(dn, ","); idx >= 0 {
		parent = normDN(dn[idx+1:])
	}
	m.entries = append(m.entries, mockEntry{
		dn:     dn,
		norm:   normDN(dn),
		parent: parent,
		attrs:  copied,
	})
}

// EntryCount reports how many fixture entries are seeded.
func (m *MockConn) EntryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MockConn) Bind(username, password string) error {
	m.mu.Lock()
	m.BindCalls = append(m.BindCalls, BindCall{Username: username, Password: password})
	fn := m.BindFunc
	bindErr := m.BindErr
	m.mu.Unlock()

	if fn != nil {
		return fn(username, password)
	}
	return bindErr
}

func (m *MockConn) UnauthenticatedBind(username string) error {
	m.mu.Lock()
	m.BindCalls = append(m.BindCalls, BindCall{Username: username, Anonymous: true})
	bindErr := m.BindErr
	m.mu.Unlock()
	return bindErr
}

// Search records the request and serves it. The default behavior honors
// scope and the simple paged-results control against the fixture and
// ignores the filter; tests exercising filter evaluation install a
// SearchFunc.
func (m *MockConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	m.mu.Lock()
	m.SearchCalls = append(m.SearchCalls, req)
	fn := m.SearchFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return m.defaultSearch(req)
}

func (m *MockConn) defaultSearch(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := normDN(req.BaseDN)
	var matched []mockEntry
	for _, e := range m.entries {
		switch req.Scope {
		case ldap.ScopeBaseObject:
			if e.norm == base {
				matched = append(matched, e)
			}
		case ldap.ScopeSingleLevel:
			if e.parent == base {
				matched = append(matched, e)
			}
		default:
			if base == "" || e.norm == base || strings.HasSuffix(e.norm, ","+base) {
				matched = append(matched, e)
			}
		}
	}

	if req.Scope == ldap.ScopeBaseObject && len(matched) == 0 {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object %q", req.BaseDN))
	}

	paging := findPagingControl(req.Controls)
	start, end := 0, len(matched)
	var respControls []ldap.Control
	if paging != nil && paging.PagingSize > 0 {
		if len(paging.Cookie) > 0 {
			offset, err := strconv.Atoi(string(paging.Cookie))
			if err != nil {
				return nil, ldap.NewError(ldap.LDAPResultUnwillingToPerform, fmt.Errorf("bad paging cookie"))
			}
			start = offset
		}
		end = start + int(paging.PagingSize)
		if end > len(matched) {
			end = len(matched)
		}
		resp := ldap.NewControlPaging(paging.PagingSize)
		if end < len(matched) {
			resp.SetCookie([]byte(strconv.Itoa(end)))
		}
		respControls = append(respControls, resp)
	}

	result := &ldap.SearchResult{Controls: respControls}
	for _, e := range matched[start:end] {
		result.Entries = append(result.Entries, makeLDAPEntry(e))
	}
	return result, nil
}

func findPagingControl(controls []ldap.Control) *ldap.ControlPaging {
	for _, c := range controls {
		if paging, ok := c.(*ldap.ControlPaging); ok {
			return paging
		}
	}
	return nil
}

func makeLDAPEntry(e mockEntry) *ldap.Entry {
	names := make([]string, 0, len(e.attrs))
	for name := range e.attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]*ldap.EntryAttribute, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, &ldap.EntryAttribute{
			Name:   name,
			Values: append([]string(nil), e.attrs[name]...),
		})
	}
	return &ldap.Entry{DN: e.dn, Attributes: attrs}
}

func (m *MockConn) Add(req *ldap.AddRequest) error {
	m.mu.Lock()
	m.AddCalls = append(m.AddCalls, req)
	fn := m.AddFunc
	failErr := m.FailDNs[normDN(req.DN)]
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return failErr
}

func (m *MockConn) Del(req *ldap.DelRequest) error {
	m.mu.Lock()
	m.DelCalls = append(m.DelCalls, req)
	fn := m.DelFunc
	failErr := m.FailDNs[normDN(req.DN)]
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return failErr
}

func (m *MockConn) Modify(req *ldap.ModifyRequest) error {
	m.mu.Lock()
	m.ModifyCalls = append(m.ModifyCalls, req)
	fn := m.ModifyFunc
	failErr := m.FailDNs[normDN(req.DN)]
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return failErr
}

func (m *MockConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	m.mu.Lock()
	m.ModifyDNCalls = append(m.ModifyDNCalls, req)
	fn := m.ModifyDNFunc
	failErr := m.FailDNs[normDN(req.DN)]
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return failErr
}

func (m *MockConn) Compare(dn, attribute, value string) (bool, error) {
	m.mu.Lock()
	m.CompareCalls = append(m.CompareCalls, CompareCall{DN: dn, Attribute: attribute, Value: value})
	fn := m.CompareFunc
	var found *mockEntry
	norm := normDN(dn)
	for i := range m.entries {
		if m.entries[i].norm == norm {
			found = &m.entries[i]
			break
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(dn, attribute, value)
	}
	if found == nil {
		return false, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object %q", dn))
	}
	for name, values := range found.attrs {
		if !strings.EqualFold(name, attribute) {
			continue
		}
		for _, v := range values {
			if v == value {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MockConn) StartTLS(config *tls.Config) error {
	m.mu.Lock()
	m.StartTLSCalls++
	fn := m.StartTLSFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(config)
	}
	return nil
}

func (m *MockConn) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	m.Timeout = timeout
	m.mu.Unlock()
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	m.Closed = true
	fn := m.CloseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// SearchCount returns how many search requests were issued.
func (m *MockConn) SearchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SearchCalls)
}

// WriteCount returns how many write requests (add, delete, modify, rename)
// were issued, for read-only assertions.
func (m *MockConn) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AddCalls) + len(m.DelCalls) + len(m.ModifyCalls) + len(m.ModifyDNCalls)
}

// ModifyCount returns how many modify requests were issued.
func (m *MockConn) ModifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ModifyCalls)
}
