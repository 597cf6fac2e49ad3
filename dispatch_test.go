//go:build !integration

package ldapnav

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapnav/dn"
	"github.com/netresearch/ldapnav/testutil"
)

func mockDial(mock *testutil.MockConn) DialFunc {
	return func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		return mock, nil
	}
}

// dispatcherWithSession spins up a dispatcher and connects one session
// backed by the mock, consuming the connect completion.
func dispatcherWithSession(t *testing.T, mock *testutil.MockConn) (*Dispatcher, uint64) {
	t.Helper()
	d := NewDispatcher(discardLogger())
	t.Cleanup(func() { _ = d.Close() })

	corr, err := d.Submit(Intent{
		Kind: IntentConnect,
		Config: &Config{
			Host:    "ldap.test",
			TLSMode: TLSModePlain,
			BaseDN:  "dc=example,dc=com",
			Logger:  discardLogger(),
		},
		Credential: Credential{Anonymous: true},
		Options:    []Option{WithDialFunc(mockDial(mock))},
	})
	require.NoError(t, err)

	comp := <-d.Completions()
	require.Equal(t, corr, comp.Correlation)
	require.Equal(t, IntentConnect, comp.Kind)
	require.NoError(t, comp.Err)
	require.NotNil(t, comp.Session)
	return d, comp.SessionID
}

func TestDispatcherConnectRegistersSession(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	session, ok := d.Session(id)
	require.True(t, ok)
	assert.Equal(t, StateReady, session.State())

	tree, ok := d.Tree(id)
	require.True(t, ok)
	assert.Equal(t, "dc=example,dc=com", tree.Root().String())
}

func TestDispatcherConnectFailure(t *testing.T) {
	d := NewDispatcher(discardLogger())
	defer d.Close()

	dial := func(ctx context.Context, url string, tlsConfig *tls.Config, timeout time.Duration) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	corr, err := d.Submit(Intent{
		Kind:       IntentConnect,
		Config:     &Config{Host: "down.test", TLSMode: TLSModePlain, Logger: discardLogger()},
		Credential: Credential{Anonymous: true},
		Options:    []Option{WithDialFunc(dial)},
	})
	require.NoError(t, err, "submission succeeds; the failure arrives as a completion")

	comp := <-d.Completions()
	assert.Equal(t, corr, comp.Correlation)
	require.Error(t, comp.Err)
	assert.ErrorIs(t, comp.Err, ErrUnreachable)
	assert.Nil(t, comp.Session)

	_, ok := d.Session(comp.SessionID)
	assert.False(t, ok, "failed connects register nothing")
}

func TestSubmitValidation(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	_, err := d.Submit(Intent{Kind: IntentExpand, SessionID: id + 99})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = d.Submit(Intent{Kind: IntentConnect})
	assert.ErrorIs(t, err, ErrInvalidIntent, "connect without config")

	_, err = d.Submit(Intent{Kind: IntentSearch, SessionID: id})
	assert.ErrorIs(t, err, ErrInvalidIntent, "search without request")

	_, err = d.Submit(Intent{Kind: IntentCommit, SessionID: id})
	assert.ErrorIs(t, err, ErrInvalidIntent, "commit without entry")

	_, err = d.Submit(Intent{Kind: IntentBulkApply, SessionID: id})
	assert.ErrorIs(t, err, ErrInvalidIntent, "bulk apply without parameters")

	assert.Empty(t, d.Pending(id), "rejected intents leave nothing in flight")
}

func TestDispatcherExpandDeliversChildren(t *testing.T) {
	mock := testutil.NewMockConn()
	seedPeople(mock)
	d, id := dispatcherWithSession(t, mock)

	corr, err := d.Submit(Intent{
		Kind:      IntentExpand,
		SessionID: id,
		DN:        dn.MustParse("ou=people,dc=example,dc=com"),
	})
	require.NoError(t, err)

	comp := <-d.Completions()
	assert.Equal(t, corr, comp.Correlation)
	assert.Equal(t, IntentExpand, comp.Kind)
	assert.Equal(t, id, comp.SessionID)
	require.NoError(t, comp.Err)
	require.Len(t, comp.Children, 3)
	assert.Equal(t, "cn=Adam", comp.Children[0].RDNLabel())
}

func TestDispatcherSearchDeliversEntries(t *testing.T) {
	mock := testutil.NewMockConn()
	seedPeople(mock)
	d, id := dispatcherWithSession(t, mock)

	corr, err := d.Submit(Intent{
		Kind:      IntentSearch,
		SessionID: id,
		Search: &SearchRequest{
			BaseDN: dn.MustParse("ou=people,dc=example,dc=com"),
			Scope:  ScopeOneLevel,
		},
	})
	require.NoError(t, err)

	comp := <-d.Completions()
	assert.Equal(t, corr, comp.Correlation)
	require.NoError(t, comp.Err)
	assert.Len(t, comp.Entries, 3)
}

func TestDispatcherDeleteInvalidatesTree(t *testing.T) {
	mock := testutil.NewMockConn()
	seedPeople(mock)
	d, id := dispatcherWithSession(t, mock)
	people := dn.MustParse("ou=people,dc=example,dc=com")
	adam := dn.MustParse("cn=Adam,ou=people,dc=example,dc=com")

	_, err := d.Submit(Intent{Kind: IntentExpand, SessionID: id, DN: people})
	require.NoError(t, err)
	comp := <-d.Completions()
	require.NoError(t, comp.Err)

	_, err = d.Submit(Intent{Kind: IntentDeleteEntry, SessionID: id, DN: adam})
	require.NoError(t, err)
	comp = <-d.Completions()
	require.NoError(t, comp.Err)
	assert.Equal(t, IntentDeleteEntry, comp.Kind)

	tree, ok := d.Tree(id)
	require.True(t, ok)
	_, ok = tree.Node(adam)
	assert.False(t, ok, "deleted entries leave the tree cache")
	node, ok := tree.Node(people)
	require.True(t, ok)
	assert.Equal(t, LoadUnloaded, node.State, "the parent must re-list on next expand")
}

func TestCloseSessionDiscardsLateCompletions(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	release := make(chan struct{})
	searchStarted := make(chan struct{})
	mock.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		close(searchStarted)
		<-release
		return &ldap.SearchResult{Entries: []*ldap.Entry{
			{DN: "cn=late,dc=example,dc=com"},
		}}, nil
	}

	searchCorr, err := d.Submit(Intent{
		Kind:      IntentSearch,
		SessionID: id,
		Search:    &SearchRequest{Scope: ScopeSubtree},
	})
	require.NoError(t, err)
	<-searchStarted

	require.NoError(t, d.CloseSession(id))
	assert.True(t, mock.Closed)
	_, ok := d.Session(id)
	assert.False(t, ok)

	// Let the stalled search finish now that its session is gone, then
	// drain everything the dispatcher ever delivers.
	close(release)
	require.NoError(t, d.Close())
	for comp := range d.Completions() {
		assert.NotEqual(t, searchCorr, comp.Correlation,
			"completions for closed sessions must be discarded")
	}
}

func TestPendingTracksInflightOperations(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	release := make(chan struct{})
	mock.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		<-release
		return &ldap.SearchResult{}, nil
	}

	corr, err := d.Submit(Intent{
		Kind:      IntentSearch,
		SessionID: id,
		Search:    &SearchRequest{Scope: ScopeSubtree},
	})
	require.NoError(t, err)

	pending := d.Pending(id)
	require.Len(t, pending, 1)
	assert.Equal(t, corr, pending[0].Correlation)
	assert.Equal(t, IntentSearch, pending[0].Kind)
	assert.False(t, pending[0].StartedAt.IsZero())

	close(release)
	comp := <-d.Completions()
	require.Equal(t, corr, comp.Correlation)
	assert.Empty(t, d.Pending(id), "delivery clears the pending set")
}

func TestCloseSessionIntent(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	corr, err := d.Submit(Intent{Kind: IntentCloseSession, SessionID: id})
	require.NoError(t, err)
	assert.Zero(t, corr, "close is synchronous and produces no completion")
	assert.True(t, mock.Closed)

	_, err = d.Submit(Intent{Kind: IntentCloseSession, SessionID: id})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDispatcherCloseRejectsFurtherWork(t *testing.T) {
	mock := testutil.NewMockConn()
	d, id := dispatcherWithSession(t, mock)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")

	_, err := d.Submit(Intent{Kind: IntentExpand, SessionID: id, DN: dn.MustParse("dc=example,dc=com")})
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = d.Submit(Intent{
		Kind:       IntentConnect,
		Config:     &Config{Host: "ldap.test", Logger: discardLogger()},
		Credential: Credential{Anonymous: true},
	})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestIntentKindString(t *testing.T) {
	kinds := map[IntentKind]string{
		IntentConnect:       "connect",
		IntentExpand:        "expand",
		IntentRefresh:       "refresh",
		IntentSearch:        "search",
		IntentLoadEntry:     "load_entry",
		IntentCommit:        "commit",
		IntentCreateEntry:   "create_entry",
		IntentDeleteEntry:   "delete_entry",
		IntentBulkApply:     "bulk_apply",
		IntentRefreshSchema: "refresh_schema",
		IntentCloseSession:  "close_session",
	}
	for kind, want := range kinds {
		assert.Equal(t, want, kind.String())
	}
	assert.Equal(t, "unknown", IntentKind(99).String())
}
