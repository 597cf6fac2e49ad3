//go:build !integration

package ldapnav

import (
	"context"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldapnav/testutil"
)

func TestReadRootDSE(t *testing.T) {
	mock := testutil.NewMockConn()
	mock.AddDirectoryEntry("", map[string][]string{
		"namingContexts":       {"dc=example,dc=com", "dc=other,dc=org"},
		"subschemaSubentry":    {"cn=Subschema"},
		"supportedControl":     {ldap.ControlTypePaging, "1.2.840.113556.1.4.473"},
		"supportedLDAPVersion": {"3"},
		"vendorName":           {"Example Corp"},
		"vendorVersion":        {"1.2.3"},
	})
	session := newTestSession(t, mock)

	info, err := session.ReadRootDSE(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dc=example,dc=com", "dc=other,dc=org"}, info.NamingContexts)
	assert.Equal(t, "cn=Subschema", info.SubschemaSubentry)
	assert.Equal(t, "Example Corp", info.VendorName)
	assert.Equal(t, "1.2.3", info.VendorVersion)
	assert.True(t, info.SupportsPaging())
	assert.True(t, info.SupportsControl("1.2.840.113556.1.4.473"))
	assert.False(t, info.SupportsControl("1.2.3.4"))
	assert.Same(t, info, session.ServerInfo(), "root DSE is cached on the session")
}

func TestReadRootDSEEmptyResponse(t *testing.T) {
	mock := testutil.NewMockConn()
	mock.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return &ldap.SearchResult{}, nil
	}
	session := newTestSession(t, mock)

	_, err := session.ReadRootDSE(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolError)
}

func TestDetectFlavor(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string][]string
		want  Flavor
	}{
		{
			name:  "active directory via rootDomainNamingContext",
			attrs: map[string][]string{"rootDomainNamingContext": {"dc=corp,dc=example,dc=com"}},
			want:  FlavorActiveDirectory,
		},
		{
			name:  "active directory via forestFunctionality",
			attrs: map[string][]string{"forestFunctionality": {"7"}},
			want:  FlavorActiveDirectory,
		},
		{
			name:  "openldap via root DSE object class",
			attrs: map[string][]string{"objectClass": {"top", "OpenLDAProotDSE"}},
			want:  FlavorOpenLDAP,
		},
		{
			name:  "openldap via configContext",
			attrs: map[string][]string{"configContext": {"cn=config"}},
			want:  FlavorOpenLDAP,
		},
		{
			name:  "389ds via vendor name",
			attrs: map[string][]string{"vendorName": {"389 Project"}},
			want:  Flavor389DS,
		},
		{
			name:  "389ds via red hat vendor",
			attrs: map[string][]string{"vendorName": {"Red Hat, Inc."}},
			want:  Flavor389DS,
		},
		{
			name:  "edirectory via novell vendor",
			attrs: map[string][]string{"vendorName": {"Novell, Inc."}, "vendorVersion": {"eDirectory 9.2"}},
			want:  FlavorEDirectory,
		},
		{
			name:  "edirectory via netiq vendor",
			attrs: map[string][]string{"vendorName": {"NetIQ Corporation"}},
			want:  FlavorEDirectory,
		},
		{
			name:  "generic fallback",
			attrs: map[string][]string{"namingContexts": {"dc=example,dc=com"}},
			want:  FlavorGeneric,
		},
		{
			name: "active directory markers win over vendor strings",
			attrs: map[string][]string{
				"rootDomainNamingContext": {"dc=corp,dc=example,dc=com"},
				"vendorName":              {"Novell, Inc."},
			},
			want: FlavorActiveDirectory,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := ldap.NewEntry("", tc.attrs)
			assert.Equal(t, tc.want, detectFlavor(raw))
		})
	}
}

func TestFlavorString(t *testing.T) {
	assert.Equal(t, "Generic", FlavorGeneric.String())
	assert.Equal(t, "OpenLDAP", FlavorOpenLDAP.String())
	assert.Equal(t, "Active Directory", FlavorActiveDirectory.String())
	assert.Equal(t, "389 Directory Server", Flavor389DS.String())
	assert.Equal(t, "eDirectory", FlavorEDirectory.String())
}

func TestDefaultBaseDN(t *testing.T) {
	withDefault := &ServerInfo{
		DefaultNamingContext: "dc=corp,dc=example,dc=com",
		NamingContexts:       []string{"dc=example,dc=com"},
	}
	assert.Equal(t, "dc=corp,dc=example,dc=com", withDefault.DefaultBaseDN())

	withContexts := &ServerInfo{NamingContexts: []string{"dc=example,dc=com", "dc=other,dc=org"}}
	assert.Equal(t, "dc=example,dc=com", withContexts.DefaultBaseDN())

	assert.Empty(t, (&ServerInfo{}).DefaultBaseDN())
}
