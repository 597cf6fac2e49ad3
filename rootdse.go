package ldapnav

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Flavor identifies the directory server implementation, detected from root
// DSE markers. Detection is best-effort; unknown servers are Generic.
type Flavor int

const (
	FlavorGeneric Flavor = iota
	FlavorOpenLDAP
	FlavorActiveDirectory
	Flavor389DS
	FlavorEDirectory
)

func (f Flavor) String() string {
	switch f {
	case FlavorOpenLDAP:
		return "OpenLDAP"
	case FlavorActiveDirectory:
		return "Active Directory"
	case Flavor389DS:
		return "389 Directory Server"
	case FlavorEDirectory:
		return "eDirectory"
	default:
		return "Generic"
	}
}

// ServerInfo describes a directory server as advertised by its root DSE.
type ServerInfo struct {
	NamingContexts          []string
	DefaultNamingContext    string
	SubschemaSubentry       string
	SupportedControls       []string
	SupportedExtensions     []string
	SupportedLDAPVersions   []string
	SupportedSASLMechanisms []string
	VendorName              string
	VendorVersion           string
	Flavor                  Flavor
}

// DefaultBaseDN returns the server's preferred base DN: the AD
// defaultNamingContext when present, else the first naming context.
func (i *ServerInfo) DefaultBaseDN() string {
	if i.DefaultNamingContext != "" {
		return i.DefaultNamingContext
	}
	if len(i.NamingContexts) > 0 {
		return i.NamingContexts[0]
	}
	return ""
}

// SupportsControl reports whether the server advertises the control OID.
func (i *ServerInfo) SupportsControl(oid string) bool {
	for _, c := range i.SupportedControls {
		if c == oid {
			return true
		}
	}
	return false
}

// SupportsPaging reports whether simple paged results is advertised.
func (i *ServerInfo) SupportsPaging() bool {
	return i.SupportsControl(ldap.ControlTypePaging)
}

var rootDSEAttributes = []string{
	"namingContexts", "defaultNamingContext", "rootDomainNamingContext",
	"subschemaSubentry", "supportedControl", "supportedExtension",
	"supportedLDAPVersion", "supportedSASLMechanisms", "vendorName",
	"vendorVersion", "configContext", "forestFunctionality", "objectClass",
	"structuralObjectClass",
}

// ReadRootDSE reads the root DSE (base-scope search of the empty DN) and
// caches the result on the session.
func (s *Session) ReadRootDSE(ctx context.Context) (*ServerInfo, error) {
	wire := ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		rootDSEAttributes,
		nil,
	)

	var resp *ldap.SearchResult
	err := s.exec(ctx, "root_dse", "", func(conn Conn) error {
		r, serr := conn.Search(wire)
		if serr != nil {
			return serr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, wrapKind("root_dse", s.Address(), "", ErrProtocolError,
			errors.New("server returned an empty root DSE"))
	}

	raw := resp.Entries[0]
	info := &ServerInfo{
		NamingContexts:          raw.GetAttributeValues("namingContexts"),
		DefaultNamingContext:    raw.GetAttributeValue("defaultNamingContext"),
		SubschemaSubentry:       raw.GetAttributeValue("subschemaSubentry"),
		SupportedControls:       raw.GetAttributeValues("supportedControl"),
		SupportedExtensions:     raw.GetAttributeValues("supportedExtension"),
		SupportedLDAPVersions:   raw.GetAttributeValues("supportedLDAPVersion"),
		SupportedSASLMechanisms: raw.GetAttributeValues("supportedSASLMechanisms"),
		VendorName:              raw.GetAttributeValue("vendorName"),
		VendorVersion:           raw.GetAttributeValue("vendorVersion"),
	}
	info.Flavor = detectFlavor(raw)

	s.info.Store(info)
	s.logger.Info("root_dse_read",
		slog.String("flavor", info.Flavor.String()),
		slog.String("vendor", info.VendorName),
		slog.Int("naming_contexts", len(info.NamingContexts)))
	return info, nil
}

func detectFlavor(raw *ldap.Entry) Flavor {
	has := func(attr string) bool {
		return len(raw.GetAttributeValues(attr)) > 0
	}
	vendor := strings.ToLower(raw.GetAttributeValue("vendorName") + " " + raw.GetAttributeValue("vendorVersion"))

	switch {
	case has("rootDomainNamingContext") || has("forestFunctionality"):
		return FlavorActiveDirectory
	case containsFold(raw.GetAttributeValues("objectClass"), "OpenLDAProotDSE") || has("configContext"):
		return FlavorOpenLDAP
	case strings.Contains(vendor, "389") || strings.Contains(vendor, "red hat") || strings.Contains(vendor, "fedora"):
		return Flavor389DS
	case strings.Contains(vendor, "novell") || strings.Contains(vendor, "netiq"):
		return FlavorEDirectory
	default:
		return FlavorGeneric
	}
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
