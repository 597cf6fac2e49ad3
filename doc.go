// Package ldapnav implements the directory engine of an LDAP browser on top
// of go-ldap/ldap: sessions, a lazily loaded navigation tree, paged
// searches, staged entry edits and bulk updates.
//
// The package covers:
//   - Session management with an LDAPS, StartTLS, plaintext negotiation
//     ladder and transparent reconnect after transport loss
//   - A navigation tree that expands one level at a time and collapses
//     concurrent loads of the same node into a single search
//   - Paged subtree searches exposed as lazy iterators
//   - Staged attribute edits committed as a single modify request
//   - Bulk attribute updates across filter matches, with per-entry failure
//     reporting
//   - Root DSE discovery, server flavor detection, and subschema parsing
//
// Profiles, the credential vault, certificate pinning, and the interchange
// formats live alongside: profiles and secrets in this package, LDIF, JSON,
// CSV and XLSX codecs in the format subpackage.
//
// # Basic Usage
//
//	config := &ldapnav.Config{
//		Host:   "ldap.example.com",
//		BaseDN: "dc=example,dc=com",
//	}
//	cred := ldapnav.Credential{
//		BindDN:   "cn=admin,dc=example,dc=com",
//		Password: "password",
//	}
//
//	session, err := ldapnav.Connect(ctx, config, cred)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
//	// Browse the hierarchy one level at a time.
//	tree := ldapnav.NewTree(session)
//	children, err := tree.Expand(ctx, tree.Root())
//	if err != nil {
//		log.Printf("expand failed: %v", err)
//	}
//	for _, child := range children {
//		fmt.Println(child.String())
//	}
//
//	// Stream a paged search.
//	for entry, err := range session.Search(ctx, ldapnav.SearchRequest{
//		Filter: "(objectClass=person)",
//		Scope:  ldapnav.ScopeSubtree,
//	}) {
//		if err != nil {
//			log.Printf("search failed: %v", err)
//			break
//		}
//		fmt.Println(entry.DN.String())
//	}
//
// # Transport Security
//
// TLSModeAuto tries LDAPS, then StartTLS, then plaintext, and remembers the
// rung that worked so reconnects never silently downgrade. The explicit
// modes pin a single rung. A TrustStore adds certificate pinning on top of
// chain verification; an unknown certificate aborts the ladder with a
// *TrustError so the caller can show a fingerprint prompt instead of
// falling back to plaintext.
//
// # Error Handling
//
// Operations return a *DirectoryError that wraps one of the sentinel
// errors, so callers branch with errors.Is:
//   - ErrUnreachable, ErrTimeout, ErrConnectionLost: transport failures
//   - ErrBindRejected, ErrInsufficientAccess: authentication and access
//   - ErrNoSuchEntry, ErrEntryExists: lookup and add conflicts
//   - ErrObjectClassViolation, ErrConstraintViolation: schema enforcement
//   - ErrReadOnly: writes attempted on a read-only session
//
// Sessions opened with ReadOnly reject every write locally before any
// request reaches the server.
package ldapnav
