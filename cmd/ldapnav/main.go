// ldapnav is the command line companion to the ldapnav library: it
// resolves a connection from profiles, flags and LDAPNAV_* environment
// variables, then runs one directory operation per invocation.
//
// The tool never prompts. Bind passwords come from the environment, from a
// profile's credential command, or from the vault unlocked by
// LDAPNAV_VAULT_PASSPHRASE; interactive profiles are rejected with a hint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/netresearch/ldapnav"
	"github.com/netresearch/ldapnav/dn"
	"github.com/netresearch/ldapnav/format"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file in the working directory may provide the LDAPNAV_*
	// variables; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "info":
		return cmdInfo(args)
	case "search":
		return cmdSearch(args)
	case "export":
		return cmdExport(args)
	case "import":
		return cmdImport(args)
	case "apply":
		return cmdApply(args)
	case "profiles":
		return cmdProfiles(args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `ldapnav - directory browsing and editing from the command line.

Connections come from a profile (--profile), from flags, or from
LDAPNAV_* environment variables; a .env file in the working directory
is read first. The tool never prompts: bind passwords come from the
environment, a profile's credential command, or the vault.

Usage:
  ldapnav <command> [flags]

Commands:
  info      read the root DSE and print server facts
  search    run a paged search and print matching entries
  export    write a subtree to an LDIF, JSON, CSV or XLSX file
  import    create entries from an interchange file
  apply     update one attribute across every filter match
  profiles  list configured connection profiles

Run 'ldapnav <command> --help' for command flags.
`)
}

// connectionFlags is the flag surface shared by every command that opens a
// session.
type connectionFlags struct {
	profilesFile string
	profile      string
	host         string
	port         int
	baseDN       string
	tlsMode      string
	bindDN       string
	passwordEnv  string
	pins         []string
	pageSize     uint32
	timeout      time.Duration
	readOnly     bool
	referrals    string
	verbose      bool
}

func (c *connectionFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.profilesFile, "profiles-file", "", "profiles file (default ~/.config/ldapnav/config.yaml)")
	fs.StringVarP(&c.profile, "profile", "P", os.Getenv("LDAPNAV_PROFILE"), "connection profile name")
	fs.StringVarP(&c.host, "host", "H", os.Getenv("LDAPNAV_HOST"), "directory server host")
	fs.IntVar(&c.port, "port", 0, "directory server port (default 389, or 636 for ldaps)")
	fs.StringVarP(&c.baseDN, "base-dn", "b", os.Getenv("LDAPNAV_BASE_DN"), "base DN (default: discovered from the root DSE)")
	fs.StringVar(&c.tlsMode, "tls", os.Getenv("LDAPNAV_TLS"), "transport security: auto, ldaps, starttls or plain")
	fs.StringVarP(&c.bindDN, "bind-dn", "D", os.Getenv("LDAPNAV_BIND_DN"), "bind DN (default: anonymous)")
	fs.StringVar(&c.passwordEnv, "password-env", "LDAPNAV_PASSWORD", "environment variable holding the bind password")
	fs.StringArrayVar(&c.pins, "pin", nil, "trusted certificate SHA-256 fingerprint, repeatable")
	fs.Uint32Var(&c.pageSize, "page-size", 0, "entries per search page")
	fs.DurationVar(&c.timeout, "timeout", 0, "network timeout")
	fs.BoolVar(&c.readOnly, "read-only", false, "reject every write locally")
	fs.StringVar(&c.referrals, "referrals", "", "referral handling: ignore or follow")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "log protocol events to stderr")
}

// resolve turns the flag surface into a session config and credential.
// Profile values come first, flags and environment variables override them.
func (c *connectionFlags) resolve(ctx context.Context) (*ldapnav.Config, ldapnav.Credential, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config := &ldapnav.Config{}
	cred := ldapnav.Credential{Anonymous: true}
	trust := ldapnav.NewTrustStore()

	if c.profile != "" {
		profile, err := c.loadProfile()
		if err != nil {
			return nil, cred, err
		}
		config, err = profile.Config()
		if err != nil {
			return nil, cred, err
		}

		var vault *ldapnav.Vault
		if profile.Credential.Source == ldapnav.CredentialVault {
			vault, err = openVault()
			if err != nil {
				return nil, cred, err
			}
		}
		cred, err = profile.ResolveCredential(ctx, c.profile, vault)
		if errors.Is(err, ldapnav.ErrPromptRequired) {
			return nil, cred, fmt.Errorf("profile %q wants an interactive prompt; switch its credential source to env, command or vault", c.profile)
		}
		if err != nil {
			return nil, cred, err
		}
		for _, pin := range profile.TrustedCertificates {
			trust.Pin(pin)
		}
	}

	if c.host != "" {
		config.Host = c.host
	}
	if c.port == 0 {
		if env := os.Getenv("LDAPNAV_PORT"); env != "" {
			port, err := strconv.Atoi(env)
			if err != nil {
				return nil, cred, fmt.Errorf("LDAPNAV_PORT: %w", err)
			}
			c.port = port
		}
	}
	if c.port != 0 {
		config.Port = c.port
	}
	if c.baseDN != "" {
		config.BaseDN = c.baseDN
	}
	if c.tlsMode != "" {
		mode, err := ldapnav.ParseTLSMode(c.tlsMode)
		if err != nil {
			return nil, cred, err
		}
		config.TLSMode = mode
	}
	if c.referrals != "" {
		policy, err := ldapnav.ParseReferralPolicy(c.referrals)
		if err != nil {
			return nil, cred, err
		}
		config.Referrals = policy
	}
	if c.pageSize != 0 {
		config.PageSize = c.pageSize
	}
	if c.timeout != 0 {
		config.Timeout = c.timeout
	}
	config.ReadOnly = config.ReadOnly || c.readOnly

	if c.bindDN != "" {
		cred = ldapnav.Credential{BindDN: c.bindDN, Password: os.Getenv(c.passwordEnv)}
	}

	if config.Host == "" {
		return nil, cred, fmt.Errorf("no directory server: pass --host or --profile")
	}

	for _, pin := range c.pins {
		trust.Pin(pin)
	}
	config.TLSConfig = trust.Config(config.TLSConfig, config.Host)
	config.Logger = logger
	return config, cred, nil
}

func (c *connectionFlags) loadProfile() (*ldapnav.Profile, error) {
	path := c.profilesFile
	if path == "" {
		path = os.Getenv("LDAPNAV_PROFILES_FILE")
	}
	if path == "" {
		var err error
		path, err = ldapnav.DefaultProfilesPath()
		if err != nil {
			return nil, err
		}
	}
	profiles, err := ldapnav.LoadProfiles(path)
	if err != nil {
		return nil, err
	}
	return profiles.Get(c.profile)
}

func openVault() (*ldapnav.Vault, error) {
	passphrase := os.Getenv("LDAPNAV_VAULT_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("set LDAPNAV_VAULT_PASSPHRASE to unlock the credential vault")
	}
	path := os.Getenv("LDAPNAV_VAULT")
	if path == "" {
		var err error
		path, err = ldapnav.DefaultVaultPath()
		if err != nil {
			return nil, err
		}
	}
	return ldapnav.OpenVault(path, passphrase)
}

// connect opens the session. An untrusted certificate gets a hint with the
// fingerprint to pin instead of a bare handshake error.
func connect(ctx context.Context, flags *connectionFlags) (*ldapnav.Session, error) {
	config, cred, err := flags.resolve(ctx)
	if err != nil {
		return nil, err
	}
	session, err := ldapnav.Connect(ctx, config, cred)
	var trustErr *ldapnav.TrustError
	if errors.As(err, &trustErr) {
		return nil, fmt.Errorf("%w\nverify the certificate, then run again with --pin %s", trustErr, trustErr.Fingerprint)
	}
	return session, err
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func parseScope(name string) (ldapnav.Scope, error) {
	switch strings.ToLower(name) {
	case "base":
		return ldapnav.ScopeBase, nil
	case "one", "onelevel":
		return ldapnav.ScopeOneLevel, nil
	case "sub", "subtree":
		return ldapnav.ScopeSubtree, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", name)
	}
}

func parseBulkOp(name string) (ldapnav.BulkOp, error) {
	switch strings.ToLower(name) {
	case "replace":
		return ldapnav.BulkReplace, nil
	case "add":
		return ldapnav.BulkAddValue, nil
	case "delete":
		return ldapnav.BulkDeleteValue, nil
	default:
		return 0, fmt.Errorf("unknown bulk operation %q, want replace, add or delete", name)
	}
}

func cmdInfo(args []string) error {
	fs := pflag.NewFlagSet("ldapnav info", pflag.ContinueOnError)
	var conn connectionFlags
	conn.addFlags(fs)
	schema := fs.Bool("schema", false, "also read and summarize the subschema")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	session, err := connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer session.Close()

	info := session.ServerInfo()
	fmt.Printf("Server:    %s (%s)\n", session.Address(), session.Security())
	fmt.Printf("Flavor:    %s\n", info.Flavor)
	if info.VendorName != "" {
		fmt.Printf("Vendor:    %s %s\n", info.VendorName, info.VendorVersion)
	}
	fmt.Printf("Base DN:   %s\n", session.BaseDN().String())
	bound := session.BoundDN()
	if bound == "" {
		bound = "(anonymous)"
	}
	fmt.Printf("Bound as:  %s\n", bound)
	fmt.Printf("Paging:    %v\n", info.SupportsPaging())
	for _, namingContext := range info.NamingContexts {
		fmt.Printf("Context:   %s\n", namingContext)
	}

	if *schema {
		parsed, err := session.RefreshSchema(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Schema:    %d object classes, %d attribute types\n",
			len(parsed.ClassNames()), len(parsed.AttributeNames()))
	}
	return nil
}

func cmdSearch(args []string) error {
	fs := pflag.NewFlagSet("ldapnav search", pflag.ContinueOnError)
	var conn connectionFlags
	conn.addFlags(fs)
	base := fs.String("base", "", "search base DN (default: session base)")
	scopeName := fs.String("scope", "sub", "search scope: base, one or sub")
	attrs := fs.StringSlice("attr", nil, "attribute to request, repeatable (default: all user attributes)")
	limit := fs.Int("limit", 0, "ask the server to stop after this many entries")
	output := fs.String("output", "", "write entries to this file, format from the extension")
	name := fs.String("format", "ldif", "stdout format: ldif, json or csv")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	filterText := "(objectClass=*)"
	if fs.NArg() > 0 {
		filterText = fs.Arg(0)
	}
	scope, err := parseScope(*scopeName)
	if err != nil {
		return err
	}
	baseDN, err := dn.Parse(*base)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	session, err := connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer session.Close()

	entries, err := session.SearchAll(ctx, ldapnav.SearchRequest{
		BaseDN:     baseDN,
		Filter:     filterText,
		Scope:      scope,
		Attributes: *attrs,
		SizeLimit:  *limit,
	})
	if err != nil {
		return err
	}

	if *output != "" {
		if err := format.ExportFile(*output, entries); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d entries to %s\n", len(entries), *output)
		return nil
	}
	f, err := format.ParseFormat(*name)
	if err != nil {
		return err
	}
	return format.Export(os.Stdout, f, entries)
}

func cmdExport(args []string) error {
	fs := pflag.NewFlagSet("ldapnav export", pflag.ContinueOnError)
	var conn connectionFlags
	conn.addFlags(fs)
	base := fs.String("base", "", "subtree to export (default: session base)")
	filterText := fs.String("filter", "", "only export entries matching this filter")
	out := fs.String("out", "", "output file, format from the extension (required)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *out == "" {
		return fmt.Errorf("--out is required")
	}
	baseDN, err := dn.Parse(*base)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	session, err := connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer session.Close()

	entries, err := session.ExportSubtree(ctx, baseDN, *filterText)
	if err != nil {
		return err
	}
	if err := format.ExportFile(*out, entries); err != nil {
		return err
	}
	fmt.Printf("exported %d entries to %s\n", len(entries), *out)
	return nil
}

func cmdImport(args []string) error {
	fs := pflag.NewFlagSet("ldapnav import", pflag.ContinueOnError)
	var conn connectionFlags
	conn.addFlags(fs)
	update := fs.Bool("update", false, "modify entries that already exist instead of failing them")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ldapnav import [flags] <file>")
	}

	entries, err := format.ImportFile(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	session, err := connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer session.Close()

	result, err := session.ImportEntries(ctx, entries, *update)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d of %d entries\n", result.Succeeded, result.Total())
	for _, failure := range result.Failed {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", failure.DN, failure.Reason)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d entries failed", len(result.Failed))
	}
	return nil
}

func cmdApply(args []string) error {
	fs := pflag.NewFlagSet("ldapnav apply", pflag.ContinueOnError)
	var conn connectionFlags
	conn.addFlags(fs)
	base := fs.String("base", "", "subtree to update (default: session base)")
	filterText := fs.String("filter", "", "entries to update (required)")
	opName := fs.String("op", "replace", "attribute operation: replace, add or delete")
	attr := fs.String("attr", "", "attribute to update (required)")
	value := fs.String("value", "", "attribute value")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *filterText == "" {
		return fmt.Errorf("--filter is required")
	}
	if *attr == "" {
		return fmt.Errorf("--attr is required")
	}
	op, err := parseBulkOp(*opName)
	if err != nil {
		return err
	}
	baseDN, err := dn.Parse(*base)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	session, err := connect(ctx, &conn)
	if err != nil {
		return err
	}
	defer session.Close()

	result, err := session.BulkApply(ctx, baseDN, *filterText, op, *attr, *value)
	if err != nil {
		return err
	}
	fmt.Printf("updated %d of %d entries\n", result.Succeeded, result.Total())
	for _, failure := range result.Failed {
		fmt.Fprintf(os.Stderr, "  %s: %s\n", failure.DN, failure.Reason)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d entries failed", len(result.Failed))
	}
	return nil
}

func cmdProfiles(args []string) error {
	fs := pflag.NewFlagSet("ldapnav profiles", pflag.ContinueOnError)
	profilesFile := fs.String("profiles-file", "", "profiles file (default ~/.config/ldapnav/config.yaml)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	path := *profilesFile
	if path == "" {
		path = os.Getenv("LDAPNAV_PROFILES_FILE")
	}
	if path == "" {
		var err error
		path, err = ldapnav.DefaultProfilesPath()
		if err != nil {
			return err
		}
	}

	profiles, err := ldapnav.LoadProfiles(path)
	if err != nil {
		return err
	}
	names := profiles.Names()
	if len(names) == 0 {
		fmt.Printf("no profiles configured in %s\n", path)
		return nil
	}
	for _, name := range names {
		profile := profiles.Profiles[name]
		marker := " "
		if name == profiles.Default {
			marker = "*"
		}
		line := fmt.Sprintf("%s %-20s %s:%d tls=%s credentials=%s",
			marker, name, profile.Host, profile.Port, profile.TLS, credentialSource(profile))
		if profile.ReadOnly {
			line += " read-only"
		}
		fmt.Println(line)
	}
	return nil
}

func credentialSource(p *ldapnav.Profile) string {
	if p.Credential.Source == "" {
		return ldapnav.CredentialNone
	}
	return p.Credential.Source
}
