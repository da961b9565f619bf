// Package capability resolves the capability set and remote endpoint for a
// browser target.
package capability

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Well-known capability keys.
const (
	KeyBrowserName      = "browserName"
	KeyOS               = "os"
	KeyName             = "name"
	KeyBuild            = "build"
	KeyWidth            = "width"
	KeyHeight           = "height"
	KeySauceUser        = "username"
	KeySauceKey         = "accessKey"
	KeyBrowserStackUser = "browserstack.user"
	KeyBrowserStackKey  = "browserstack.key"
)

// Remote hub templates. Credentials are embedded as userinfo.
const (
	sauceLabsHost        = "ondemand.saucelabs.com:80"
	sauceLabsScheme      = "http"
	browserStackHost     = "hub-cloud.browserstack.com"
	browserStackScheme   = "https"
	remoteHubPath        = "/wd/hub"
	defaultTargetOS      = "windows"
	providerSelectionAny = "auto"
)

var (
	// ErrAmbiguousProvider is returned when credentials for more than one
	// cloud provider are present and no explicit provider was selected.
	ErrAmbiguousProvider = errors.New("capability: credentials for more than one cloud provider present")
	// ErrMissingCredentials is returned when a cloud provider is selected
	// explicitly but its credential pair is absent.
	ErrMissingCredentials = errors.New("capability: missing provider credentials")
)

var mobileOS = regexp.MustCompile(`^(android|android_emulator|ios|ios_emulator)$`)

// commonCapabilities apply to every provider and are the lowest layer.
var commonCapabilities = Set{
	"unexpectedAlertBehaviour": "ignore",
	"locationContextEnabled":   false,
	"webStorageEnabled":        true,
}

// Set is a capability map sent when a browser session is requested.
type Set map[string]any

// Clone returns a shallow copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge layers sets left to right. Later layers win on key conflict.
func Merge(layers ...Set) Set {
	out := Set{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// String returns the value at key as a string, or "" when absent.
func (s Set) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns the value at key as an int, or def when absent or not numeric.
func (s Set) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Provider identifies where the browser instance runs.
type Provider string

const (
	Local        Provider = "local"
	SauceLabs    Provider = "saucelabs"
	BrowserStack Provider = "browserstack"
)

// Providers lists every known provider.
var Providers = []Provider{Local, SauceLabs, BrowserStack}

// IsCloud reports whether p is a remote device farm.
func (p Provider) IsCloud() bool {
	return p == SauceLabs || p == BrowserStack
}

// Target is one browser configuration to capture against.
type Target struct {
	Browser string
	OS      string
}

// ParseTarget parses "browser/os". The OS defaults to windows.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) > 2 || parts[0] == "" {
		return Target{}, fmt.Errorf("capability: invalid target %q, expected browser/os", s)
	}
	t := Target{Browser: strings.ToLower(parts[0]), OS: defaultTargetOS}
	if len(parts) == 2 && parts[1] != "" {
		t.OS = strings.ToLower(parts[1])
	}
	return t, nil
}

func (t Target) String() string {
	return t.Browser + "/" + t.OS
}

// IsMobile reports whether the target OS is a phone or tablet platform.
func (t Target) IsMobile() bool {
	return mobileOS.MatchString(t.OS)
}

// UnknownBrowserTargetError is returned when the provider table has no entry
// for the requested OS/browser combination.
type UnknownBrowserTargetError struct {
	Target   Target
	Provider Provider
	Valid    []string
}

func (e *UnknownBrowserTargetError) Error() string {
	return fmt.Sprintf("capability: %s is not available on %s, choose one of: %s",
		e.Target, e.Provider, strings.Join(e.Valid, ", "))
}

// Resolution is the final capability set and endpoint for one target.
type Resolution struct {
	Target       Target
	Provider     Provider
	Capabilities Set
	// Endpoint is the remote hub URL, empty for local sessions.
	Endpoint string
}

// Credentials returns the provider user and key carried in the capabilities.
func (r *Resolution) Credentials() (user, key string) {
	switch r.Provider {
	case SauceLabs:
		return r.Capabilities.String(KeySauceUser), r.Capabilities.String(KeySauceKey)
	case BrowserStack:
		return r.Capabilities.String(KeyBrowserStackUser), r.Capabilities.String(KeyBrowserStackKey)
	}
	return "", ""
}

// Resolver merges capability layers using per-provider tables.
type Resolver struct {
	tables map[Provider]*Table
}

// NewResolver creates a Resolver over the given tables.
func NewResolver(tables map[Provider]*Table) *Resolver {
	return &Resolver{tables: tables}
}

// DefaultResolver creates a Resolver over the embedded tables.
func DefaultResolver() (*Resolver, error) {
	tables, err := LoadTables()
	if err != nil {
		return nil, err
	}
	return NewResolver(tables), nil
}

// Resolve produces the capability set and endpoint for target. selection is
// "auto" (or empty) to detect the provider from credentials, or an explicit
// provider name.
func (r *Resolver) Resolve(target Target, selection string, overrides Set) (*Resolution, error) {
	provider, err := DetectProvider(selection, overrides)
	if err != nil {
		return nil, err
	}

	table, ok := r.tables[provider]
	if !ok {
		return nil, fmt.Errorf("capability: no capability table for provider %s", provider)
	}
	entry, ok := table.Lookup(target)
	if !ok {
		return nil, &UnknownBrowserTargetError{Target: target, Provider: provider, Valid: table.Targets()}
	}

	// browserName and os name the table entry; they never override it.
	user := overrides.Clone()
	delete(user, KeyBrowserName)
	delete(user, KeyOS)

	caps := Merge(commonCapabilities, table.Common, entry, user)
	endpoint := Endpoint(provider, caps)

	return &Resolution{
		Target:       target,
		Provider:     provider,
		Capabilities: caps,
		Endpoint:     endpoint,
	}, nil
}

// ValidTargets lists the browser/os identifiers available for p.
func (r *Resolver) ValidTargets(p Provider) []string {
	table, ok := r.tables[p]
	if !ok {
		return nil
	}
	return table.Targets()
}

// DetectProvider chooses the provider from the selection and credentials.
func DetectProvider(selection string, caps Set) (Provider, error) {
	hasSauce := caps.String(KeySauceUser) != "" && caps.String(KeySauceKey) != ""
	hasBrowserStack := caps.String(KeyBrowserStackUser) != "" && caps.String(KeyBrowserStackKey) != ""

	switch sel := strings.ToLower(strings.TrimSpace(selection)); sel {
	case "", providerSelectionAny:
		switch {
		case hasSauce && hasBrowserStack:
			return "", ErrAmbiguousProvider
		case hasSauce:
			return SauceLabs, nil
		case hasBrowserStack:
			return BrowserStack, nil
		default:
			return Local, nil
		}
	case string(Local):
		return Local, nil
	case string(SauceLabs):
		if !hasSauce {
			return "", fmt.Errorf("%w: saucelabs needs %q and %q", ErrMissingCredentials, KeySauceUser, KeySauceKey)
		}
		return SauceLabs, nil
	case string(BrowserStack):
		if !hasBrowserStack {
			return "", fmt.Errorf("%w: browserstack needs %q and %q", ErrMissingCredentials, KeyBrowserStackUser, KeyBrowserStackKey)
		}
		return BrowserStack, nil
	default:
		return "", fmt.Errorf("capability: unknown provider %q", selection)
	}
}

// Endpoint returns the remote hub URL for p with credentials from caps.
// Local sessions have no endpoint.
func Endpoint(p Provider, caps Set) string {
	var u url.URL
	switch p {
	case SauceLabs:
		u = url.URL{
			Scheme: sauceLabsScheme,
			User:   url.UserPassword(caps.String(KeySauceUser), caps.String(KeySauceKey)),
			Host:   sauceLabsHost,
			Path:   remoteHubPath,
		}
	case BrowserStack:
		u = url.URL{
			Scheme: browserStackScheme,
			User:   url.UserPassword(caps.String(KeyBrowserStackUser), caps.String(KeyBrowserStackKey)),
			Host:   browserStackHost,
			Path:   remoteHubPath,
		}
	default:
		return ""
	}
	return u.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
