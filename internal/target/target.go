// Package target parses and validates user-submitted proxy targets.
package target

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindEmpty             Kind = "missing_target"
	KindUnparseable       Kind = "invalid_target"
	KindUnsupportedScheme Kind = "unsupported_scheme"
	KindBlockedHost       Kind = "blocked_host"
)

// ValidationError reports why a raw target was rejected and the HTTP
// status the proxy endpoint maps it to.
type ValidationError struct {
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Status returns the HTTP status for this validation failure.
func (e *ValidationError) Status() int {
	if e.Kind == KindBlockedHost {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

var (
	errEmpty       = &ValidationError{Kind: KindEmpty, Message: "Missing 'url' parameter."}
	errUnparseable = &ValidationError{Kind: KindUnparseable, Message: "Target URL could not be parsed."}
	errScheme      = &ValidationError{Kind: KindUnsupportedScheme, Message: "Only http and https targets are supported."}
	errBlocked     = &ValidationError{Kind: KindBlockedHost, Message: "Target host is not allowed."}
)

// Target is a validated absolute upstream URL.
type Target struct {
	URL *url.URL
}

// String returns the absolute target URL.
func (t *Target) String() string { return t.URL.String() }

// Origin returns "scheme://host" of the target.
func (t *Target) Origin() string { return t.URL.Scheme + "://" + t.URL.Host }

// bareDomain matches inputs like "example.com" or "example.com/path"
// that should be promoted to https URLs rather than search queries.
var bareDomain = regexp.MustCompile(`^[^\s/]+\.[A-Za-z]{2,}(?:[/?#]\S*)?$`)

// Validate normalizes raw user input into a Target.
//
// Normalization order: an absolute http(s) URL is taken as-is; something
// shaped like a bare domain gets an https:// prefix; anything else becomes
// a DuckDuckGo search. The resulting host is then checked against the
// local/private blocklist.
func Validate(raw string) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmpty
	}

	parsed, err := url.Parse(raw)
	switch {
	case err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https"):
		if parsed.Host == "" {
			return nil, errUnparseable
		}
	case err == nil && parsed.Scheme != "" && parsed.Host != "":
		// Parseable absolute URL with a scheme we do not proxy.
		return nil, errScheme
	case bareDomain.MatchString(raw):
		parsed, err = url.Parse("https://" + raw)
		if err != nil || parsed.Host == "" {
			return nil, errUnparseable
		}
	default:
		parsed = searchURL(raw)
	}

	if hostBlocked(parsed.Hostname()) {
		return nil, errBlocked
	}
	return &Target{URL: parsed}, nil
}

// searchURL turns free-form input into a DuckDuckGo query URL.
// Spaces are encoded as %20 so the query survives attribute rewriting.
func searchURL(query string) *url.URL {
	escaped := strings.ReplaceAll(url.QueryEscape(query), "+", "%20")
	u, err := url.Parse("https://duckduckgo.com/?q=" + escaped)
	if err != nil {
		// QueryEscape output is always parseable; keep the compiler honest.
		panic(fmt.Sprintf("target: building search URL: %v", err))
	}
	return u
}

// allowLocal disables the local/private blocklist, for development setups
// that proxy an origin running on localhost.
var allowLocal atomic.Bool

// SetAllowLocal toggles acceptance of loopback and private targets.
func SetAllowLocal(v bool) { allowLocal.Store(v) }

// literalBlocklist holds hostnames rejected regardless of resolution.
var literalBlocklist = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// hostBlocked reports whether the hostname is a local or private address.
// IP literals are detected syntactically; names are matched verbatim
// (DNS rebinding protection is out of scope).
func hostBlocked(hostname string) bool {
	if allowLocal.Load() {
		return false
	}
	h := strings.ToLower(strings.Trim(hostname, "[]"))
	if h == "" {
		return true
	}
	if _, ok := literalBlocklist[h]; ok {
		return true
	}
	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsUnspecified() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
