package rewrite

import (
	"regexp"
	"strings"
)

// Profile bundles the per-host content policy: an optional permissive CSP
// to inject after stripping the upstream one, and an optional patch run on
// the serialized HTML.
type Profile struct {
	Name  string
	CSP   string
	Patch func(html string) string
}

// The three CSP variants differ only in the exact allowlist string.
const (
	cspDuckDuckGo = "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; img-src * data: blob:; connect-src *; frame-ancestors *"
	cspGoogle     = "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; script-src * 'unsafe-inline' 'unsafe-eval'; frame-ancestors *"
	cspBing       = "default-src * 'unsafe-inline' 'unsafe-eval' data: blob: filesystem:; frame-ancestors *"
)

var (
	integrityAttr = regexp.MustCompile(`\s*integrity="[^"]*"`)
	nonceAttr     = regexp.MustCompile(`\s*nonce="[^"]*"`)
)

func patchDuckDuckGo(html string) string {
	html = strings.ReplaceAll(html, `href="//`, `href="https://`)
	return integrityAttr.ReplaceAllString(html, "")
}

func patchGoogle(html string) string {
	return nonceAttr.ReplaceAllString(html, "")
}

// profiles is matched by case-insensitive substring of the upstream host.
var profiles = []struct {
	hostContains string
	profile      Profile
}{
	{"duckduckgo", Profile{Name: "duckduckgo-hardened", CSP: cspDuckDuckGo, Patch: patchDuckDuckGo}},
	{"google", Profile{Name: "google-compatible", CSP: cspGoogle, Patch: patchGoogle}},
	{"bing", Profile{Name: "bing-compatible", CSP: cspBing}},
}

// ProfileFor returns the content policy for an upstream hostname, or nil
// when no profile matches.
func ProfileFor(hostname string) *Profile {
	h := strings.ToLower(hostname)
	for i := range profiles {
		if strings.Contains(h, profiles[i].hostContains) {
			return &profiles[i].profile
		}
	}
	return nil
}
