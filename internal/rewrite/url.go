// Package rewrite maps URLs embedded in proxied content back through the
// proxy endpoint, for HTML attributes (including srcset) and CSS url()
// references, and applies per-host content patches.
package rewrite

import (
	"net/url"
	"strings"
)

// ProxyPath is the proxy endpoint every rewritten reference points at.
const ProxyPath = "/powerthrough"

// ProxyURL returns the proxy-local URL for an absolute target URL.
func ProxyURL(absolute string) string {
	return ProxyPath + "?url=" + url.QueryEscape(absolute)
}

// IsProxied reports whether a reference already points at the proxy.
func IsProxied(value string) bool {
	return strings.HasPrefix(value, ProxyPath)
}

// pseudoSchemes are left untouched by the rewriters.
var pseudoSchemes = []string{"mailto:", "tel:", "javascript:"}

// skipValue reports whether an attribute value must be passed through
// byte-identical: already proxied, fragment-only, or a pseudo-scheme.
func skipValue(value string) bool {
	if value == "" || strings.HasPrefix(value, "#") || IsProxied(value) {
		return true
	}
	lower := strings.ToLower(value)
	for _, s := range pseudoSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// resolve resolves ref against base and returns the absolute form.
func resolve(base *url.URL, ref string) (string, bool) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}

// Value rewrites a single link-bearing value against base. Values the
// rewriter must not touch come back unchanged.
func Value(value string, base *url.URL) string {
	if skipValue(value) {
		return value
	}
	absolute, ok := resolve(base, value)
	if !ok {
		return value
	}
	return ProxyURL(absolute)
}
