package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// cssURLToken matches url(...) with optional single or double quotes.
var cssURLToken = regexp.MustCompile(`url\(\s*['"]?([^'")]+)['"]?\s*\)`)

// CSS rewrites every url(...) reference in a stylesheet to re-enter the
// proxy. data: and fragment references are left alone, as are tokens that
// already point at the proxy, so the transform is idempotent. Quotes are
// dropped in the output.
func CSS(sheet string, base *url.URL) string {
	return cssURLToken.ReplaceAllStringFunc(sheet, func(token string) string {
		ref := strings.TrimSpace(cssURLToken.FindStringSubmatch(token)[1])
		if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") || IsProxied(ref) {
			return token
		}
		absolute, ok := resolve(base, ref)
		if !ok {
			return token
		}
		return "url(" + ProxyURL(absolute) + ")"
	})
}
