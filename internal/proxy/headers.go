package proxy

import (
	"net/http"
	"strconv"

	"powerthrough/internal/rewrite"
)

// hopHeaders are hop-by-hop headers stripped in both directions.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// blockedResponseHeaders would stop the proxied page from rendering inside
// the caller's document, or leak the upstream's origin policy.
var blockedResponseHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Credentials",
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
}

// filterResponseHeader produces the outbound header set: hop-by-hop and
// origin-policy headers dropped, Set-Cookie re-added value by value so
// every cookie survives.
func filterResponseHeader(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for k, vv := range src {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	for _, h := range blockedResponseHeaders {
		out.Del(h)
	}
	out.Del("Set-Cookie")
	for _, v := range src.Values("Set-Cookie") {
		out.Add("Set-Cookie", v)
	}
	return out
}

// finalizeHTMLHeader normalizes headers after HTML rewriting: rewritten
// documents are always served as UTF-8 HTML, framing is explicitly allowed,
// and a matched profile re-inserts its permissive CSP.
func finalizeHTMLHeader(h http.Header, bodyLen int, profile *rewrite.Profile) {
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("X-Frame-Options", "ALLOWALL")
	h.Set("Content-Length", strconv.Itoa(bodyLen))
	if profile != nil && profile.CSP != "" {
		h.Set("Content-Security-Policy", profile.CSP)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
