package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"powerthrough/internal/target"
)

// Fetcher issues outbound requests with sanitized headers. Redirects are
// never followed; 3xx responses surface as-is so the browser relocates
// under its rewritten URL.
type Fetcher struct {
	client     *http.Client
	fallbackUA string
}

// NewFetcher builds a Fetcher. fallbackUA is applied when the client sent
// no User-Agent of its own.
func NewFetcher(fallbackUA string) *Fetcher {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bodies must arrive decoded so the rewriters can work on them.
		DisableCompression: true,
	}
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		fallbackUA: fallbackUA,
	}
}

// Do fetches the target. The request body is streamed for non-GET/HEAD
// methods; the response body is a lazy stream owned by the caller.
func (f *Fetcher) Do(ctx context.Context, t *target.Target, method string, header http.Header, body io.Reader) (*http.Response, error) {
	if method == http.MethodGet || method == http.MethodHead {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, method, t.String(), body)
	if err != nil {
		return nil, err
	}

	for k, vv := range header {
		if !forwardableRequestHeader(k) {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	// The pipeline reads decoded bodies to rewrite them.
	req.Header.Set("Accept-Encoding", "identity")

	req.Host = t.URL.Host
	req.Header.Set("Origin", t.Origin())
	req.Header.Set("Referer", t.String())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.fallbackUA)
	}

	return f.client.Do(req)
}

// forwardableRequestHeader drops hop-by-hop headers and Host; Host is
// re-derived from the target.
func forwardableRequestHeader(name string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if canonical == "Host" {
		return false
	}
	for _, h := range hopHeaders {
		if canonical == h {
			return false
		}
	}
	return true
}
