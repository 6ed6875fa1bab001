package proxy

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"powerthrough/internal/headless"
	"powerthrough/internal/metrics"
	"powerthrough/internal/rewrite"
	"powerthrough/internal/target"
)

// Renderer variants; also the cache-key dimension.
const (
	RendererDirect   = "direct"
	RendererHeadless = "headless"
)

// RenderHintHeadless is the only render hint with meaning.
const RenderHintHeadless = "headless"

// Result is the outcome of one proxied request. Exactly one of Body and
// Stream is meaningful: rewritable content is buffered, everything else
// streams. The caller owns Stream and must close it.
type Result struct {
	Status    int
	Header    http.Header
	Body      []byte
	Stream    io.ReadCloser
	FromCache bool
	Renderer  string
}

// Pipeline composes validation, cache, headless rendering, upstream fetch,
// header filtering and content rewriting for each request. It knows
// nothing about the transport that invoked it.
type Pipeline struct {
	fetcher  *Fetcher
	cache    *ResponseCache
	renderer *headless.Renderer // nil when headless rendering is disabled
}

func NewPipeline(fetcher *Fetcher, cache *ResponseCache, renderer *headless.Renderer) *Pipeline {
	return &Pipeline{fetcher: fetcher, cache: cache, renderer: renderer}
}

// Handle runs the full proxy pipeline for one request. Latency and
// counters are recorded on every exit path.
func (p *Pipeline) Handle(ctx context.Context, rawURL, method string, header http.Header, body io.Reader, renderHint string) (res *Result, err error) {
	start := time.Now()
	cacheLabel := ""
	defer func() {
		status := 0
		if err != nil {
			perr := AsError(err)
			status = perr.Status
			if status >= http.StatusInternalServerError {
				metrics.UpstreamErrorInc()
				log.Printf("proxy error method=%s url=%q status=%d err=%v", method, rawURL, status, err)
			}
		} else {
			status = res.Status
		}
		metrics.ObserveRequest(method, status, cacheLabel, time.Since(start))
	}()

	t, err := target.Validate(rawURL)
	if err != nil {
		return nil, err
	}

	wantsHeadless := p.renderer != nil && method == http.MethodGet && renderHint == RenderHintHeadless
	variant := RendererDirect
	if wantsHeadless {
		variant = RendererHeadless
	}

	cacheable := method == http.MethodGet && p.cache.Enabled()
	key := ""
	if cacheable {
		key = CacheKey(variant, t.String())
		if entry, ok := p.cache.Lookup(key); ok {
			metrics.CacheHitInc()
			cacheLabel = "HIT"
			entry.Header.Set("X-Cache", "HIT")
			return &Result{
				Status:    entry.Status,
				Header:    entry.Header,
				Body:      entry.Body,
				FromCache: true,
				Renderer:  entry.Renderer,
			}, nil
		}
		metrics.CacheMissInc()
		cacheLabel = "MISS"
	}

	if wantsHeadless {
		return p.handleHeadless(ctx, t, cacheable, key)
	}
	return p.handleDirect(ctx, t, method, header, body, cacheable, key)
}

func (p *Pipeline) handleHeadless(ctx context.Context, t *target.Target, cacheable bool, key string) (*Result, error) {
	metrics.HeadlessRequestInc()
	rendered, err := p.renderer.Render(ctx, t.String())
	if err != nil {
		metrics.HeadlessFailureInc()
		if errors.Is(err, headless.ErrBusy) || errors.Is(err, headless.ErrUnavailable) {
			return nil, err
		}
		return nil, upstreamUnavailable(err)
	}

	markup, profile := p.rewriteHTML(rendered.HTML, t)
	header := filterResponseHeader(rendered.Header)
	finalizeHTMLHeader(header, len(markup), profile)
	header.Set("X-Renderer", RendererHeadless)

	res := &Result{
		Status:   rendered.Status,
		Header:   header,
		Body:     []byte(markup),
		Renderer: RendererHeadless,
	}
	p.store(cacheable, key, res)
	return res, nil
}

func (p *Pipeline) handleDirect(ctx context.Context, t *target.Target, method string, header http.Header, body io.Reader, cacheable bool, key string) (*Result, error) {
	resp, err := p.fetcher.Do(ctx, t, method, header, body)
	if err != nil {
		return nil, upstreamUnavailable(err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		metrics.UpstreamErrorInc()
		log.Printf("upstream status=%d url=%s", resp.StatusCode, t.String())
	}

	outHeader := filterResponseHeader(resp.Header)

	if method == http.MethodHead {
		resp.Body.Close()
		return &Result{Status: resp.StatusCode, Header: outHeader, Renderer: RendererDirect}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "text/html"):
		buf, err := readAllAndClose(resp.Body)
		if err != nil {
			return nil, upstreamUnavailable(err)
		}
		markup, profile := p.rewriteHTML(string(buf), t)
		finalizeHTMLHeader(outHeader, len(markup), profile)
		res := &Result{Status: resp.StatusCode, Header: outHeader, Body: []byte(markup), Renderer: RendererDirect}
		p.store(cacheable, key, res)
		return res, nil

	case strings.Contains(contentType, "text/css"):
		buf, err := readAllAndClose(resp.Body)
		if err != nil {
			return nil, upstreamUnavailable(err)
		}
		sheet := rewrite.CSS(string(buf), t.URL)
		outHeader.Set("Content-Length", strconv.Itoa(len(sheet)))
		res := &Result{Status: resp.StatusCode, Header: outHeader, Body: []byte(sheet), Renderer: RendererDirect}
		p.store(cacheable, key, res)
		return res, nil

	default:
		// Not rewritable: stream straight through, never cached.
		return &Result{Status: resp.StatusCode, Header: outHeader, Stream: resp.Body, Renderer: RendererDirect}, nil
	}
}

// rewriteHTML runs the attribute rewrite plus any per-host post-patch.
func (p *Pipeline) rewriteHTML(markup string, t *target.Target) (string, *rewrite.Profile) {
	profile := rewrite.ProfileFor(t.URL.Hostname())
	out := rewrite.HTML(markup, t.URL)
	if profile != nil && profile.Patch != nil {
		out = profile.Patch(out)
	}
	return out, profile
}

// store inserts a buffered result into the cache when caching applies.
// Streamed results never reach here.
func (p *Pipeline) store(cacheable bool, key string, res *Result) {
	if !cacheable || res.Body == nil {
		return
	}
	p.cache.Insert(key, &CacheEntry{
		Status:   res.Status,
		Header:   res.Header,
		Body:     res.Body,
		Renderer: res.Renderer,
		AddedAt:  time.Now(),
	})
	res.Header.Set("X-Cache", "MISS")
}

func readAllAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	return io.ReadAll(rc)
}
