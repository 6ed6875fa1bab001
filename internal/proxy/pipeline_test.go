package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"powerthrough/internal/headless"
	"powerthrough/internal/rewrite"
	"powerthrough/internal/target"
)

// allowLocalTargets lets tests proxy httptest servers on 127.0.0.1.
func allowLocalTargets(t *testing.T) {
	t.Helper()
	target.SetAllowLocal(true)
	t.Cleanup(func() { target.SetAllowLocal(false) })
}

func newTestPipeline(ttl time.Duration, renderer *headless.Renderer) *Pipeline {
	return NewPipeline(NewFetcher("test-agent"), NewResponseCache(ttl, 10, 5), renderer)
}

func TestPipelineRewritesHTML(t *testing.T) {
	allowLocalTargets(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		fmt.Fprint(w, `<html><body><a href="/about">about</a></body></html>`)
	}))
	defer srv.Close()

	p := newTestPipeline(time.Minute, nil)
	res, err := p.Handle(context.Background(), srv.URL+"/", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Status != http.StatusOK {
		t.Fatalf("status = %d", res.Status)
	}
	if !strings.Contains(string(res.Body), rewrite.ProxyURL(srv.URL+"/about")) {
		t.Fatalf("link not rewritten:\n%s", res.Body)
	}
	if got := res.Header.Get("X-Frame-Options"); got != "ALLOWALL" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if res.Header.Get("Content-Security-Policy") != "" {
		t.Fatal("upstream CSP survived")
	}
	if got := res.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := res.Header.Get("Content-Length"); got != strconv.Itoa(len(res.Body)) {
		t.Fatalf("Content-Length = %q, body is %d bytes", got, len(res.Body))
	}
	if got := res.Header.Get("X-Cache"); got != "MISS" {
		t.Fatalf("X-Cache = %q", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d", hits.Load())
	}
}

func TestPipelineCacheHit(t *testing.T) {
	allowLocalTargets(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>cached</body></html>`)
	}))
	defer srv.Close()

	p := newTestPipeline(time.Minute, nil)
	ctx := context.Background()

	first, err := p.Handle(ctx, srv.URL+"/", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := p.Handle(ctx, srv.URL+"/", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if first.FromCache {
		t.Fatal("first request served from cache")
	}
	if !second.FromCache {
		t.Fatal("second request missed the cache")
	}
	if got := second.Header.Get("X-Cache"); got != "HIT" {
		t.Fatalf("X-Cache = %q", got)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatal("cached body differs")
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestPipelineRewritesCSS(t *testing.T) {
	allowLocalTargets(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, `body { background: url(/bg.png); }`)
	}))
	defer srv.Close()

	p := newTestPipeline(time.Minute, nil)
	res, err := p.Handle(context.Background(), srv.URL+"/style.css", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "url(" + rewrite.ProxyURL(srv.URL+"/bg.png") + ")"
	if !strings.Contains(string(res.Body), want) {
		t.Fatalf("css not rewritten, want %q in:\n%s", want, res.Body)
	}
	if got := res.Header.Get("Content-Length"); got != strconv.Itoa(len(res.Body)) {
		t.Fatalf("Content-Length = %q, body is %d bytes", got, len(res.Body))
	}
}

func TestPipelineStreamsBinary(t *testing.T) {
	allowLocalTargets(t)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(payload)
	}))
	defer srv.Close()

	p := newTestPipeline(time.Minute, nil)
	ctx := context.Background()

	res, err := p.Handle(ctx, srv.URL+"/blob", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("binary response was buffered")
	}
	got, err := io.ReadAll(res.Stream)
	res.Stream.Close()
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatal("streamed body differs from upstream")
	}

	// Streamed responses are never cached.
	if _, err := p.Handle(ctx, srv.URL+"/blob", http.MethodGet, nil, nil, ""); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("upstream hits = %d, want 2", hits.Load())
	}
}

func TestPipelineUpstream5xxPassthrough(t *testing.T) {
	allowLocalTargets(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "down for maintenance")
	}))
	defer srv.Close()

	p := newTestPipeline(0, nil)
	res, err := p.Handle(context.Background(), srv.URL+"/", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("5xx should pass through, got error: %v", err)
	}
	if res.Status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", res.Status)
	}
	if res.Stream != nil {
		res.Stream.Close()
	}
}

func TestPipelineRedirectNotFollowed(t *testing.T) {
	allowLocalTargets(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Location", "/next")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	p := newTestPipeline(0, nil)
	res, err := p.Handle(context.Background(), srv.URL+"/", http.MethodGet, nil, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != http.StatusFound {
		t.Fatalf("status = %d", res.Status)
	}
	if got := res.Header.Get("Location"); got != "/next" {
		t.Fatalf("Location = %q", got)
	}
	if res.Stream != nil {
		res.Stream.Close()
	}
	if hits.Load() != 1 {
		t.Fatalf("redirect was followed, hits = %d", hits.Load())
	}
}

func TestPipelineBlockedTarget(t *testing.T) {
	p := newTestPipeline(0, nil)
	_, err := p.Handle(context.Background(), "http://localhost/admin", http.MethodGet, nil, nil, "")
	if err == nil {
		t.Fatal("expected error")
	}
	perr := AsError(err)
	if perr.Status != http.StatusForbidden {
		t.Fatalf("status = %d", perr.Status)
	}
	if perr.Message != "Target host is not allowed." {
		t.Fatalf("message = %q", perr.Message)
	}
}

func TestPipelineUpstreamDown(t *testing.T) {
	allowLocalTargets(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := newTestPipeline(0, nil)
	_, err := p.Handle(context.Background(), url+"/", http.MethodGet, nil, nil, "")
	if err == nil {
		t.Fatal("expected error")
	}
	perr := AsError(err)
	if perr.Status != http.StatusBadGateway {
		t.Fatalf("status = %d", perr.Status)
	}
	if perr.Message != "Upstream fetch failed." {
		t.Fatalf("message = %q", perr.Message)
	}
	if perr.Details == "" {
		t.Fatal("expected cause details")
	}
}

type fakeDriver struct {
	html string
	err  error
}

func (d *fakeDriver) Render(ctx context.Context, url string, opts headless.Options) (*headless.Result, error) {
	if d.err != nil {
		return nil, d.err
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html")
	return &headless.Result{Status: http.StatusOK, Header: h, HTML: d.html}, nil
}

func TestPipelineHeadlessRender(t *testing.T) {
	driver := &fakeDriver{html: `<html><body><a href="/about">about</a></body></html>`}
	renderer := headless.New(driver, 1, headless.Options{Timeout: time.Second})
	p := newTestPipeline(time.Minute, renderer)

	res, err := p.Handle(context.Background(), "https://example.com/", http.MethodGet, nil, nil, RenderHintHeadless)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Header.Get("X-Renderer"); got != "headless" {
		t.Fatalf("X-Renderer = %q", got)
	}
	if !strings.Contains(string(res.Body), rewrite.ProxyURL("https://example.com/about")) {
		t.Fatalf("rendered link not rewritten:\n%s", res.Body)
	}

	// The headless variant has its own cache slot.
	second, err := p.Handle(context.Background(), "https://example.com/", http.MethodGet, nil, nil, RenderHintHeadless)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !second.FromCache {
		t.Fatal("headless result was not cached")
	}
	if second.Renderer != RendererHeadless {
		t.Fatalf("renderer = %q", second.Renderer)
	}
}

func TestPipelineHeadlessFailure(t *testing.T) {
	driver := &fakeDriver{err: errors.New("browser crashed")}
	renderer := headless.New(driver, 1, headless.Options{Timeout: time.Second})
	p := newTestPipeline(0, renderer)

	_, err := p.Handle(context.Background(), "https://example.com/", http.MethodGet, nil, nil, RenderHintHeadless)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := AsError(err).Status; got != http.StatusBadGateway {
		t.Fatalf("status = %d", got)
	}
}

// gateDriver stalls renders of one URL until released; everything else
// renders immediately.
type gateDriver struct {
	fakeDriver
	blockURL string
	release  chan struct{}
}

func (d *gateDriver) Render(ctx context.Context, url string, opts headless.Options) (*headless.Result, error) {
	if url == d.blockURL {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.fakeDriver.Render(ctx, url, opts)
}

// A cached headless render is served even while the renderer is at
// capacity; only misses are turned away with 429.
func TestPipelineHeadlessCacheHitAtCapacity(t *testing.T) {
	release := make(chan struct{})
	driver := &gateDriver{
		fakeDriver: fakeDriver{html: `<html><body>rendered</body></html>`},
		blockURL:   "https://example.com/slow",
		release:    release,
	}
	renderer := headless.New(driver, 1, headless.Options{Timeout: 5 * time.Second})
	p := newTestPipeline(time.Minute, renderer)
	ctx := context.Background()

	if _, err := p.Handle(ctx, "https://example.com/cached", http.MethodGet, nil, nil, RenderHintHeadless); err != nil {
		t.Fatalf("priming render: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Handle(ctx, "https://example.com/slow", http.MethodGet, nil, nil, RenderHintHeadless)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for renderer.Active() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("render never started")
		}
		time.Sleep(time.Millisecond)
	}

	res, err := p.Handle(ctx, "https://example.com/cached", http.MethodGet, nil, nil, RenderHintHeadless)
	if err != nil {
		t.Fatalf("cached render at capacity: %v", err)
	}
	if !res.FromCache {
		t.Fatal("expected cache hit")
	}

	_, err = p.Handle(ctx, "https://example.com/other", http.MethodGet, nil, nil, RenderHintHeadless)
	if got := AsError(err).Status; got != http.StatusTooManyRequests {
		t.Fatalf("status = %d", got)
	}

	close(release)
	<-done
}

func TestPipelineHintIgnoredWithoutRenderer(t *testing.T) {
	allowLocalTargets(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>direct</body></html>`)
	}))
	defer srv.Close()

	p := newTestPipeline(0, nil)
	res, err := p.Handle(context.Background(), srv.URL+"/", http.MethodGet, nil, nil, RenderHintHeadless)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Renderer != RendererDirect {
		t.Fatalf("renderer = %q", res.Renderer)
	}
	if res.Header.Get("X-Renderer") != "" {
		t.Fatal("X-Renderer set on a direct fetch")
	}
}
