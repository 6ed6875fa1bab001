// Package headless offloads HTML rendering to an external browser driver
// behind a concurrency-bounded admission gate.
package headless

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"powerthrough/internal/metrics"
)

var (
	// ErrBusy is returned when the render gauge is at capacity.
	ErrBusy = errors.New("headless renderer at capacity")
	// ErrUnavailable is returned when no browser driver can be used.
	ErrUnavailable = errors.New("headless renderer unavailable")
)

// Result is a fully buffered render produced after page idle.
type Result struct {
	Status int
	Header http.Header
	HTML   string
}

// Driver is the capability the renderer delegates to. The production
// driver drives a headless Chrome; tests substitute a fake.
type Driver interface {
	Render(ctx context.Context, url string, opts Options) (*Result, error)
}

// Options configure a single render.
type Options struct {
	UserAgent string
	Timeout   time.Duration
}

// Renderer gates a Driver behind an active-render gauge. The admission
// check and the increment happen under one lock so concurrent admissions
// can never exceed max.
type Renderer struct {
	driver Driver
	opts   Options
	max    int64

	mu     sync.Mutex
	active int64
}

// New returns a Renderer allowing at most max concurrent renders.
func New(driver Driver, max int, opts Options) *Renderer {
	if max <= 0 {
		max = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Renderer{driver: driver, opts: opts, max: int64(max)}
}

// Active returns the current number of running renders.
func (r *Renderer) Active() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Render runs one admission-gated render. The gauge is restored on every
// exit path, including driver panics.
func (r *Renderer) Render(ctx context.Context, url string) (*Result, error) {
	if r.driver == nil {
		return nil, ErrUnavailable
	}
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return r.driver.Render(ctx, url, r.opts)
}

func (r *Renderer) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active >= r.max {
		return ErrBusy
	}
	r.active++
	metrics.HeadlessActiveSet(r.active)
	return nil
}

func (r *Renderer) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	metrics.HeadlessActiveSet(r.active)
}
