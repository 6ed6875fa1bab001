package proxy

import (
	"net/http"
	"strconv"
	"time"

	"powerthrough/internal/metrics"
)

// QueueConfig bounds concurrent pipeline work. Requests beyond the
// concurrency limit wait in a queue; requests beyond the queue are
// rejected immediately.
type QueueConfig struct {
	MaxQueue        int
	MaxConcurrent   int
	EnqueueTimeout  time.Duration
	QueueWaitHeader bool
}

// WithQueue wraps next with admission control. A request first takes a
// queue slot, then an active slot, and releases both when done.
func WithQueue(cfg QueueConfig, next http.Handler) http.Handler {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 100
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}

	waiters := make(chan struct{}, cfg.MaxQueue)
	active := make(chan struct{}, cfg.MaxConcurrent)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case waiters <- struct{}{}:
		default:
			metrics.QueueRejectedInc()
			WriteError(w, &Error{Status: http.StatusTooManyRequests, Message: "Server queue is full, try again later."})
			return
		}
		metrics.QueueDepthSet(int64(len(waiters)))

		var timeout <-chan time.Time
		if cfg.EnqueueTimeout > 0 {
			timer := time.NewTimer(cfg.EnqueueTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		enqueued := time.Now()
		select {
		case active <- struct{}{}:
		case <-r.Context().Done():
			<-waiters
			metrics.QueueDepthSet(int64(len(waiters)))
			WriteError(w, &Error{Status: http.StatusServiceUnavailable, Message: "Request canceled while queued."})
			return
		case <-timeout:
			<-waiters
			metrics.QueueDepthSet(int64(len(waiters)))
			metrics.QueueTimeoutsInc()
			WriteError(w, &Error{Status: http.StatusServiceUnavailable, Message: "Timed out waiting for a worker."})
			return
		}
		<-waiters
		metrics.QueueDepthSet(int64(len(waiters)))

		wait := time.Since(enqueued)
		metrics.QueueWaitObserve(wait)
		if cfg.QueueWaitHeader {
			w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(wait.Milliseconds(), 10))
		}

		defer func() { <-active }()
		next.ServeHTTP(w, r)
	})
}
