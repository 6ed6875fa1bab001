package proxy

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"powerthrough/internal/metrics"
	"powerthrough/internal/rewrite"
)

// Handler is the HTTP face of the pipeline, serving /powerthrough.
type Handler struct {
	pipeline *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	hint := r.URL.Query().Get("render")
	if hint == "" {
		hint = r.Header.Get("X-Powerthrough-Render")
	}

	res, err := h.pipeline.Handle(r.Context(), raw, r.Method, r.Header, r.Body, hint)
	if err != nil {
		WriteError(w, err)
		return
	}

	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.Status)

	if res.Stream != nil {
		defer res.Stream.Close()
		if _, err := io.Copy(flushingWriter(w), res.Stream); err != nil {
			// Headers are gone; nothing left to do but drop the connection.
			log.Printf("stream copy aborted: %v", err)
		}
		return
	}
	if r.Method != http.MethodHead {
		w.Write(res.Body)
	}
}

// flushingWriter pushes streamed chunks to the client as they arrive.
func flushingWriter(w http.ResponseWriter) io.Writer {
	f, ok := w.(http.Flusher)
	if !ok {
		return w
	}
	return writerFunc(func(p []byte) (int, error) {
		n, err := w.Write(p)
		if err == nil {
			f.Flush()
		}
		return n, err
	})
}

type writerFunc func([]byte) (int, error)

func (fn writerFunc) Write(p []byte) (int, error) { return fn(p) }

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteError renders any pipeline failure as the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	perr := AsError(err)
	writeJSON(w, perr.Status, errorBody{Error: perr.Message, Details: perr.Details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HealthHandler answers liveness probes.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// MetricsHandler serves the JSON counter snapshot plus live cache state.
func MetricsHandler(cache *ResponseCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := struct {
			metrics.Snapshot
			CacheSize    int   `json:"cacheSize"`
			CacheTTLMs   int64 `json:"cacheTtlMs"`
			CacheEnabled bool  `json:"cacheEnabled"`
		}{
			Snapshot:     metrics.Read(),
			CacheSize:    cache.Size(),
			CacheTTLMs:   cache.TTL().Milliseconds(),
			CacheEnabled: cache.Enabled(),
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// LegacyRedirectHandler serves the old /proxy/{encoded} shape with a 302
// to the canonical /powerthrough form. Register under "GET /proxy/{encoded}".
func LegacyRedirectHandler(w http.ResponseWriter, r *http.Request) {
	encoded := r.PathValue("encoded")
	if encoded == "" {
		WriteError(w, &Error{Status: http.StatusBadRequest, Message: "Missing encoded target URL."})
		return
	}
	decoded, err := url.PathUnescape(encoded)
	if err != nil || decoded == "" {
		WriteError(w, &Error{Status: http.StatusBadRequest, Message: "Malformed encoded target URL."})
		return
	}
	http.Redirect(w, r, rewrite.ProxyURL(decoded), http.StatusFound)
}

// WithCORS opens the endpoint to any browser origin. The proxy is meant to
// be embedded from arbitrary pages, so the policy is deliberately wide.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Powerthrough-Render")
		h.Set("Access-Control-Expose-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
