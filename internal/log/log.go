// Package applog provides request/response logging for the proxy, with an
// optional fire-and-forget Loki push configured from configs/config.yaml.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}
)

func initLoki() {
	lokiURL = ""

	cfgFile := ""
	for _, c := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(c); err == nil {
			cfgFile = c
			break
		}
	}
	if cfgFile != "" {
		var cfg struct {
			Logging *struct {
				LokiURL string `yaml:"loki_url"`
			} `yaml:"logging"`
		}
		if b, err := os.ReadFile(cfgFile); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err == nil {
				if cfg.Logging != nil && strings.TrimSpace(cfg.Logging.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Logging.LokiURL)
				}
			}
		}
	}

	// Normalize to full push path if base URL provided
	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

// PushLoki sends a single log line with labels to Loki (no-op if not configured).
func PushLoki(app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" {
		return
	}

	lbls := map[string]string{"app": app}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		lbls[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: lbls, Values: [][2]string{{ts, line}}},
		},
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req) // fire-and-forget
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func logEnabled() bool {
	// In test binaries, the testing package registers these flags.
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

func isScrape(r *http.Request) bool {
	if r.URL != nil && strings.HasPrefix(r.URL.Path, "/metrics") {
		return true
	}
	if strings.Contains(r.Header.Get("User-Agent"), "Prometheus") {
		return true
	}
	return false
}

// loggingResponseWriter captures status and byte count for the RESP line.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithRequestLogging logs a REQ line before and a RESP line after each
// request, mirroring both to Loki. Metrics scrapes are skipped.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isScrape(r) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()

		reqLine := fmt.Sprintf(
			"REQ remote=%s method=%s url=%s proto=%s target=%q render=%q",
			r.RemoteAddr,
			r.Method,
			r.URL.RequestURI(),
			r.Proto,
			r.URL.Query().Get("url"),
			r.URL.Query().Get("render"),
		)
		if logEnabled() {
			log.Print(reqLine)
		}
		PushLoki("powerthrough", map[string]string{
			"method":     r.Method,
			"host":       MustHostname(),
			"request_id": r.Header.Get("X-Request-ID"),
		}, reqLine)

		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		respLine := fmt.Sprintf(
			"RESP status=%d bytes=%d dur=%s x-cache=%q x-renderer=%q",
			status,
			lrw.n,
			time.Since(start).String(),
			lrw.Header().Get("X-Cache"),
			lrw.Header().Get("X-Renderer"),
		)
		if logEnabled() {
			log.Print(respLine)
		}
		PushLoki("powerthrough", map[string]string{
			"method":     r.Method,
			"status":     strconv.Itoa(status),
			"cache":      lrw.Header().Get("X-Cache"),
			"host":       MustHostname(),
			"request_id": r.Header.Get("X-Request-ID"),
		}, respLine)
	})
}

var requestCounter int64

// WithRequestID assigns a unique ID to each request and includes it in the logs.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isScrape(r) {
			next.ServeHTTP(w, r)
			return
		}
		reqID := fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&requestCounter, 1))
		r.Header.Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}
