// Package origin is a small demo site used to exercise the proxy locally:
// an HTML page full of relative links, a stylesheet with url() references,
// a slow endpoint and a tiny JSON API.
package origin

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

const indexPage = `<!doctype html>
<html>
<head>
  <title>Powerthrough demo origin</title>
  <link rel="stylesheet" href="/style.css">
  <script src="assets/app.js"></script>
</head>
<body>
  <h1>Demo origin</h1>
  <img src="/logo.png" srcset="/logo.png 1x, /logo@2x.png 2x" alt="logo">
  <p><a href="/page/two">relative link</a></p>
  <p><a href="https://example.com/external">absolute link</a></p>
  <p><a href="mailto:team@example.com">contact</a></p>
  <form method="get">
    <input name="q"><button>search</button>
  </form>
  <iframe src="/embed"></iframe>
</body>
</html>`

const styleSheet = `body {
  background: url(/bg.png) no-repeat;
  font-family: sans-serif;
}
h1::before {
  content: "";
  background-image: url("../icons/star.svg");
}
.inline {
  background: url(data:image/gif;base64,R0lGOD);
}`

// Start boots the demo origin on the provided address.
func Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// Handler returns the demo origin's routes.
func Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// Headers the proxy is expected to strip.
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		fmt.Fprint(w, indexPage)
	})

	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprint(w, styleSheet)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Slow endpoint to observe timeouts and cache impact.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		delay := 2 * time.Second
		if v := r.URL.Query().Get("ms"); v != "" {
			if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"endpoint": "slow",
			"delayMs":  delay.Milliseconds(),
			"now":      time.Now().Format(time.RFC3339Nano),
		})
	})

	// Tiny JSON echo API for non-GET traffic through the proxy.
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("REQ method=%s url=%s", r.Method, r.URL.Path)
		var body any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"method": r.Method,
			"path":   r.URL.RequestURI(),
			"body":   body,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
