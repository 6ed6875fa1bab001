package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"powerthrough/internal/config"
	"powerthrough/internal/headless"
	applog "powerthrough/internal/log"
	"powerthrough/internal/proxy"
	"powerthrough/internal/rewrite"
	"powerthrough/internal/safezone"
	"powerthrough/internal/target"
)

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	cfg := config.Load()

	target.SetAllowLocal(cfg.AllowLocalTargets)

	cache := proxy.NewResponseCache(cfg.Cache.TTL, cfg.Cache.HighWater, cfg.Cache.LowWater)
	fetcher := proxy.NewFetcher(cfg.FallbackUserAgent)

	var renderer *headless.Renderer
	if cfg.Headless.Enabled {
		renderer = headless.New(
			&headless.RodDriver{},
			cfg.Headless.MaxParallel,
			headless.Options{UserAgent: cfg.Headless.UserAgent, Timeout: cfg.Headless.Timeout},
		)
	}

	pipeline := proxy.NewPipeline(fetcher, cache, renderer)

	mux := newServerMux(pipeline, cache, cfg)

	handler := proxy.WithCORS(applog.WithRequestID(applog.WithRequestLogging(withServerHeader(mux))))

	// Startup summary for observability.
	log.Printf(
		"Listening on %s, cache(ttl=%s,high=%d,low=%d) headless(enabled=%v,max=%d) queue(max=%d,concurrent=%d) tls(enabled=%v)",
		cfg.ListenAddr,
		cfg.Cache.TTL,
		cfg.Cache.HighWater,
		cfg.Cache.LowWater,
		cfg.Headless.Enabled,
		cfg.Headless.MaxParallel,
		cfg.Queue.MaxQueue,
		cfg.Queue.MaxConcurrent,
		cfg.TLS.Enabled,
	)

	if err := startServer(cfg, handler); err != nil {
		log.Fatal(err)
	}
}

// newServerMux assembles all HTTP endpoints.
func newServerMux(pipeline *proxy.Pipeline, cache *proxy.ResponseCache, cfg *config.Config) *http.ServeMux {
	mux := http.NewServeMux()

	// The proxy endpoint sits behind admission control.
	mux.Handle(rewrite.ProxyPath, proxy.WithQueue(cfg.Queue, proxy.NewHandler(pipeline)))

	// Legacy path shape kept as a redirect.
	mux.HandleFunc("GET /proxy/{encoded}", proxy.LegacyRedirectHandler)

	// Multiplexed tunnel.
	mux.Handle("/safezone", safezone.NewServer(pipeline))

	mux.HandleFunc("/health", proxy.HealthHandler)
	mux.HandleFunc("/metrics", proxy.MetricsHandler(cache))
	mux.Handle("/metrics/prometheus", promhttp.Handler())

	return mux
}

// withServerHeader adds a simple Server header to every response.
func withServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "powerthrough/1.0")
		next.ServeHTTP(w, r)
	})
}
