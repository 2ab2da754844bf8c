package telemetry

import (
	"context"
	"crypto/tls"
	"net/http"

	http3 "github.com/quic-go/quic-go/http3"
)

// hardenTLS clones cfg with the floor QUIC requires: TLS 1.3, and the h3 ALPN
// token when the caller configured no ALPN protocols (a non-empty NextProtos
// is kept as given). A nil cfg yields a minimal compliant config (the caller
// still has to provide certificates for a server to come up).
func hardenTLS(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		return &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}}
	}
	c := cfg.Clone()
	if c.MinVersion < tls.VersionTLS13 {
		c.MinVersion = tls.VersionTLS13
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{"h3"}
	}
	return c
}

// StartMetricsHTTP3Server serves the same "/metrics" exposition as
// StartMetricsServer over HTTP/3. It returns a shutdown function; the serve
// loop runs until shutdown and its terminal error is discarded, matching the
// TCP variants.
func StartMetricsHTTP3Server(addr string, tlsCfg *tls.Config, collectors map[string]MetricFunc) (func(ctx context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(collectors))

	srv := &http3.Server{Addr: addr, TLSConfig: hardenTLS(tlsCfg), Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	stop := func(ctx context.Context) error {
		return srv.Close()
	}
	return stop, nil
}
