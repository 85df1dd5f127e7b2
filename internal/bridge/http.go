package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ovROG/rusty-bridge/internal/tracking"
	"github.com/ovROG/rusty-bridge/internal/transform"
	"github.com/ovROG/rusty-bridge/internal/vts"
)

// startMetricsServer exposes the bridge's Prometheus collectors on /metrics.
// It returns the address it is listening on.
func startMetricsServer(ctx context.Context, addr string) (string, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(tracking.Collectors()...)
	reg.MustRegister(transform.Collectors()...)
	reg.MustRegister(vts.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return serveUntilContext(ctx, addr, mux)
}

// startStatusServer exposes the client's connection snapshot on /status.
func startStatusServer(ctx context.Context, addr string, client *vts.Client) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(client.Status())
	})
	return serveUntilContext(ctx, addr, mux)
}

// serveUntilContext starts an HTTP server bound to addr and shuts it down
// when ctx is done. It returns the resolved listen address.
func serveUntilContext(ctx context.Context, addr string, handler http.Handler) (string, error) {
	srv := &http.Server{Handler: handler}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return actual, nil
}
