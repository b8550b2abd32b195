package host

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WithMetricsEndpoint registers a hosted service that serves Prometheus
// metrics on addr until the host shuts down, grounded on the pack's
// promhttp.Handler wiring (kadirpekel-hector's observability package).
func (b *Builder) WithMetricsEndpoint(addr string) *Builder {
	return b.AddHostedService(func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errc:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("host: metrics endpoint: %w", err)
			}
			return nil
		}
	})
}
