package module

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether a module's health endpoint responds.
type Prober interface {
	Probe(ctx context.Context, endpoint string) (HealthReport, error)
}

// HTTPProber probes module health endpoints over HTTP with a bounded timeout.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe issues a GET against the endpoint and reports status and latency.
// Any non-2xx response counts as a failed probe.
func (p *HTTPProber) Probe(ctx context.Context, endpoint string) (HealthReport, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return HealthReport{}, fmt.Errorf("invalid health endpoint: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return HealthReport{Latency: latency}, fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthReport{Latency: latency},
			fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}

	return HealthReport{Status: "ok", Latency: latency}, nil
}
