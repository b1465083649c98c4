package remote

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const DefaultProbeInterval = 15 * time.Second

type StatusReporter interface {
	SetOnline(online bool)
}

// HealthProbe decides whether the server is reachable by polling its health
// endpoint, and reports every result to the connectivity watcher.
type HealthProbe struct {
	client   *http.Client
	url      string
	interval time.Duration
	reporter StatusReporter
}

func NewHealthProbe(baseURL string, interval time.Duration, reporter StatusReporter, client *http.Client) *HealthProbe {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HealthProbe{
		client:   client,
		url:      strings.TrimRight(baseURL, "/") + "/health",
		interval: interval,
		reporter: reporter,
	}
}

// Check reports whether the health endpoint answered with a 2xx.
func (p *HealthProbe) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *HealthProbe) Start(ctx context.Context) {
	go func() {
		log.Printf("[WORKER] Health probe started for %s", p.url)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.reporter.SetOnline(p.Check(ctx))
		for {
			select {
			case <-ticker.C:
				p.reporter.SetOnline(p.Check(ctx))
			case <-ctx.Done():
				log.Println("[WORKER] Health probe shutting down...")
				return
			}
		}
	}()
}
