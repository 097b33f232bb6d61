package connectivity

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// Prober polls the backend health endpoint and feeds State. Any answer below
// 500 counts as reachable; transport errors and 5xx count as offline.
type Prober struct {
	url        string
	state      *State
	httpClient *http.Client
	interval   time.Duration
	logger     *logging.Logger
}

func NewProber(healthURL string, state *State, logger *logging.Logger) *Prober {
	if state == nil {
		panic("connectivity: state required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Prober{
		url:        healthURL,
		state:      state,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		interval:   15 * time.Second,
		logger:     logger,
	}
}

func (p *Prober) WithInterval(d time.Duration) *Prober {
	if d > 0 {
		p.interval = d
	}
	return p
}

func (p *Prober) WithTimeout(d time.Duration) *Prober {
	if d > 0 {
		p.httpClient = &http.Client{Timeout: d}
	}
	return p
}

func (p *Prober) WithHTTPClient(c *http.Client) *Prober {
	if c != nil {
		p.httpClient = c
	}
	return p
}

// Run probes immediately and then on every tick until ctx ends.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe, updates State, and returns the result.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	if ctx.Err() != nil {
		return p.state.Online()
	}
	if p.state.Set(online) {
		p.logger.Info("connectivity changed", "online", online, "health_url", p.url)
	}
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error("build health probe failed", "error", err, "health_url", p.url)
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode < http.StatusInternalServerError
}
