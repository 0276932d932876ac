package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks reachability once. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber probes with HEAD requests. Any HTTP response counts as
// reachable: the question is whether the network works, not whether the
// service is healthy.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProber creates a prober for url with a 5s timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url, Timeout: 5 * time.Second, Client: http.DefaultClient}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", p.URL, err)
	}
	resp.Body.Close()
	return nil
}
