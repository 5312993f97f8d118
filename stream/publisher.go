package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jacentio/treeorder/broadcast"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPPublisher forwards events to the relay endpoints of one or more servers.
// A server that fails to accept an event fails the Publish so the stream
// batch is retried.
type HTTPPublisher struct {
	endpoints []string
	client    Doer
}

var _ broadcast.Publisher = (*HTTPPublisher)(nil)

// NewHTTPPublisher posts to each endpoint, e.g. "http://10.0.0.7:8080/api/relay".
// A nil client uses one with a 10s timeout.
func NewHTTPPublisher(client Doer, endpoints ...string) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPublisher{endpoints: endpoints, client: client}
}

// Publish posts ev as JSON to every endpoint.
func (p *HTTPPublisher) Publish(ctx context.Context, ev broadcast.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	for _, url := range p.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("relay to %s: %w", url, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("relay to %s: status %d", url, resp.StatusCode)
		}
	}
	return nil
}
