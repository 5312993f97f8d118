// Package client talks to a treed server and keeps a local replica in sync.
//
// A Session owns one event stream connection at a time. On every connect it
// subscribes first, then loads the full listing, so no committed mutation
// falls between the snapshot and the stream. Sequence jumps trigger a reload.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacentio/treeorder/api"
	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/store"
)

// ErrServer is returned for failures the server reports as Internal or
// answers without an error envelope.
var ErrServer = errors.New("treeorder: server error")

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	maxBackoffCap     = 5 * time.Minute
)

// Config holds configuration for a Session.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string

	// MinBackoff is the first reconnect delay.
	// Default: 250ms
	MinBackoff time.Duration

	// MaxBackoff caps the reconnect delay.
	// Default: 10s
	// Max: 5m
	MaxBackoff time.Duration
}

// DefaultConfig returns sensible defaults for the given server.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:    baseURL,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
	}
}

func (c *Config) validate() error {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: bad base url %q", store.ErrValidation, c.BaseURL)
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff > maxBackoffCap {
		c.MaxBackoff = maxBackoffCap
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return nil
}

// Backoff returns the delay before reconnect attempt n (zero-based): min
// doubled n times, capped at max.
func Backoff(n int, min, max time.Duration) time.Duration {
	d := min
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Session is a connection to one server.
type Session struct {
	client Doer
	config Config
	logger *slog.Logger
	mirror *Mirror

	changes   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	resyncs   atomic.Uint64
}

// NewSession creates a session. A nil client uses a plain *http.Client with no
// overall timeout, since the event stream is long-lived.
func NewSession(client Doer, config Config, logger *slog.Logger) (*Session, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client:  client,
		config:  config,
		logger:  logger,
		mirror:  NewMirror(),
		changes: make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}, nil
}

// Mirror returns the replica maintained by Run.
func (s *Session) Mirror() *Mirror { return s.mirror }

// Ready is closed once the first listing has been loaded.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Changes receives a signal after the mirror changes. Signals coalesce.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Resyncs returns how many times the mirror was reloaded because of a gap.
func (s *Session) Resyncs() uint64 { return s.resyncs.Load() }

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Run keeps the mirror in sync until ctx is cancelled, reconnecting with
// capped exponential backoff. It returns nil on cancellation.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := s.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}

		delay := Backoff(attempt, s.config.MinBackoff, s.config.MaxBackoff)
		attempt++
		s.logger.Warn("event stream lost", "error", err, "retryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// follow runs one stream connection. connected reports whether the initial
// sync succeeded.
func (s *Session) follow(ctx context.Context) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/api/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: event stream status %d", ErrServer, resp.StatusCode)
	}

	frames := newFrameReader(resp.Body)
	first, err := frames.next()
	if err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	if first.name != api.EventHello {
		return false, fmt.Errorf("%w: expected %s, got %q", ErrServer, api.EventHello, first.name)
	}
	var hello api.Hello
	if err := json.Unmarshal([]byte(first.data), &hello); err != nil {
		return false, fmt.Errorf("%w: bad hello: %v", ErrServer, err)
	}

	if err := s.resync(ctx, hello.Seq); err != nil {
		return false, err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Debug("event stream connected", "seq", hello.Seq, "items", s.mirror.Len())

	for {
		f, err := frames.next()
		if err != nil {
			return true, err
		}
		if !broadcast.Type(f.name).Valid() {
			continue
		}

		var ev broadcast.Event
		if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
			return true, fmt.Errorf("%w: bad event: %v", ErrServer, err)
		}
		err = s.mirror.Apply(ev)
		switch {
		case err == nil:
			s.notify()
		case errors.Is(err, ErrGap):
			s.logger.Info("resyncing after missed events", "have", s.mirror.Seq(), "got", ev.Seq)
			if err := s.resync(ctx, ev.Seq); err != nil {
				return true, err
			}
			s.resyncs.Add(1)
		default:
			return true, err
		}
	}
}

// resync reloads the mirror from a listing taken after event seq committed.
func (s *Session) resync(ctx context.Context, seq uint64) error {
	items, err := s.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load listing: %w", err)
	}
	s.mirror.Reset(items, seq)
	s.notify()
	return nil
}

// Move relocates an item. Position is clamped by the server.
func (s *Session) Move(ctx context.Context, id int64, target *int64, position int) (*store.Item, error) {
	var it store.Item
	req := api.MoveRequest{ItemID: &id, TargetParentID: target, Position: &position}
	if err := s.call(ctx, api.EventMoveItem, req, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Create adds an item.
func (s *Session) Create(ctx context.Context, req api.CreateRequest) (*store.Item, error) {
	var it store.Item
	if err := s.call(ctx, api.EventCreateItem, req, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// Delete removes an item.
func (s *Session) Delete(ctx context.Context, id int64) error {
	var deleted int64
	return s.call(ctx, api.EventDeleteItem, api.DeleteRequest{ItemID: &id}, &deleted)
}

// ListAll fetches the full forest ordered by (parentId, position).
func (s *Session) ListAll(ctx context.Context) ([]store.Item, error) {
	var items []store.Item
	if err := s.get(ctx, "/api/items", &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ListScope fetches the children of parent. nil is the root scope.
func (s *Session) ListScope(ctx context.Context, parent *int64) ([]store.Item, error) {
	path := "/api/items/" + api.RootScope
	if parent != nil {
		path = "/api/items/" + strconv.FormatInt(*parent, 10)
	}
	var items []store.Item
	if err := s.get(ctx, path, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// envelope is the union of the server's success and failure bodies.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (s *Session) call(ctx context.Context, event string, data, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(api.RPCRequest{Event: event, Data: raw})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/api/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: %s: status %d", ErrServer, event, resp.StatusCode)
	}
	if env.Error != "" || resp.StatusCode >= http.StatusMultipleChoices {
		return wireError(env.Error, env.Message)
	}
	return json.Unmarshal(env.Data, out)
}

func (s *Session) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env)
		return wireError(env.Error, env.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// wireError turns an error envelope back into the matching sentinel.
func wireError(code, message string) error {
	var base error
	switch code {
	case store.CodeNotFound:
		base = store.ErrNotFound
	case store.CodeInvalidTarget:
		base = store.ErrInvalidTarget
	case store.CodeValidationError:
		base = store.ErrValidation
	case store.CodeNotEmpty:
		base = store.ErrNotEmpty
	case store.CodeConcurrencyTimeout:
		base = store.ErrConcurrencyTimeout
	default:
		base = ErrServer
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}
