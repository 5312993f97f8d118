package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/treeorder/api"
	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/engine"
	"github.com/jacentio/treeorder/store"
	"github.com/jacentio/treeorder/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n, 100*time.Millisecond, time.Second); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	c := Config{BaseURL: "http://localhost:8080/", MaxBackoff: time.Hour}
	require.NoError(t, c.validate())
	if c.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
	if c.MinBackoff != defaultMinBackoff {
		t.Errorf("MinBackoff = %v, want %v", c.MinBackoff, defaultMinBackoff)
	}
	if c.MaxBackoff != maxBackoffCap {
		t.Errorf("MaxBackoff = %v, want %v", c.MaxBackoff, maxBackoffCap)
	}

	bad := Config{BaseURL: "localhost"}
	require.ErrorIs(t, bad.validate(), store.ErrValidation)
}

type liveServer struct {
	eng *engine.Engine
	url string
}

func startServer(t *testing.T) *liveServer {
	t.Helper()
	hub := broadcast.NewHub(broadcast.DefaultConfig(), nil)
	eng := engine.New(memory.New(), nil, hub, engine.DefaultConfig(), nil)
	ts := httptest.NewServer(api.NewServer(eng, hub, api.DefaultConfig(), nil).Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return &liveServer{eng: eng, url: ts.URL}
}

// runSession starts Run and stops it when the test ends.
func runSession(t *testing.T, url string) *Session {
	t.Helper()
	s, err := NewSession(nil, DefaultConfig(url), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("session never became ready")
	}
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestSession_FollowsServer(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	pre, err := srv.eng.Create(ctx, store.Draft{Name: "existing", Kind: store.KindFolder, Icon: store.IconFolder}, nil, 0)
	require.NoError(t, err)

	s := runSession(t, srv.url)
	assert.Equal(t, []string{"root/0:existing"}, layout(s.Mirror().Items()))

	pos := 0
	a, err := s.Create(ctx, api.CreateRequest{Name: "a", Kind: "file", Icon: "FileText", Position: &pos})
	require.NoError(t, err)
	b, err := s.Create(ctx, api.CreateRequest{Name: "b", Kind: "file", Icon: "code", ParentID: &pre.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Position)

	_, err = s.Move(ctx, a.ID, &pre.ID, 0)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, b.ID))

	want, err := srv.eng.ListAll(ctx)
	require.NoError(t, err)
	eventually(t, func() bool { return s.Mirror().Seq() == 5 })
	assert.Equal(t, layout(want), layout(s.Mirror().Items()))
	assert.Equal(t, []string{"root/0:existing", fmt.Sprintf("%d/0:a", pre.ID)}, layout(s.Mirror().Items()))

	scope, err := s.ListScope(ctx, &pre.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("%d/0:a", pre.ID)}, layout(scope))
	root, err := s.ListScope(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, root, 1)
	assert.Zero(t, s.Resyncs())
}

func TestSession_Errors(t *testing.T) {
	srv := startServer(t)
	s, err := NewSession(nil, DefaultConfig(srv.url), nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Move(ctx, 42, nil, 0)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, 42), store.ErrNotFound)

	_, err = s.Create(ctx, api.CreateRequest{Name: " ", Kind: "file", Icon: "code"})
	require.ErrorIs(t, err, store.ErrValidation)

	doc, err := s.Create(ctx, api.CreateRequest{Name: "doc", Kind: "file", Icon: "code"})
	require.NoError(t, err)
	_, err = s.Create(ctx, api.CreateRequest{Name: "child", Kind: "file", Icon: "code", ParentID: &doc.ID})
	require.ErrorIs(t, err, store.ErrValidation)

	dir, err := s.Create(ctx, api.CreateRequest{Name: "dir", Kind: "folder", Icon: "folder"})
	require.NoError(t, err)
	_, err = s.Move(ctx, doc.ID, &dir.ID, 0)
	require.NoError(t, err)
	require.ErrorIs(t, s.Delete(ctx, dir.ID), store.ErrNotEmpty)
}

// gapServer streams a scripted sequence that skips seq 2.
func gapServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var listings atomic.Int32

	full := []store.Item{
		item(1, "one", store.KindFile, nil, 0),
		item(2, "two", store.KindFile, nil, 1),
		item(3, "three", store.KindFile, nil, 2),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		items := []store.Item{}
		if listings.Add(1) > 1 {
			items = full
		}
		assert.NoError(t, json.NewEncoder(w).Encode(items))
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		write := func(name string, v any) {
			data, err := json.Marshal(v)
			assert.NoError(t, err)
			fmt.Fprintf(w, "event:%s\ndata:%s\n\n", name, data)
		}
		write(api.EventHello, api.Hello{Seq: 0})
		write(string(broadcast.ItemCreated), at(broadcast.Created(&full[0]), 1))
		fmt.Fprint(w, ": comment\n\n")
		write(api.EventPing, api.Hello{Seq: 1})
		write(string(broadcast.ItemCreated), at(broadcast.Created(&full[2]), 3))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &listings
}

func TestSession_ResyncsOnGap(t *testing.T) {
	ts, listings := gapServer(t)
	s := runSession(t, ts.URL)

	eventually(t, func() bool { return s.Resyncs() == 1 })
	assert.Equal(t, int32(2), listings.Load())
	assert.Equal(t, uint64(3), s.Mirror().Seq())
	assert.Equal(t, []string{"root/0:one", "root/1:two", "root/2:three"}, layout(s.Mirror().Items()))
}

func TestSession_Reconnects(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "event:hello\ndata:{\"seq\":5}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	config := DefaultConfig(ts.URL)
	config.MinBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	s, err := NewSession(nil, config, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("session never connected")
	}
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, uint64(5), s.Mirror().Seq())

	cancel()
	require.NoError(t, <-done)
}
