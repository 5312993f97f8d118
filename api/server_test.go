package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/jacentio/treeorder/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv *api.Server
	hub *broadcast.Hub
}

func newFixture(t *testing.T, cfg api.Config) *fixture {
	t.Helper()
	hub := broadcast.NewHub(broadcast.DefaultConfig(), nil)
	t.Cleanup(hub.Close)
	eng := engine.New(memory.New(), nil, hub, engine.DefaultConfig(), nil)
	return &fixture{srv: api.NewServer(eng, hub, cfg, nil), hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

type itemEnvelope struct {
	Data  *store.Item `json:"data"`
	Error string      `json:"error"`
}

func (f *fixture) create(t *testing.T, name, kind string, parent *int64, pos int) store.Item {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/items", api.CreateRequest{Name: name, Kind: kind, Icon: "folder", ParentID: parent, Position: &pos})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env itemEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NotNil(t, env.Data)
	return *env.Data
}

func names(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var items []store.Item
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Name)
	}
	return out
}

func TestREST_Lifecycle(t *testing.T) {
	f := newFixture(t, api.DefaultConfig())

	a := f.create(t, "A", "file", nil, 0)
	f.create(t, "B", "file", nil, 1)
	c := f.create(t, "C", "file", nil, 2)

	pos := 0
	w := f.do(t, http.MethodPost, "/api/items/move", api.MoveRequest{ItemID: &c.ID, Position: &pos})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"C", "A", "B"}, names(t, f.do(t, http.MethodGet, "/api/items", nil)))

	w = f.do(t, http.MethodDelete, "/api/items/"+itoa(a.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":`+itoa(a.ID)+`}`, w.Body.String())
	assert.Equal(t, []string{"C", "B"}, names(t, f.do(t, http.MethodGet, "/api/items/root", nil)))
}

func TestREST_ListScope(t *testing.T) {
	f := newFixture(t, api.DefaultConfig())
	dir := f.create(t, "dir", "folder", nil, 0)
	f.create(t, "x", "file", &dir.ID, 0)
	f.create(t, "y", "file", &dir.ID, 0)

	assert.Equal(t, []string{"y", "x"}, names(t, f.do(t, http.MethodGet, "/api/items/"+itoa(dir.ID), nil)))
	assert.Equal(t, []string{}, names(t, f.do(t, http.MethodGet, "/api/items/999", nil)))

	w := f.do(t, http.MethodGet, "/api/items/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestREST_ErrorMapping(t *testing.T) {
	f := newFixture(t, api.DefaultConfig())
	dir := f.create(t, "dir", "folder", nil, 0)
	doc := f.create(t, "doc", "file", nil, 1)
	f.create(t, "inner", "file", &dir.ID, 0)
	missing := int64(404)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"create without name", http.MethodPost, "/api/items", api.CreateRequest{Kind: "file", Icon: "code"}, 400, store.CodeValidationError},
		{"create bad kind", http.MethodPost, "/api/items", api.CreateRequest{Name: "x", Kind: "link", Icon: "code"}, 400, store.CodeValidationError},
		{"create bad icon", http.MethodPost, "/api/items", api.CreateRequest{Name: "x", Kind: "file", Icon: "rocket"}, 400, store.CodeValidationError},
		{"create missing parent", http.MethodPost, "/api/items", api.CreateRequest{Name: "x", Kind: "file", Icon: "Code", ParentID: &missing}, 404, store.CodeNotFound},
		{"create into file", http.MethodPost, "/api/items", api.CreateRequest{Name: "x", Kind: "file", Icon: "code", ParentID: &doc.ID}, 400, store.CodeValidationError},
		{"move missing item", http.MethodPost, "/api/items/move", api.MoveRequest{ItemID: &missing}, 404, store.CodeNotFound},
		{"move without id", http.MethodPost, "/api/items/move", api.MoveRequest{}, 400, store.CodeValidationError},
		{"move into file", http.MethodPost, "/api/items/move", api.MoveRequest{ItemID: &dir.ID, TargetParentID: &doc.ID}, 422, store.CodeInvalidTarget},
		{"move into itself", http.MethodPost, "/api/items/move", api.MoveRequest{ItemID: &dir.ID, TargetParentID: &dir.ID}, 422, store.CodeInvalidTarget},
		{"delete non-empty", http.MethodDelete, "/api/items/" + itoa(dir.ID), nil, 409, store.CodeNotEmpty},
		{"delete missing", http.MethodDelete, "/api/items/404", nil, 404, store.CodeNotFound},
		{"delete bad id", http.MethodDelete, "/api/items/x", nil, 400, store.CodeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var env itemEnvelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, tt.code, env.Error)
		})
	}
}

func TestRPC(t *testing.T) {
	f := newFixture(t, api.DefaultConfig())

	rpc := func(event string, data any) *httptest.ResponseRecorder {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		return f.do(t, http.MethodPost, "/api/rpc", api.RPCRequest{Event: event, Data: raw})
	}

	w := rpc(api.EventCreateItem, map[string]any{"name": "D", "kind": "file", "icon": "FileText", "parentId": nil, "position": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created itemEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, store.IconFileText, created.Data.Icon)

	w = rpc(api.EventMoveItem, map[string]any{"itemId": created.Data.ID, "targetParentId": nil, "position": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = rpc(api.EventListAll, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []store.Item `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)

	w = rpc(api.EventDeleteItem, map[string]any{"itemId": created.Data.ID})
	require.Equal(t, http.StatusOK, w.Code)

	w = rpc("renameItem", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/rpc", api.RPCRequest{Event: api.EventMoveItem})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing data")
}

func TestRelay(t *testing.T) {
	disabled := newFixture(t, api.DefaultConfig())
	w := disabled.do(t, http.MethodPost, "/api/relay", broadcast.Deleted(1))
	assert.Equal(t, http.StatusNotFound, w.Code)

	f := newFixture(t, api.Config{Relay: true})
	sub := f.hub.Subscribe()
	defer sub.Close()

	w = f.do(t, http.MethodPost, "/api/relay", broadcast.Deleted(7))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	ev := <-sub.C()
	assert.Equal(t, broadcast.ItemDeleted, ev.Type)
	assert.Equal(t, int64(7), ev.ItemID)
	assert.Equal(t, uint64(1), ev.Seq)

	w = f.do(t, http.MethodPost, "/api/relay", broadcast.Event{Type: "itemRenamed"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/relay", broadcast.Event{Type: broadcast.ItemMoved, ItemID: 3})
	assert.Equal(t, http.StatusBadRequest, w.Code, "move without item")
}

func TestRelay_FromStreamPublisher(t *testing.T) {
	f := newFixture(t, api.Config{Relay: true})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	sub := f.hub.Subscribe()
	defer sub.Close()

	it := store.Item{ID: 9, Name: "relayed", Kind: store.KindFile, Icon: store.IconCode, Position: 0}
	pub := stream.NewHTTPPublisher(nil, ts.URL+"/api/relay")
	require.NoError(t, pub.Publish(context.Background(), broadcast.Created(&it)))

	ev := <-sub.C()
	assert.Equal(t, broadcast.ItemCreated, ev.Type)
	require.NotNil(t, ev.Item)
	assert.Equal(t, "relayed", ev.Item.Name)
	assert.Equal(t, store.IconCode, ev.Item.Icon)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, api.Config{Heartbeat: time.Hour})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	name, data := readEvent(t, reader)
	require.Equal(t, api.EventHello, name)
	assert.JSONEq(t, `{"seq":0}`, data)

	f.create(t, "pushed", "file", nil, 0)

	name, data = readEvent(t, reader)
	require.Equal(t, string(broadcast.ItemCreated), name)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "pushed", ev.Item.Name)
}

// readEvent reads one SSE frame.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
