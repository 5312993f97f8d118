package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jacentio/treeorder/broadcast"
	"github.com/jacentio/treeorder/store"
)

// SSE event names besides the broadcast types.
const (
	// EventHello is sent first on every stream and carries the hub's current
	// sequence number.
	EventHello = "hello"

	// EventPing keeps idle connections open.
	EventPing = "ping"
)

// Hello is the payload of the hello event.
type Hello struct {
	Seq uint64 `json:"seq"`
}

// events streams committed mutations until the client goes away.
func (s *Server) events(c *gin.Context) {
	if s.hub == nil {
		s.fail(c, fmt.Errorf("event stream is not configured"))
		return
	}
	sub := s.hub.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(EventHello, Hello{Seq: s.hub.Seq()})
	c.Writer.Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	s.logger.Debug("observer connected", "subscriber", sub.ID)
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.C():
			if !open {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ticker.C:
			c.SSEvent(EventPing, Hello{Seq: s.hub.Seq()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
	s.logger.Debug("observer disconnected", "subscriber", sub.ID, "dropped", sub.Dropped())
}

// relay accepts an event from a stream consumer and publishes it locally.
func (s *Server) relay(c *gin.Context) {
	var ev broadcast.Event
	if err := bindJSON(c, &ev); err != nil {
		s.fail(c, err)
		return
	}
	if !ev.Type.Valid() {
		s.fail(c, fmt.Errorf("%w: unknown event type %q", store.ErrValidation, ev.Type))
		return
	}
	if (ev.Type == broadcast.ItemMoved || ev.Type == broadcast.ItemCreated) && ev.Item == nil {
		s.fail(c, fmt.Errorf("%w: %s requires item", store.ErrValidation, ev.Type))
		return
	}
	if s.hub == nil {
		s.fail(c, fmt.Errorf("event stream is not configured"))
		return
	}
	if err := s.hub.Publish(c.Request.Context(), ev); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
