package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jacentio/treeorder/store"
)

// RPC event names.
const (
	EventMoveItem   = "moveItem"
	EventCreateItem = "createItem"
	EventDeleteItem = "deleteItem"
	EventListAll    = "listAll"
)

// RootScope is the path value that selects the root scope.
const RootScope = "root"

// appendPosition is used when a request omits position. The engine clamps it
// to the end of the scope.
const appendPosition = math.MaxInt32

// MoveRequest is the body of moveItem.
type MoveRequest struct {
	ItemID         *int64 `json:"itemId"`
	TargetParentID *int64 `json:"targetParentId"`
	Position       *int   `json:"position"`
}

// CreateRequest is the body of createItem.
type CreateRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Icon     string `json:"icon"`
	ParentID *int64 `json:"parentId"`
	Position *int   `json:"position"`
}

// DeleteRequest is the body of deleteItem.
type DeleteRequest struct {
	ItemID *int64 `json:"itemId"`
}

// RPCRequest wraps one operation by name.
type RPCRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func positionOr(p *int) int {
	if p == nil {
		return appendPosition
	}
	return *p
}

func (s *Server) doMove(ctx context.Context, req MoveRequest) (*store.Item, error) {
	if req.ItemID == nil {
		return nil, fmt.Errorf("%w: itemId is required", store.ErrValidation)
	}
	return s.eng.Move(ctx, *req.ItemID, req.TargetParentID, positionOr(req.Position))
}

func (s *Server) doCreate(ctx context.Context, req CreateRequest) (*store.Item, error) {
	kind, err := store.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	icon, err := store.ParseIcon(req.Icon)
	if err != nil {
		return nil, err
	}
	d := store.Draft{Name: req.Name, Kind: kind, Icon: icon}
	return s.eng.Create(ctx, d, req.ParentID, positionOr(req.Position))
}

func (s *Server) doDelete(ctx context.Context, req DeleteRequest) (int64, error) {
	if req.ItemID == nil {
		return 0, fmt.Errorf("%w: itemId is required", store.ErrValidation)
	}
	if err := s.eng.Delete(ctx, *req.ItemID); err != nil {
		return 0, err
	}
	return *req.ItemID, nil
}

func (s *Server) doListAll(ctx context.Context) ([]store.Item, error) {
	items, err := s.eng.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Item{}
	}
	return items, nil
}

func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return nil
}

// parseScope reads a parent id path value; "root" selects the root scope.
func parseScope(raw string) (*int64, error) {
	if raw == RootScope {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad parent id %q", store.ErrValidation, raw)
	}
	return &id, nil
}

func (s *Server) listAll(c *gin.Context) {
	items, err := s.doListAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) listScope(c *gin.Context) {
	parent, err := parseScope(c.Param("parentId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	items, err := s.eng.ListScope(c.Request.Context(), parent)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []store.Item{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) createItem(c *gin.Context) {
	var req CreateRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	it, err := s.doCreate(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, it)
}

func (s *Server) moveItem(c *gin.Context) {
	var req MoveRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	it, err := s.doMove(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, it)
}

func (s *Server) deleteItem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: bad item id %q", store.ErrValidation, c.Param("id")))
		return
	}
	deleted, err := s.doDelete(c.Request.Context(), DeleteRequest{ItemID: &id})
	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, deleted)
}

// rpc dispatches an {event, data} envelope.
func (s *Server) rpc(c *gin.Context) {
	var req RPCRequest
	if err := bindJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	decode := func(v any) error {
		if len(req.Data) == 0 {
			return fmt.Errorf("%w: data is required", store.ErrValidation)
		}
		if err := json.Unmarshal(req.Data, v); err != nil {
			return fmt.Errorf("%w: %v", store.ErrValidation, err)
		}
		return nil
	}

	var (
		result any
		err    error
	)
	switch req.Event {
	case EventMoveItem:
		var m MoveRequest
		if err = decode(&m); err == nil {
			result, err = s.doMove(ctx, m)
		}
	case EventCreateItem:
		var cr CreateRequest
		if err = decode(&cr); err == nil {
			result, err = s.doCreate(ctx, cr)
		}
	case EventDeleteItem:
		var d DeleteRequest
		if err = decode(&d); err == nil {
			result, err = s.doDelete(ctx, d)
		}
	case EventListAll:
		result, err = s.doListAll(ctx)
	default:
		err = fmt.Errorf("%w: unknown event %q", store.ErrValidation, req.Event)
	}

	if err != nil {
		s.fail(c, err)
		return
	}
	ok(c, result)
}
