package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jacentio/treeorder/store"
)

// statusFor maps a wire error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case store.CodeNotFound:
		return http.StatusNotFound
	case store.CodeValidationError:
		return http.StatusBadRequest
	case store.CodeInvalidTarget:
		return http.StatusUnprocessableEntity
	case store.CodeNotEmpty:
		return http.StatusConflict
	case store.CodeConcurrencyTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorBody is the failure envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// dataBody is the success envelope.
type dataBody struct {
	Data any `json:"data"`
}

func (s *Server) fail(c *gin.Context, err error) {
	code := store.Code(err)
	body := errorBody{Error: code, Message: err.Error()}
	if code == store.CodeInternal {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		body.Message = ""
	}
	c.JSON(statusFor(code), body)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dataBody{Data: data})
}
