package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/relaycore/scheduled/pkg/registry"
	"github.com/relaycore/scheduled/pkg/storage"
)

// errorEnvelope is the stable {"error":{"code","message"}} shape every
// non-2xx response uses.
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondError(c *gin.Context, code int, message string) {
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message
	c.JSON(code, env)
}

// statusForStoreErr maps Schedule Store and Registry errors onto HTTP
// status codes.
func statusForStoreErr(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
