package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"slotshare/ledger"
)

const problemTypeBase = "https://slotshare.dev/problems/"

// problem is an RFC 9457 problem details body.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func newProblem(status int, title, detail string) problem {
	slug := strings.ReplaceAll(strings.ToLower(title), " ", "-")
	return problem{Type: problemTypeBase + slug, Title: title, Status: status, Detail: detail}
}

func writeProblem(c *gin.Context, p problem) {
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) badRequest(c *gin.Context, detail string) {
	writeProblem(c, newProblem(http.StatusBadRequest, "Bad Request", detail))
}

// writeError maps a domain error onto a status by its kind. Forbidden
// responses never echo the underlying message.
func (s *Server) writeError(c *gin.Context, err error) {
	switch kind := ledger.KindOf(err); {
	case kind == ledger.ErrValidation:
		writeProblem(c, newProblem(http.StatusUnprocessableEntity, "Validation Failed", err.Error()))
	case kind == ledger.ErrNotFound:
		writeProblem(c, newProblem(http.StatusNotFound, "Not Found", err.Error()))
	case kind == ledger.ErrForbidden:
		writeProblem(c, newProblem(http.StatusForbidden, "Forbidden", "you are not permitted to perform this action"))
	case kind == ledger.ErrConflict:
		writeProblem(c, newProblem(http.StatusConflict, "Conflict", err.Error()))
	case kind == ledger.ErrUnavailable || kind == ledger.ErrTransient:
		s.logger.Warn("request abandoned after retries", zap.String("path", c.Request.URL.Path), zap.Error(err))
		c.Header("Retry-After", "1")
		writeProblem(c, newProblem(http.StatusServiceUnavailable, "Service Unavailable", "please retry shortly"))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeProblem(c, newProblem(http.StatusServiceUnavailable, "Service Unavailable", "request did not complete in time"))
	default:
		s.logger.Error("unexpected error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeProblem(c, newProblem(http.StatusInternalServerError, "Internal Server Error", ""))
	}
}
