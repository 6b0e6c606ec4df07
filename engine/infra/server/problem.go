package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
	Extras any    `json:"errors,omitempty"`
}

func respondProblem(c *gin.Context, problem *Problem) {
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	log := logger.FromContext(c.Request.Context())
	fields := []any{
		"status", problem.Status,
		"detail", problem.Detail,
		"path", c.Request.URL.Path,
	}
	if problem.Code != "" {
		fields = append(fields, "code", problem.Code)
	}
	if problem.Status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Warn("request failed", fields...)
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// respondError maps domain error codes onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch core.CodeOf(err) {
	case core.CodeInvalidDefinition:
		status = http.StatusBadRequest
	case core.CodeTransactionNotFound, core.CodeWorkflowNotFound,
		core.CodeTaskNotFound, core.CodeDefinitionNotFound:
		status = http.StatusNotFound
	case core.CodeTransactionAlreadyExists:
		status = http.StatusConflict
	case core.CodeInvalidTransition:
		status = http.StatusConflict
	case core.CodeStoreUnavailable, core.CodeBusUnavailable:
		status = http.StatusServiceUnavailable
	}
	respondProblem(c, &Problem{
		Status: status,
		Detail: err.Error(),
		Code:   string(core.CodeOf(err)),
	})
}
