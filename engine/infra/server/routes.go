package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fmtd/fmtd/engine/core"
	"github.com/fmtd/fmtd/engine/dispatch"
	"github.com/fmtd/fmtd/engine/executor"
	"github.com/fmtd/fmtd/engine/format"
	"github.com/fmtd/fmtd/engine/infra/server/router"
)

// formatRequest is the wire shape shared by the sync and async endpoints.
type formatRequest struct {
	Content   string            `json:"content,omitempty"`
	Filename  string            `json:"filename,omitempty"`
	Language  string            `json:"language,omitempty"`
	ProfileID string            `json:"profile_id,omitempty"`
	Repo      *executor.RepoRef `json:"repo,omitempty"`
}

func (r *formatRequest) toService() *format.Request {
	return &format.Request{
		Content:   []byte(r.Content),
		Filename:  r.Filename,
		Language:  r.Language,
		ProfileID: r.ProfileID,
		Repo:      r.Repo,
	}
}

type formatResponse struct {
	Key        core.Key `json:"key"`
	Output     string   `json:"output"`
	Stderr     string   `json:"stderr,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func newFormatResponse(result *core.ExecutionResult) *formatResponse {
	return &formatResponse{
		Key:        result.Key,
		Output:     string(result.Output),
		Stderr:     result.Stderr,
		DurationMS: result.Duration.Milliseconds(),
	}
}

// jobStatusResponse is a job snapshot with the output inlined once available.
type jobStatusResponse struct {
	dispatch.View
	Result *formatResponse `json:"result,omitempty"`
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.healthHandler)
	api := engine.Group("/api/v0")
	api.Use(BodySizeLimiter(s.cfg.Server.MaxBodyBytes))
	api.POST("/format", s.formatHandler)
	api.POST("/jobs", s.submitHandler)
	api.GET("/jobs/:id", s.statusHandler)
	api.DELETE("/jobs/:id", s.cancelHandler)
	api.GET("/profiles", s.profilesHandler)
}

// formatHandler runs a formatting request synchronously and returns the
// normalized output in the response body.
func (s *Server) formatHandler(c *gin.Context) {
	req, ok := bindFormatRequest(c)
	if !ok {
		return
	}
	result, err := s.svc.Format(c.Request.Context(), req.toService())
	if err != nil {
		router.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newFormatResponse(result))
}

// submitHandler admits a job and returns immediately with its identity.
func (s *Server) submitHandler(c *gin.Context) {
	req, ok := bindFormatRequest(c)
	if !ok {
		return
	}
	view, err := s.svc.Submit(c.Request.Context(), req.toService())
	if err != nil {
		router.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// statusHandler reports a job's current state. With ?wait=true it blocks
// until the job reaches a terminal state or the request is cancelled. The
// output of a succeeded job is inlined into the response either way; a failed
// job's error travels inside the snapshot, not as a problem response.
func (s *Server) statusHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := core.Key(c.Param("id"))
	var result *core.ExecutionResult
	if strings.EqualFold(c.Query("wait"), "true") {
		awaited, err := s.svc.Result(ctx, id)
		if err != nil && (core.IsCode(err, core.CodeJobNotFound) || ctx.Err() != nil) {
			router.RespondError(c, err)
			return
		}
		result = awaited
	}
	view, err := s.svc.Status(id)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	if result == nil && view.Status == core.StatusSucceeded {
		result, _ = s.svc.Result(ctx, id)
	}
	c.JSON(http.StatusOK, jobStatusResponse{View: view, Result: maybeFormatResponse(result)})
}

// cancelHandler cancels a queued or running job. Cancelling an already
// terminal job is a no-op.
func (s *Server) cancelHandler(c *gin.Context) {
	id := core.Key(c.Param("id"))
	if err := s.svc.Cancel(id); err != nil {
		router.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// profilesHandler lists the validated formatter capability table.
func (s *Server) profilesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": s.svc.Profiles()})
}

func (s *Server) healthHandler(c *gin.Context) {
	queued, running := s.svc.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"queued":  queued,
		"running": running,
	})
}

func bindFormatRequest(c *gin.Context) (*formatRequest, bool) {
	var req formatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			router.RespondProblemWithCode(
				c,
				http.StatusRequestEntityTooLarge,
				core.CodeInvalidArgument,
				"request body exceeds the configured size limit",
			)
			return nil, false
		}
		router.RespondProblemWithCode(
			c,
			http.StatusBadRequest,
			core.CodeInvalidArgument,
			"invalid request body: "+err.Error(),
		)
		return nil, false
	}
	return &req, true
}

func maybeFormatResponse(result *core.ExecutionResult) *formatResponse {
	if result == nil {
		return nil
	}
	return newFormatResponse(result)
}
