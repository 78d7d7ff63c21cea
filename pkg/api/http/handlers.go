package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aescanero/alignflow/internal/application/orchestrator"
	"github.com/aescanero/alignflow/internal/application/pipeline"
	"github.com/aescanero/alignflow/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunSubmitRequest represents a run submission request
type RunSubmitRequest struct {
	Reference  string                      `json:"reference" binding:"required"`
	OutputDir  string                      `json:"output_dir"`
	Alignments []pipeline.AlignmentRequest `json:"alignments" binding:"required,min=1"`
}

// RunSubmitResponse represents a run submission response
type RunSubmitResponse struct {
	RunID       string           `json:"run_id"`
	PipelineID  string           `json:"pipeline_id"`
	Status      domain.RunStatus `json:"status"`
	Stages      []string         `json:"stages"`
	SubmittedAt time.Time        `json:"submitted_at"`
}

// RunSummary is the list representation of a run
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Status      domain.RunStatus `json:"status"`
	Failed      []string         `json:"failed,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// handleHealth reports worker pool health. An unhealthy pool answers 503.
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"active_runs": s.runs.ActiveRuns(),
	}

	if s.health != nil {
		pool := s.health.GetStatus()
		body["workers"] = pool
		if !pool.Healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
	}

	c.JSON(status, body)
}

// handleSubmitRun handles run submission
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req RunSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("invalid request", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	report, err := s.runs.SubmitRun(c.Request.Context(), pipeline.Request{
		Reference:  req.Reference,
		OutputDir:  req.OutputDir,
		Alignments: req.Alignments,
	})
	if err != nil {
		s.logger.Warn("failed to submit run", zap.Error(err))
		if errors.Is(err, domain.ErrInvalidPipeline) || errors.Is(err, domain.ErrCycle) {
			abortWithError(c, http.StatusUnprocessableEntity, "INVALID_PIPELINE", err.Error())
			return
		}
		abortWithError(c, http.StatusInternalServerError, "SUBMISSION_FAILED", err.Error())
		return
	}

	stages := make([]string, 0, len(report.Stages))
	for _, st := range report.Stages {
		stages = append(stages, st.StageID)
	}

	c.JSON(http.StatusCreated, RunSubmitResponse{
		RunID:       report.RunID,
		PipelineID:  report.PipelineID,
		Status:      report.Status,
		Stages:      stages,
		SubmittedAt: report.SubmittedAt,
	})
}

// handleListRuns lists runs, most recent first. Supports limit and offset.
func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil || limit < 1 {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "offset must be a non-negative integer")
		return
	}

	reports, err := s.runs.ListRuns(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list runs")
		return
	}

	total := len(reports)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	runs := make([]RunSummary, 0, end-offset)
	for _, r := range reports[offset:end] {
		runs = append(runs, RunSummary{
			RunID:       r.RunID,
			Status:      r.Status,
			Failed:      r.Failed,
			SubmittedAt: r.SubmittedAt,
			CompletedAt: r.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":   runs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetRun returns the live report of a run
func (s *Server) handleGetRun(c *gin.Context) {
	report, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleGetReport returns the final report; 409 while the run is active
func (s *Server) handleGetReport(c *gin.Context) {
	report, ok := s.lookup(c)
	if !ok {
		return
	}

	if !report.Status.IsTerminal() {
		abortWithError(c, http.StatusConflict, "NOT_COMPLETED", "run has not finished")
		return
	}

	c.JSON(http.StatusOK, report)
}

// handleCancelRun handles run cancellation
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	err := s.runs.CancelRun(c.Request.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRunNotFound):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", "run not found")
		return
	case errors.Is(err, orchestrator.ErrRunFinished):
		abortWithError(c, http.StatusConflict, "ALREADY_FINISHED", err.Error())
		return
	default:
		abortWithError(c, http.StatusInternalServerError, "CANCELLATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":       runID,
		"status":       "cancelling",
		"requested_at": time.Now().UTC(),
	})
}

func (s *Server) lookup(c *gin.Context) (*domain.Report, bool) {
	report, err := s.runs.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			abortWithError(c, http.StatusNotFound, "NOT_FOUND", "run not found")
			return nil, false
		}
		s.logger.Error("failed to get report", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to get run")
		return nil, false
	}
	return report, true
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
