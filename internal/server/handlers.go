package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// createExecution launches an agent against an issue.
// POST /issues/:id/executions
func (s *Server) createExecution(c *gin.Context) {
	issueID := c.Param("id")
	var req v1.CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	exec, err := s.coord.CreateExecution(c.Request.Context(), &issueID, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// listExecutions filters by issueId, streamId and status query parameters.
// GET /executions
func (s *Server) listExecutions(c *gin.Context) {
	filter := store.ExecutionFilter{}
	if v := c.Query("issueId"); v != "" {
		filter.IssueID = v
	}
	if v := c.Query("streamId"); v != "" {
		filter.StreamID = v
	}
	if v := c.Query("status"); v != "" {
		filter.Status = v1.ExecutionStatus(v)
	}
	execs, err := s.coord.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// GET /executions/:id
func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.coord.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// POST /executions/:id/cancel
func (s *Server) cancelExecution(c *gin.Context) {
	if err := s.coord.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// POST /executions/:id/follow-up
func (s *Server) createFollowUp(c *gin.Context) {
	var req v1.FollowUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	exec, err := s.coord.CreateFollowUp(c.Request.Context(), c.Param("id"), req.Feedback)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// GET /executions/:id/chain
func (s *Server) executionChain(c *gin.Context) {
	chain, err := s.coord.Chain(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": chain})
}

// sessionRecords replays the coalesced session log. An afterSeq query
// parameter resumes from a known position.
// GET /executions/:id/records
func (s *Server) sessionRecords(c *gin.Context) {
	var afterSeq int64
	if v := c.Query("afterSeq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail(c, apierr.Validation("afterSeq must be an integer"))
			return
		}
		afterSeq = n
	}
	records, lastSeq, err := s.coord.SessionRecords(c.Request.Context(), c.Param("id"), afterSeq)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "last_seq": lastSeq})
}

type promptRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// sendPrompt resumes a waiting persistent session with another turn.
// POST /executions/:id/prompt
func (s *Server) sendPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := s.coord.SendPrompt(c.Param("id"), req.Prompt); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// POST /executions/:id/session/end
func (s *Server) endSession(c *gin.Context) {
	if err := s.coord.EndSession(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GET /executions/:id/sync/preview
func (s *Server) syncPreview(c *gin.Context) {
	preview, err := s.coord.SyncPreview(c.Request.Context(), c.Param("id"), c.Query("target"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// executeSync lands or stages a stream with the strategy from the path.
// POST /executions/:id/sync/:strategy
func (s *Server) executeSync(c *gin.Context) {
	strategy := v1.SyncStrategy(c.Param("strategy"))
	switch strategy {
	case v1.SyncStrategySquash, v1.SyncStrategyPreserve, v1.SyncStrategyStage:
	default:
		fail(c, apierr.Validation("unknown sync strategy %q", strategy))
		return
	}
	var req v1.SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apierr.Validation("invalid request body: %v", err))
			return
		}
	}
	resp, err := s.coord.ExecuteSync(c.Request.Context(), c.Param("id"), strategy, req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /executions/:id/worktree
func (s *Server) worktreeProbe(c *gin.Context) {
	exists, err := s.coord.WorktreeExists(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// DELETE /executions/:id/worktree
func (s *Server) worktreeDelete(c *gin.Context) {
	if err := s.coord.DeleteWorktree(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// createCheckpoint snapshots a finished execution for review.
// POST /executions/:id/checkpoint
func (s *Server) createCheckpoint(c *gin.Context) {
	var req v1.CreateCheckpointRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apierr.Validation("invalid request body: %v", err))
			return
		}
	}
	cp, err := s.review.CreateCheckpoint(c.Request.Context(), c.Param("id"), req.Message, req.AutoEnqueue)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cp)
}

// POST /executions/:id/enqueue
func (s *Server) enqueueExecution(c *gin.Context) {
	var req v1.EnqueueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apierr.Validation("invalid request body: %v", err))
			return
		}
	}
	entry, err := s.coord.EnqueueExecution(c.Request.Context(), c.Param("id"), req.Priority)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// DELETE /executions/:id/queue
func (s *Server) dequeueExecution(c *gin.Context) {
	if err := s.coord.DequeueExecution(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GET /executions/:id/queue/position
func (s *Server) queuePosition(c *gin.Context) {
	pos, err := s.queue.Position(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": pos})
}

// queueStatus reports one target's queue, or every target when none is named.
// GET /queue?target=main
func (s *Server) queueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	if target := c.Query("target"); target != "" {
		status, err := s.queue.Status(ctx, target)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
		return
	}
	targets, err := s.queue.Targets(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]*v1.QueueStatusResponse, 0, len(targets))
	for _, target := range targets {
		status, err := s.queue.Status(ctx, target)
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, status)
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}
