package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/apierr"
	"github.com/sudocode-ai/sudocode/internal/project"
)

// POST /issues
func (s *Server) createIssue(c *gin.Context) {
	var req v1.CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	issue, err := s.proj.CreateIssue(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, issue)
}

// GET /issues
func (s *Server) listIssues(c *gin.Context) {
	issues, err := s.proj.ListIssues()
	if err != nil {
		fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := issues[:0]
		for _, issue := range issues {
			if string(issue.Status) == status {
				filtered = append(filtered, issue)
			}
		}
		issues = filtered
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

// GET /issues/:id
func (s *Server) getIssue(c *gin.Context) {
	issue, err := s.proj.GetIssue(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// PATCH /issues/:id
func (s *Server) updateIssue(c *gin.Context) {
	var req v1.UpdateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	issue, err := s.proj.UpdateIssue(c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// DELETE /issues/:id
func (s *Server) deleteIssue(c *gin.Context) {
	if err := s.proj.DeleteIssue(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type specRequest struct {
	Title    string `json:"title" binding:"required"`
	Content  string `json:"content,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

type specPatch struct {
	Title    *string `json:"title,omitempty"`
	Content  *string `json:"content,omitempty"`
	FilePath *string `json:"file_path,omitempty"`
}

// POST /specs
func (s *Server) createSpec(c *gin.Context) {
	var req specRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	spec, err := s.proj.CreateSpec(req.Title, req.Content, req.FilePath)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, spec)
}

// GET /specs
func (s *Server) listSpecs(c *gin.Context) {
	specs, err := s.proj.ListSpecs()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"specs": specs})
}

// GET /specs/:id
func (s *Server) getSpec(c *gin.Context) {
	spec, err := s.proj.GetSpec(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// PATCH /specs/:id
func (s *Server) updateSpec(c *gin.Context) {
	var req specPatch
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	spec, err := s.proj.UpdateSpec(c.Param("id"), req.Title, req.Content, req.FilePath)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}

// DELETE /specs/:id
func (s *Server) deleteSpec(c *gin.Context) {
	if err := s.proj.DeleteSpec(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// POST /relationships
func (s *Server) addRelationship(c *gin.Context) {
	var rel v1.Relationship
	if err := c.ShouldBindJSON(&rel); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := s.proj.AddRelationship(rel); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rel)
}

// DELETE /relationships
func (s *Server) removeRelationship(c *gin.Context) {
	var rel v1.Relationship
	if err := c.ShouldBindJSON(&rel); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := s.proj.RemoveRelationship(rel); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GET /issues/:id/relationships
func (s *Server) listRelationships(c *gin.Context) {
	rels, err := s.proj.ListRelationships(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels})
}

// POST /feedback
func (s *Server) addFeedback(c *gin.Context) {
	var req v1.AddFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	fb, err := s.proj.AddFeedback(req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, fb)
}

// GET /feedback?to=issue-042
func (s *Server) listFeedback(c *gin.Context) {
	fbs, err := s.proj.ListFeedback(c.Query("to"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": fbs})
}

// POST /feedback/:uuid/dismiss
func (s *Server) dismissFeedback(c *gin.Context) {
	if err := s.proj.DismissFeedback(c.Param("uuid")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// POST /issues/:id/review
func (s *Server) reviewIssue(c *gin.Context) {
	var req v1.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	cp, err := s.review.Review(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// POST /issues/:id/promote
func (s *Server) promoteIssue(c *gin.Context) {
	var req v1.PromoteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, apierr.Validation("invalid request body: %v", err))
			return
		}
	}
	resp, err := s.review.Promote(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GET /issues/:id/checkpoints
func (s *Server) listCheckpoints(c *gin.Context) {
	cps, err := s.review.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

// GET /issues/:id/checkpoint/current
func (s *Server) currentCheckpoint(c *gin.Context) {
	cp, err := s.review.Current(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

type importRequest struct {
	Dir               string `json:"dir" binding:"required"`
	ResolveCollisions bool   `json:"resolve_collisions,omitempty"`
}

// importRecords merges record files from another checkout into the project.
// POST /import
func (s *Server) importRecords(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	result, err := s.proj.Import(req.Dir, project.ImportOptions{ResolveCollisions: req.ResolveCollisions})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type exportRequest struct {
	Dir string `json:"dir" binding:"required"`
}

// POST /export
func (s *Server) exportRecords(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	if err := s.proj.Export(req.Dir); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
