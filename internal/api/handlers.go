package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/nexusflow/nexus/internal/common/errors"
	"github.com/nexusflow/nexus/internal/workflow/engine"
)

func (s *Server) respondError(c *gin.Context, err error) {
	c.JSON(apperrors.HTTPStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflow_types": s.defs.Types()})
}

type createWorkflowRequest struct {
	IssueNumber  string `json:"issue_number" binding:"required"`
	IssueTitle   string `json:"issue_title"`
	ProjectKey   string `json:"project_key" binding:"required"`
	WorkflowType string `json:"workflow_type" binding:"required"`
	TaskType     string `json:"task_type"`
	Description  string `json:"description"`
	Replace      bool   `json:"replace"`
	// NoStart leaves the workflow in created for a later StartWorkflow.
	NoStart bool `json:"no_start"`
}

func (s *Server) handleCreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}

	id, err := s.engine.CreateWorkflowForIssue(c.Request.Context(), engine.CreateRequest{
		IssueNumber:  req.IssueNumber,
		IssueTitle:   req.IssueTitle,
		ProjectKey:   req.ProjectKey,
		WorkflowType: req.WorkflowType,
		TaskType:     req.TaskType,
		Description:  req.Description,
		Replace:      req.Replace,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	started := false
	if !req.NoStart {
		started, err = s.engine.StartWorkflow(c.Request.Context(), id)
		if err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"workflow_id": id, "started": started})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.engine.GetWorkflowStatus(c.Request.Context(), c.Param("issue"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.reconciler.BuildWorkflowSnapshot(c.Request.Context(), c.Param("issue"), s.comments)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type completeRequest struct {
	AgentType string         `json:"agent_type" binding:"required"`
	Outputs   map[string]any `json:"outputs"`
	EventID   string         `json:"event_id"`
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	w, err := s.engine.CompleteStepForIssue(c.Request.Context(), c.Param("issue"), req.AgentType, req.Outputs, req.EventID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if w == nil {
		s.respondError(c, apperrors.NotFound("workflow for issue", c.Param("issue")))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":        w.State,
		"current_step": w.CurrentStep,
	})
}

type approvalRequest struct {
	Approver string `json:"approver" binding:"required"`
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	if err := s.engine.ApproveStep(c.Request.Context(), c.Param("issue"), req.Approver); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

func (s *Server) handleDeny(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	if err := s.engine.DenyStep(c.Request.Context(), c.Param("issue"), req.Approver); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"denied": true})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.engine.PauseWorkflow(c.Request.Context(), c.Param("issue"), req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.engine.ResumeWorkflow(c.Request.Context(), c.Param("issue")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": true})
}

func (s *Server) handleCancel(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if err := s.engine.CancelWorkflow(c.Request.Context(), c.Param("issue"), req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type resetRequest struct {
	AgentType string `json:"agent_type" binding:"required"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.Validation(err.Error()))
		return
	}
	ok, err := s.engine.ResetToAgentForIssue(c.Request.Context(), c.Param("issue"), req.AgentType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		s.respondError(c, apperrors.NotFound("workflow step for agent", req.AgentType))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "agent_type": req.AgentType})
}

type reconcileRequest struct {
	ProjectKey string `json:"project_key"`
}

func (s *Server) handleReconcile(c *gin.Context) {
	var req reconcileRequest
	_ = c.ShouldBindJSON(&req)
	summary, err := s.reconciler.ReconcileIssueFromSignals(c.Request.Context(), c.Param("issue"), req.ProjectKey, s.comments)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleFuseReset(c *gin.Context) {
	s.monitor.Fuses().Reset(c.Param("issue"), c.Param("agent"))
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
