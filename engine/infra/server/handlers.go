package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sagaflow/sagaflow/engine/bus"
	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// -----------------------------------------------------------------------------
// Definitions
// -----------------------------------------------------------------------------

func (s *Server) createWorkflowDefinition(c *gin.Context) {
	var def definition.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		respondProblem(c, &Problem{Status: http.StatusBadRequest, Detail: err.Error()})
		return
	}
	if errs := definition.ValidateWorkflowDefinition(&def); len(errs) > 0 {
		respondProblem(c, &Problem{
			Status: http.StatusBadRequest,
			Detail: "workflow definition is invalid",
			Code:   string(core.CodeInvalidDefinition),
			Extras: errs,
		})
		return
	}
	if err := s.store.WorkflowDefs.Create(c.Request.Context(), &def); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &def)
}

func (s *Server) listWorkflowDefinitions(c *gin.Context) {
	defs, err := s.store.WorkflowDefs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": defs})
}

func (s *Server) getWorkflowDefinition(c *gin.Context) {
	def, err := s.store.WorkflowDefs.Get(c.Request.Context(), c.Param("name"), c.Param("rev"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) createTaskDefinition(c *gin.Context) {
	var def definition.TaskDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		respondProblem(c, &Problem{Status: http.StatusBadRequest, Detail: err.Error()})
		return
	}
	if errs := definition.ValidateTaskDefinition(&def); len(errs) > 0 {
		respondProblem(c, &Problem{
			Status: http.StatusBadRequest,
			Detail: "task definition is invalid",
			Code:   string(core.CodeInvalidDefinition),
			Extras: errs,
		})
		return
	}
	if err := s.store.TaskDefs.Create(c.Request.Context(), &def); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &def)
}

func (s *Server) listTaskDefinitions(c *gin.Context) {
	defs, err := s.store.TaskDefs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": defs})
}

func (s *Server) getTaskDefinition(c *gin.Context) {
	def, err := s.store.TaskDefs.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

type startTransactionRequest struct {
	TransactionID string                  `json:"transactionId" binding:"required"`
	Workflow      *definition.WorkflowRef `json:"workflow"      binding:"required"`
	Input         core.Input              `json:"input"`
}

// startTransaction validates synchronously that the definition exists and
// the id is free, then hands the start to the partition owner via the bus.
func (s *Server) startTransaction(c *gin.Context) {
	var req startTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondProblem(c, &Problem{Status: http.StatusBadRequest, Detail: err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.WorkflowDefs.Get(ctx, req.Workflow.Name, req.Workflow.Rev); err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.store.Transactions.Get(ctx, req.TransactionID); err == nil {
		respondError(c, core.NewErrorf(core.CodeTransactionAlreadyExists,
			"transaction %q already exists", req.TransactionID))
		return
	} else if !core.IsCode(err, core.CodeTransactionNotFound) {
		respondError(c, err)
		return
	}
	if err := s.commands.PublishCommand(ctx, &bus.Command{
		Type:          bus.CommandStartTransaction,
		TransactionID: req.TransactionID,
		Workflow:      req.Workflow,
		Input:         req.Input,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"transactionId": req.TransactionID})
}

func (s *Server) cancelTransaction(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.publishControl(c, bus.CommandCancel, body.Reason)
}

func (s *Server) pauseTransaction(c *gin.Context) {
	s.publishControl(c, bus.CommandPause, "")
}

func (s *Server) resumeTransaction(c *gin.Context) {
	s.publishControl(c, bus.CommandResume, "")
}

func (s *Server) publishControl(c *gin.Context, cmdType bus.CommandType, reason string) {
	ctx := c.Request.Context()
	transactionID := c.Param("id")
	if _, err := s.store.Transactions.Get(ctx, transactionID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.commands.PublishCommand(ctx, &bus.Command{
		Type:          cmdType,
		TransactionID: transactionID,
		Reason:        reason,
	}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"transactionId": transactionID})
}

type workflowView struct {
	*instance.WorkflowInstance
	Tasks []*instance.TaskInstance `json:"tasks"`
}

type transactionView struct {
	*instance.Transaction
	Workflows []*workflowView `json:"workflows"`
}

func (s *Server) getTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	transactionID := c.Param("id")
	txn, err := s.store.Transactions.Get(ctx, transactionID)
	if err != nil {
		respondError(c, err)
		return
	}
	workflows, err := s.store.Workflows.GetByTransactionID(ctx, transactionID)
	if err != nil {
		respondError(c, err)
		return
	}
	view := &transactionView{Transaction: txn}
	for _, wf := range workflows {
		tasks, err := s.store.Tasks.GetAll(ctx, wf.WorkflowID)
		if err != nil {
			respondError(c, err)
			return
		}
		view.Workflows = append(view.Workflows, &workflowView{
			WorkflowInstance: wf,
			Tasks:            tasks,
		})
	}
	c.JSON(http.StatusOK, view)
}
