// Package store defines the persistence contracts the state engine
// consumes. Backends are capability sets chosen at startup and bound once;
// the engine never depends on a concrete backend.
package store

import (
	"context"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// TransactionRepo persists transactions keyed by the client-supplied id.
type TransactionRepo interface {
	Create(ctx context.Context, txn *instance.Transaction) error
	Update(ctx context.Context, txn *instance.Transaction) error
	Get(ctx context.Context, transactionID string) (*instance.Transaction, error)
	Delete(ctx context.Context, transactionID string) error
}

// WorkflowRepo persists workflow instances keyed by workflowId.
type WorkflowRepo interface {
	Create(ctx context.Context, wf *instance.WorkflowInstance) error
	Update(ctx context.Context, wf *instance.WorkflowInstance) error
	Get(ctx context.Context, workflowID core.ID) (*instance.WorkflowInstance, error)
	GetByTransactionID(ctx context.Context, transactionID string) ([]*instance.WorkflowInstance, error)
	Delete(ctx context.Context, workflowID core.ID) error
}

// TaskRepo persists task instances keyed by taskId. Reload atomically
// replaces the live instance occupying a taskReferenceName slot within a
// workflow instance: the retries history carries over, the taskId changes,
// and no additional Create is performed.
type TaskRepo interface {
	Create(ctx context.Context, task *instance.TaskInstance) error
	Update(ctx context.Context, task *instance.TaskInstance) error
	Reload(ctx context.Context, task *instance.TaskInstance) error
	Get(ctx context.Context, taskID core.ID) (*instance.TaskInstance, error)
	GetAll(ctx context.Context, workflowID core.ID) ([]*instance.TaskInstance, error)
	Delete(ctx context.Context, taskID core.ID) error
}

// WorkflowDefinitionRepo is the registry of workflow definitions keyed by
// (name, rev).
type WorkflowDefinitionRepo interface {
	Get(ctx context.Context, name, rev string) (*definition.WorkflowDefinition, error)
	List(ctx context.Context) ([]*definition.WorkflowDefinition, error)
	Create(ctx context.Context, def *definition.WorkflowDefinition) error
	Update(ctx context.Context, def *definition.WorkflowDefinition) error
}

// TaskDefinitionRepo is the registry of task definitions keyed by name.
type TaskDefinitionRepo interface {
	Get(ctx context.Context, name string) (*definition.TaskDefinition, error)
	List(ctx context.Context) ([]*definition.TaskDefinition, error)
	Create(ctx context.Context, def *definition.TaskDefinition) error
	Update(ctx context.Context, def *definition.TaskDefinition) error
}

// Store aggregates the repositories of one backend.
type Store struct {
	Transactions TransactionRepo
	Workflows    WorkflowRepo
	Tasks        TaskRepo
	WorkflowDefs WorkflowDefinitionRepo
	TaskDefs     TaskDefinitionRepo
}
