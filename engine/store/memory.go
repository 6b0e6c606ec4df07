package store

import (
	"context"
	"sync"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
	"github.com/sagaflow/sagaflow/engine/instance"
)

// NewMemoryStore builds the in-memory reference backend. It provides
// read-your-writes within a transaction partition and enforces the
// per-entity status transition tables on Update.
func NewMemoryStore() *Store {
	return &Store{
		Transactions: &memoryTransactionRepo{items: make(map[string]*instance.Transaction)},
		Workflows:    &memoryWorkflowRepo{items: make(map[core.ID]*instance.WorkflowInstance)},
		Tasks:        &memoryTaskRepo{items: make(map[core.ID]*instance.TaskInstance)},
		WorkflowDefs: &memoryWorkflowDefRepo{items: make(map[string]*definition.WorkflowDefinition)},
		TaskDefs:     &memoryTaskDefRepo{items: make(map[string]*definition.TaskDefinition)},
	}
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

type memoryTransactionRepo struct {
	mu    sync.RWMutex
	items map[string]*instance.Transaction
}

func (r *memoryTransactionRepo) Create(_ context.Context, txn *instance.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[txn.TransactionID]; exists {
		return core.NewErrorf(core.CodeTransactionAlreadyExists,
			"transaction %q already exists", txn.TransactionID)
	}
	r.items[txn.TransactionID] = core.DeepCopy(txn)
	return nil
}

func (r *memoryTransactionRepo) Update(_ context.Context, txn *instance.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.items[txn.TransactionID]
	if !exists {
		return core.NewErrorf(core.CodeTransactionNotFound,
			"transaction %q not found", txn.TransactionID)
	}
	if current.Status != txn.Status && !current.Status.CanTransitionTo(txn.Status) {
		return core.NewErrorf(core.CodeInvalidTransition,
			"transaction %q cannot transition %s -> %s", txn.TransactionID, current.Status, txn.Status)
	}
	r.items[txn.TransactionID] = core.DeepCopy(txn)
	return nil
}

func (r *memoryTransactionRepo) Get(_ context.Context, transactionID string) (*instance.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, exists := r.items[transactionID]
	if !exists {
		return nil, core.NewErrorf(core.CodeTransactionNotFound,
			"transaction %q not found", transactionID)
	}
	return core.DeepCopy(txn), nil
}

func (r *memoryTransactionRepo) Delete(_ context.Context, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, transactionID)
	return nil
}

// -----------------------------------------------------------------------------
// Workflow Instances
// -----------------------------------------------------------------------------

type memoryWorkflowRepo struct {
	mu    sync.RWMutex
	items map[core.ID]*instance.WorkflowInstance
}

func (r *memoryWorkflowRepo) Create(_ context.Context, wf *instance.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[wf.WorkflowID] = core.DeepCopy(wf)
	return nil
}

func (r *memoryWorkflowRepo) Update(_ context.Context, wf *instance.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.items[wf.WorkflowID]
	if !exists {
		return core.NewErrorf(core.CodeWorkflowNotFound, "workflow %s not found", wf.WorkflowID)
	}
	if current.Status != wf.Status && !current.Status.CanTransitionTo(wf.Status) {
		return core.NewErrorf(core.CodeInvalidTransition,
			"workflow %s cannot transition %s -> %s", wf.WorkflowID, current.Status, wf.Status)
	}
	r.items[wf.WorkflowID] = core.DeepCopy(wf)
	return nil
}

func (r *memoryWorkflowRepo) Get(_ context.Context, workflowID core.ID) (*instance.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, exists := r.items[workflowID]
	if !exists {
		return nil, core.NewErrorf(core.CodeWorkflowNotFound, "workflow %s not found", workflowID)
	}
	return core.DeepCopy(wf), nil
}

func (r *memoryWorkflowRepo) GetByTransactionID(
	_ context.Context,
	transactionID string,
) ([]*instance.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*instance.WorkflowInstance
	for _, wf := range r.items {
		if wf.TransactionID == transactionID {
			result = append(result, core.DeepCopy(wf))
		}
	}
	return result, nil
}

func (r *memoryWorkflowRepo) Delete(_ context.Context, workflowID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, workflowID)
	return nil
}

// -----------------------------------------------------------------------------
// Task Instances
// -----------------------------------------------------------------------------

type memoryTaskRepo struct {
	mu    sync.RWMutex
	items map[core.ID]*instance.TaskInstance
}

func (r *memoryTaskRepo) Create(_ context.Context, task *instance.TaskInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[task.TaskID] = core.DeepCopy(task)
	return nil
}

func (r *memoryTaskRepo) Update(_ context.Context, task *instance.TaskInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.items[task.TaskID]
	if !exists {
		return core.NewErrorf(core.CodeTaskNotFound, "task %s not found", task.TaskID)
	}
	// The system-only Scheduled -> Completed restriction is enforced by the
	// state engine, which knows the update provenance; the store guards the
	// table shape only.
	if current.Status != task.Status && !current.Status.CanTransitionTo(task.Status, true) {
		return core.NewErrorf(core.CodeInvalidTransition,
			"task %s cannot transition %s -> %s", task.TaskID, current.Status, task.Status)
	}
	r.items[task.TaskID] = core.DeepCopy(task)
	return nil
}

func (r *memoryTaskRepo) Reload(_ context.Context, task *instance.TaskInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var previous *instance.TaskInstance
	for _, existing := range r.items {
		if existing.WorkflowID == task.WorkflowID &&
			existing.TaskReferenceName == task.TaskReferenceName {
			previous = existing
			break
		}
	}
	if previous == nil {
		return core.NewErrorf(core.CodeTaskNotFound,
			"no task instance for reference %q in workflow %s",
			task.TaskReferenceName, task.WorkflowID)
	}
	delete(r.items, previous.TaskID)
	r.items[task.TaskID] = core.DeepCopy(task)
	return nil
}

func (r *memoryTaskRepo) Get(_ context.Context, taskID core.ID) (*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, exists := r.items[taskID]
	if !exists {
		return nil, core.NewErrorf(core.CodeTaskNotFound, "task %s not found", taskID)
	}
	return core.DeepCopy(task), nil
}

func (r *memoryTaskRepo) GetAll(_ context.Context, workflowID core.ID) ([]*instance.TaskInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*instance.TaskInstance
	for _, task := range r.items {
		if task.WorkflowID == workflowID {
			result = append(result, core.DeepCopy(task))
		}
	}
	return result, nil
}

func (r *memoryTaskRepo) Delete(_ context.Context, taskID core.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, taskID)
	return nil
}

// -----------------------------------------------------------------------------
// Definitions
// -----------------------------------------------------------------------------

type memoryWorkflowDefRepo struct {
	mu    sync.RWMutex
	items map[string]*definition.WorkflowDefinition
}

func (r *memoryWorkflowDefRepo) Get(_ context.Context, name, rev string) (*definition.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.items[name+"."+rev]
	if !exists {
		return nil, core.NewErrorf(core.CodeDefinitionNotFound,
			"workflow definition %s.%s not found", name, rev)
	}
	return def.Clone(), nil
}

func (r *memoryWorkflowDefRepo) List(_ context.Context) ([]*definition.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*definition.WorkflowDefinition, 0, len(r.items))
	for _, def := range r.items {
		result = append(result, def.Clone())
	}
	return result, nil
}

func (r *memoryWorkflowDefRepo) Create(_ context.Context, def *definition.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[def.Key()] = def.Clone()
	return nil
}

func (r *memoryWorkflowDefRepo) Update(_ context.Context, def *definition.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[def.Key()] = def.Clone()
	return nil
}

type memoryTaskDefRepo struct {
	mu    sync.RWMutex
	items map[string]*definition.TaskDefinition
}

func (r *memoryTaskDefRepo) Get(_ context.Context, name string) (*definition.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, exists := r.items[name]
	if !exists {
		return nil, core.NewErrorf(core.CodeDefinitionNotFound,
			"task definition %q not found", name)
	}
	return core.DeepCopy(def), nil
}

func (r *memoryTaskDefRepo) List(_ context.Context) ([]*definition.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*definition.TaskDefinition, 0, len(r.items))
	for _, def := range r.items {
		result = append(result, core.DeepCopy(def))
	}
	return result, nil
}

func (r *memoryTaskDefRepo) Create(_ context.Context, def *definition.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[def.Name] = core.DeepCopy(def)
	return nil
}

func (r *memoryTaskDefRepo) Update(_ context.Context, def *definition.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[def.Name] = core.DeepCopy(def)
	return nil
}
