package postgres

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/definition"
)

// WorkflowDefRepo is the workflow definition registry keyed by (name, rev).
// Create and Update are both upserts; definitions are treated as immutable
// content under their composite key.
type WorkflowDefRepo struct {
	db DB
}

func NewWorkflowDefRepo(db DB) *WorkflowDefRepo {
	return &WorkflowDefRepo{db: db}
}

func (r *WorkflowDefRepo) Get(ctx context.Context, name, rev string) (*definition.WorkflowDefinition, error) {
	var row dataRow
	err := pgxscan.Get(ctx, r.db, &row,
		"SELECT data FROM workflow_definitions WHERE name = $1 AND rev = $2", name, rev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.CodeDefinitionNotFound,
				"workflow definition %s.%s not found", name, rev)
		}
		return nil, storeErr("selecting workflow definition", err)
	}
	return unmarshalEntity[definition.WorkflowDefinition](row.Data)
}

func (r *WorkflowDefRepo) List(ctx context.Context) ([]*definition.WorkflowDefinition, error) {
	var rows []*dataRow
	err := pgxscan.Select(ctx, r.db, &rows,
		"SELECT data FROM workflow_definitions ORDER BY name, rev")
	if err != nil {
		return nil, storeErr("listing workflow definitions", err)
	}
	return unmarshalRows[definition.WorkflowDefinition](rows)
}

func (r *WorkflowDefRepo) Create(ctx context.Context, def *definition.WorkflowDefinition) error {
	return r.upsert(ctx, def)
}

func (r *WorkflowDefRepo) Update(ctx context.Context, def *definition.WorkflowDefinition) error {
	return r.upsert(ctx, def)
}

func (r *WorkflowDefRepo) upsert(ctx context.Context, def *definition.WorkflowDefinition) error {
	data, err := marshalEntity(def)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `
        INSERT INTO workflow_definitions (name, rev, data)
        VALUES ($1, $2, $3)
        ON CONFLICT (name, rev) DO UPDATE SET data = $3, updated_at = now()`,
		def.Name, def.Rev, data); err != nil {
		return storeErr("upserting workflow definition", err)
	}
	return nil
}

// TaskDefRepo is the task definition registry keyed by name.
type TaskDefRepo struct {
	db DB
}

func NewTaskDefRepo(db DB) *TaskDefRepo {
	return &TaskDefRepo{db: db}
}

func (r *TaskDefRepo) Get(ctx context.Context, name string) (*definition.TaskDefinition, error) {
	var row dataRow
	err := pgxscan.Get(ctx, r.db, &row,
		"SELECT data FROM task_definitions WHERE name = $1", name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.CodeDefinitionNotFound,
				"task definition %q not found", name)
		}
		return nil, storeErr("selecting task definition", err)
	}
	return unmarshalEntity[definition.TaskDefinition](row.Data)
}

func (r *TaskDefRepo) List(ctx context.Context) ([]*definition.TaskDefinition, error) {
	var rows []*dataRow
	err := pgxscan.Select(ctx, r.db, &rows,
		"SELECT data FROM task_definitions ORDER BY name")
	if err != nil {
		return nil, storeErr("listing task definitions", err)
	}
	return unmarshalRows[definition.TaskDefinition](rows)
}

func (r *TaskDefRepo) Create(ctx context.Context, def *definition.TaskDefinition) error {
	return r.upsert(ctx, def)
}

func (r *TaskDefRepo) Update(ctx context.Context, def *definition.TaskDefinition) error {
	return r.upsert(ctx, def)
}

func (r *TaskDefRepo) upsert(ctx context.Context, def *definition.TaskDefinition) error {
	data, err := marshalEntity(def)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, `
        INSERT INTO task_definitions (name, data)
        VALUES ($1, $2)
        ON CONFLICT (name) DO UPDATE SET data = $2, updated_at = now()`,
		def.Name, data); err != nil {
		return storeErr("upserting task definition", err)
	}
	return nil
}
