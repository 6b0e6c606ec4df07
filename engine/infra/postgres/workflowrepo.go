package postgres

import (
	"context"
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/instance"
)

type WorkflowRepo struct {
	db DB
}

func NewWorkflowRepo(db DB) *WorkflowRepo {
	return &WorkflowRepo{db: db}
}

func (r *WorkflowRepo) Create(ctx context.Context, wf *instance.WorkflowInstance) error {
	data, err := marshalEntity(wf)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO workflow_instances (workflow_id, transaction_id, status, data, create_time)
        VALUES ($1, $2, $3, $4, $5)`,
		wf.WorkflowID, wf.TransactionID, wf.Status, data, wf.CreateTime)
	if err != nil {
		return storeErr("inserting workflow instance", err)
	}
	return nil
}

func (r *WorkflowRepo) Update(ctx context.Context, wf *instance.WorkflowInstance) error {
	data, err := marshalEntity(wf)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var current instance.WorkflowStatus
		err := tx.QueryRow(ctx,
			"SELECT status FROM workflow_instances WHERE workflow_id = $1 FOR UPDATE",
			wf.WorkflowID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.NewErrorf(core.CodeWorkflowNotFound, "workflow %s not found", wf.WorkflowID)
		}
		if err != nil {
			return storeErr("locking workflow instance", err)
		}
		if current != wf.Status && !current.CanTransitionTo(wf.Status) {
			return core.NewErrorf(core.CodeInvalidTransition,
				"workflow %s cannot transition %s -> %s", wf.WorkflowID, current, wf.Status)
		}
		if _, err := tx.Exec(ctx, `
            UPDATE workflow_instances SET status = $2, data = $3, updated_at = now()
            WHERE workflow_id = $1`,
			wf.WorkflowID, wf.Status, data); err != nil {
			return storeErr("updating workflow instance", err)
		}
		return nil
	})
}

func (r *WorkflowRepo) Get(ctx context.Context, workflowID core.ID) (*instance.WorkflowInstance, error) {
	var row dataRow
	err := pgxscan.Get(ctx, r.db, &row,
		"SELECT data FROM workflow_instances WHERE workflow_id = $1", workflowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.CodeWorkflowNotFound, "workflow %s not found", workflowID)
		}
		return nil, storeErr("selecting workflow instance", err)
	}
	return unmarshalEntity[instance.WorkflowInstance](row.Data)
}

func (r *WorkflowRepo) GetByTransactionID(
	ctx context.Context,
	transactionID string,
) ([]*instance.WorkflowInstance, error) {
	sql, args, err := squirrel.Select("data").
		From("workflow_instances").
		Where(squirrel.Eq{"transaction_id": transactionID}).
		OrderBy("create_time").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, storeErr("building workflow query", err)
	}
	var rows []*dataRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, storeErr("selecting workflow instances", err)
	}
	return unmarshalRows[instance.WorkflowInstance](rows)
}

func (r *WorkflowRepo) Delete(ctx context.Context, workflowID core.ID) error {
	if _, err := r.db.Exec(ctx,
		"DELETE FROM workflow_instances WHERE workflow_id = $1", workflowID); err != nil {
		return storeErr("deleting workflow instance", err)
	}
	return nil
}
