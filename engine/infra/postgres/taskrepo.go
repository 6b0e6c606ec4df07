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

type TaskRepo struct {
	db DB
}

func NewTaskRepo(db DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func (r *TaskRepo) Create(ctx context.Context, task *instance.TaskInstance) error {
	data, err := marshalEntity(task)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO task_instances
            (task_id, workflow_id, transaction_id, task_reference_name, status, data, start_time)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.TaskID, task.WorkflowID, task.TransactionID,
		task.TaskReferenceName, task.Status, data, task.StartTime)
	if err != nil {
		return storeErr("inserting task instance", err)
	}
	return nil
}

func (r *TaskRepo) Update(ctx context.Context, task *instance.TaskInstance) error {
	data, err := marshalEntity(task)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var current instance.TaskStatus
		err := tx.QueryRow(ctx,
			"SELECT status FROM task_instances WHERE task_id = $1 FOR UPDATE",
			task.TaskID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.NewErrorf(core.CodeTaskNotFound, "task %s not found", task.TaskID)
		}
		if err != nil {
			return storeErr("locking task instance", err)
		}
		// The system-only Scheduled -> Completed restriction is enforced by
		// the state engine, which knows the update provenance; the store
		// guards the table shape only.
		if current != task.Status && !current.CanTransitionTo(task.Status, true) {
			return core.NewErrorf(core.CodeInvalidTransition,
				"task %s cannot transition %s -> %s", task.TaskID, current, task.Status)
		}
		if _, err := tx.Exec(ctx, `
            UPDATE task_instances SET status = $2, data = $3, updated_at = now()
            WHERE task_id = $1`,
			task.TaskID, task.Status, data); err != nil {
			return storeErr("updating task instance", err)
		}
		return nil
	})
}

// Reload atomically replaces the live instance occupying the task's
// taskReferenceName slot within its workflow: the old row goes away and the
// new one takes the slot under a fresh taskId.
func (r *TaskRepo) Reload(ctx context.Context, task *instance.TaskInstance) error {
	data, err := marshalEntity(task)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
            DELETE FROM task_instances
            WHERE workflow_id = $1 AND task_reference_name = $2`,
			task.WorkflowID, task.TaskReferenceName)
		if err != nil {
			return storeErr("clearing task slot", err)
		}
		if tag.RowsAffected() == 0 {
			return core.NewErrorf(core.CodeTaskNotFound,
				"no task instance for reference %q in workflow %s",
				task.TaskReferenceName, task.WorkflowID)
		}
		if _, err := tx.Exec(ctx, `
            INSERT INTO task_instances
                (task_id, workflow_id, transaction_id, task_reference_name, status, data, start_time)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			task.TaskID, task.WorkflowID, task.TransactionID,
			task.TaskReferenceName, task.Status, data, task.StartTime); err != nil {
			return storeErr("inserting reloaded task instance", err)
		}
		return nil
	})
}

func (r *TaskRepo) Get(ctx context.Context, taskID core.ID) (*instance.TaskInstance, error) {
	var row dataRow
	err := pgxscan.Get(ctx, r.db, &row,
		"SELECT data FROM task_instances WHERE task_id = $1", taskID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.CodeTaskNotFound, "task %s not found", taskID)
		}
		return nil, storeErr("selecting task instance", err)
	}
	return unmarshalEntity[instance.TaskInstance](row.Data)
}

func (r *TaskRepo) GetAll(ctx context.Context, workflowID core.ID) ([]*instance.TaskInstance, error) {
	sql, args, err := squirrel.Select("data").
		From("task_instances").
		Where(squirrel.Eq{"workflow_id": workflowID}).
		OrderBy("start_time").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, storeErr("building task query", err)
	}
	var rows []*dataRow
	if err := pgxscan.Select(ctx, r.db, &rows, sql, args...); err != nil {
		return nil, storeErr("selecting task instances", err)
	}
	return unmarshalRows[instance.TaskInstance](rows)
}

func (r *TaskRepo) Delete(ctx context.Context, taskID core.ID) error {
	if _, err := r.db.Exec(ctx,
		"DELETE FROM task_instances WHERE task_id = $1", taskID); err != nil {
		return storeErr("deleting task instance", err)
	}
	return nil
}
