package postgres

import (
	"context"
	"errors"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/sagaflow/sagaflow/engine/core"
	"github.com/sagaflow/sagaflow/engine/instance"
	"github.com/sagaflow/sagaflow/pkg/logger"
)

type TransactionRepo struct {
	db DB
}

func NewTransactionRepo(db DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

func (r *TransactionRepo) Create(ctx context.Context, txn *instance.Transaction) error {
	data, err := marshalEntity(txn)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
        INSERT INTO transactions (transaction_id, status, data, create_time)
        VALUES ($1, $2, $3, $4)`,
		txn.TransactionID, txn.Status, data, txn.CreateTime)
	if err != nil {
		if isUniqueViolation(err) {
			return core.NewErrorf(core.CodeTransactionAlreadyExists,
				"transaction %q already exists", txn.TransactionID)
		}
		return storeErr("inserting transaction", err)
	}
	return nil
}

func (r *TransactionRepo) Update(ctx context.Context, txn *instance.Transaction) error {
	data, err := marshalEntity(txn)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		var current instance.TransactionStatus
		err := tx.QueryRow(ctx,
			"SELECT status FROM transactions WHERE transaction_id = $1 FOR UPDATE",
			txn.TransactionID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return core.NewErrorf(core.CodeTransactionNotFound,
				"transaction %q not found", txn.TransactionID)
		}
		if err != nil {
			return storeErr("locking transaction", err)
		}
		if current != txn.Status && !current.CanTransitionTo(txn.Status) {
			return core.NewErrorf(core.CodeInvalidTransition,
				"transaction %q cannot transition %s -> %s", txn.TransactionID, current, txn.Status)
		}
		if _, err := tx.Exec(ctx, `
            UPDATE transactions SET status = $2, data = $3, updated_at = now()
            WHERE transaction_id = $1`,
			txn.TransactionID, txn.Status, data); err != nil {
			return storeErr("updating transaction", err)
		}
		return nil
	})
}

func (r *TransactionRepo) Get(ctx context.Context, transactionID string) (*instance.Transaction, error) {
	var row dataRow
	err := pgxscan.Get(ctx, r.db, &row,
		"SELECT data FROM transactions WHERE transaction_id = $1", transactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.NewErrorf(core.CodeTransactionNotFound,
				"transaction %q not found", transactionID)
		}
		return nil, storeErr("selecting transaction", err)
	}
	return unmarshalEntity[instance.Transaction](row.Data)
}

func (r *TransactionRepo) Delete(ctx context.Context, transactionID string) error {
	if _, err := r.db.Exec(ctx,
		"DELETE FROM transactions WHERE transaction_id = $1", transactionID); err != nil {
		return storeErr("deleting transaction", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func withTx(ctx context.Context, db DB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return storeErr("beginning transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				logger.FromContext(ctx).Error("rollback after panic failed", "error", rbErr)
			}
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.FromContext(ctx).Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("committing transaction", err)
	}
	return nil
}
