package postgres

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sagaflow/sagaflow/engine/core"
)

// dataRow scans the jsonb entity column.
type dataRow struct {
	Data []byte `db:"data"`
}

func marshalEntity(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, core.NewError(core.CodeSerializationError, "marshaling entity").WithCause(err)
	}
	return raw, nil
}

func unmarshalEntity[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, core.NewError(core.CodeSerializationError, "unmarshaling entity").WithCause(err)
	}
	return &v, nil
}

func unmarshalRows[T any](rows []*dataRow) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		v, err := unmarshalEntity[T](row.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func storeErr(op string, err error) error {
	return core.NewErrorf(core.CodeStoreUnavailable, "postgres: %s", op).WithCause(err)
}
