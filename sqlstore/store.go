package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/crudkit/crudkit/crud"
	"github.com/crudkit/crudkit/httpx"
)

// Store persists model values of type M in a SQL database.
type Store[M any] struct {
	db    *sql.DB
	h     *helper
	model reflect.Type
}

// New reflects M and returns a Store bound to db.
func New[M any](db *sql.DB, dialect Dialect) (*Store[M], error) {
	var m M
	model := reflect.TypeOf(m)
	h, err := newHelper(model, dialect)
	if err != nil {
		return nil, err
	}
	return &Store[M]{db: db, h: h, model: model}, nil
}

// Table returns the derived table name.
func (s *Store[M]) Table() string {
	return s.h.table
}

// CreateTable creates the backing table if it does not exist.
func (s *Store[M]) CreateTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.h.queryCreateTable); err != nil {
		return fmt.Errorf("sqlstore: create table %s: %w", s.h.table, err)
	}
	return nil
}

// DropTable drops the backing table.
func (s *Store[M]) DropTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.h.queryDropTable); err != nil {
		return fmt.Errorf("sqlstore: drop table %s: %w", s.h.table, err)
	}
	return nil
}

// List returns one page of rows plus the unpaged total.
func (s *Store[M]) List(ctx context.Context, params crud.ListParams) ([]M, int, error) {
	where, args, err := s.buildWhere(params.Filters)
	if err != nil {
		return nil, 0, err
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", s.h.table, where)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: count %s: %w", s.h.table, err)
	}

	orderCol := s.h.pk.name
	if params.OrderBy != "" {
		col, ok := s.h.byField[params.OrderBy]
		if !ok {
			return nil, 0, fmt.Errorf("%w: unknown order field %q", httpx.ErrValidation, params.OrderBy)
		}
		orderCol = col.name
	}
	dir := "ASC"
	if params.OrderDesc {
		dir = "DESC"
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s",
		s.h.selectList, s.h.table, where, orderCol, dir)
	if params.PerPage > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.PerPage, params.Offset())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: list %s: %w", s.h.table, err)
	}
	defer rows.Close()

	var items []M
	for rows.Next() {
		item, err := s.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: list %s: %w", s.h.table, err)
	}
	return items, total, nil
}

// Get fetches one row by primary key.
func (s *Store[M]) Get(ctx context.Context, id int64) (M, error) {
	row := s.db.QueryRowContext(ctx, s.h.querySelectByID, id)
	item, err := s.scanRow(row)
	if err != nil {
		var zero M
		if errors.Is(err, sql.ErrNoRows) {
			return zero, fmt.Errorf("sqlstore: %s id %d: %w", s.h.table, id, httpx.ErrNotFound)
		}
		return zero, err
	}
	return item, nil
}

// Create inserts a new row and returns it as persisted, with the assigned
// primary key and database-filled defaults.
func (s *Store[M]) Create(ctx context.Context, model M) (M, error) {
	var zero M
	args := s.writeArgs(model)

	var id int64
	if s.h.dialect == Postgres {
		if err := s.db.QueryRowContext(ctx, s.h.queryInsert, args...).Scan(&id); err != nil {
			return zero, s.wrapWriteError("insert", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, s.h.queryInsert, args...)
		if err != nil {
			return zero, s.wrapWriteError("insert", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return zero, fmt.Errorf("sqlstore: insert %s: %w", s.h.table, err)
		}
	}
	return s.Get(ctx, id)
}

// Update rewrites the non-auto columns of the row at id and returns the row
// as persisted. The primary key is never modified.
func (s *Store[M]) Update(ctx context.Context, id int64, model M) (M, error) {
	var zero M
	args := append(s.writeArgs(model), id)
	res, err := s.db.ExecContext(ctx, s.h.queryUpdateByID, args...)
	if err != nil {
		return zero, s.wrapWriteError("update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return zero, fmt.Errorf("sqlstore: update %s: %w", s.h.table, err)
	}
	if affected == 0 {
		return zero, fmt.Errorf("sqlstore: %s id %d: %w", s.h.table, id, httpx.ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Delete removes the row at id.
func (s *Store[M]) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.h.queryDeleteByID, id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", s.h.table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: delete %s: %w", s.h.table, err)
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: %s id %d: %w", s.h.table, id, httpx.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store[M]) scanRow(row scanner) (M, error) {
	var item M
	v := reflect.ValueOf(&item).Elem()
	dests := make([]any, 0, len(s.h.cols)+1)
	dests = append(dests, v.Field(s.h.pk.index).Addr().Interface())
	for _, c := range s.h.cols {
		dests = append(dests, v.Field(c.index).Addr().Interface())
	}
	if err := row.Scan(dests...); err != nil {
		var zero M
		if errors.Is(err, sql.ErrNoRows) {
			return zero, err
		}
		return zero, fmt.Errorf("sqlstore: scan %s: %w", s.h.table, err)
	}
	return item, nil
}

// writeArgs collects values for the non-auto columns, in statement order.
func (s *Store[M]) writeArgs(model M) []any {
	v := reflect.ValueOf(model)
	args := make([]any, 0, len(s.h.cols))
	for _, c := range s.h.cols {
		if c.auto {
			continue
		}
		args = append(args, v.Field(c.index).Interface())
	}
	return args
}

// buildWhere converts field-keyed equality filters to a WHERE clause with
// typed arguments. Unknown fields and unparseable values are validation
// errors so callers get a 400, not a database failure.
func (s *Store[M]) buildWhere(filters map[string]string) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	// Deterministic clause order keeps statements cacheable.
	fields := make([]string, 0, len(filters))
	for f := range filters {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	clauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for i, field := range fields {
		col, ok := s.h.byField[field]
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown filter field %q", httpx.ErrValidation, field)
		}
		value, err := convertFilterValue(col, filters[field])
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, fmt.Sprintf("%s = %s", col.name, s.h.placeholder(i+1)))
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func convertFilterValue(col column, raw string) (any, error) {
	switch col.kind.Kind() {
	case reflect.String:
		return raw, nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %s expects an integer", httpx.ErrValidation, col.field)
		}
		return n, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %s expects a boolean", httpx.ErrValidation, col.field)
		}
		return b, nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: filter %s expects a number", httpx.ErrValidation, col.field)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// wrapWriteError maps driver uniqueness violations onto httpx.ErrDuplicate.
func (s *Store[M]) wrapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("sqlstore: %s %s: %w", op, s.h.table, httpx.ErrDuplicate)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("sqlstore: %s %s: %w", op, s.h.table, httpx.ErrDuplicate)
	}
	return fmt.Errorf("sqlstore: %s %s: %w", op, s.h.table, err)
}
