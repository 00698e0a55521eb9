// Package sqlstore implements crud.Store backed by database/sql. Table and
// column names, DDL and CRUD statements are derived once per model type by
// reflecting the struct: field names become lowercase-with-underscore
// columns, the `db` tag overrides a column name, and the `crud` tag marks the
// primary key and column behavior.
//
// Recognized `crud` tag values (comma separated):
//
//	pk      primary key column (defaults to a field named ID)
//	auto    filled by a database default; excluded from INSERT and UPDATE
//	unique  adds a UNIQUE constraint to the column
//	-       field is not persisted
package sqlstore

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"
)

// Dialect selects placeholder style and DDL column types.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

type column struct {
	field  string
	name   string
	index  int
	kind   reflect.Type
	auto   bool
	unique bool
}

// helper caches the reflected shape and generated statements for one model
// type.
type helper struct {
	table   string
	dialect Dialect

	pk   column
	cols []column // all non-pk persisted columns, in declaration order

	byField map[string]column

	queryCreateTable string
	queryDropTable   string
	queryInsert      string
	querySelectByID  string
	queryUpdateByID  string
	queryDeleteByID  string
	selectList       string // "col1, col2, ..." including pk first
}

var timeType = reflect.TypeOf(time.Time{})

func newHelper(model reflect.Type, dialect Dialect) (*helper, error) {
	if model.Kind() != reflect.Struct {
		return nil, fmt.Errorf("sqlstore: model %s is not a struct", model)
	}
	h := &helper{
		table:   pluralize(underscore(model.Name())),
		dialect: dialect,
		byField: make(map[string]column),
	}

	pkSeen := false
	for i := 0; i < model.NumField(); i++ {
		field := model.Field(i)
		if !field.IsExported() {
			continue
		}
		tags := strings.Split(field.Tag.Get("crud"), ",")
		if tags[0] == "-" {
			continue
		}
		col := column{
			field: field.Name,
			name:  underscore(field.Name),
			index: i,
			kind:  field.Type,
		}
		if dbTag := field.Tag.Get("db"); dbTag != "" && dbTag != "-" {
			col.name = dbTag
		}
		isPK := field.Name == "ID"
		for _, t := range tags {
			switch strings.TrimSpace(t) {
			case "pk":
				isPK = true
			case "auto":
				col.auto = true
			case "unique":
				col.unique = true
			}
		}
		if isPK {
			if pkSeen {
				return nil, fmt.Errorf("sqlstore: model %s declares more than one primary key", model)
			}
			if field.Type.Kind() != reflect.Int64 {
				return nil, fmt.Errorf("sqlstore: primary key %s.%s must be int64", model, field.Name)
			}
			pkSeen = true
			h.pk = col
			h.byField[field.Name] = col
			continue
		}
		h.cols = append(h.cols, col)
		h.byField[field.Name] = col
	}
	if !pkSeen {
		return nil, fmt.Errorf("sqlstore: model %s has no primary key field", model)
	}

	h.buildQueries()
	return h, nil
}

func (h *helper) buildQueries() {
	names := make([]string, 0, len(h.cols)+1)
	names = append(names, h.pk.name)
	for _, c := range h.cols {
		names = append(names, c.name)
	}
	h.selectList = strings.Join(names, ", ")

	h.queryDropTable = fmt.Sprintf("DROP TABLE IF EXISTS %s", h.table)
	h.queryCreateTable = h.buildCreateTable()
	h.querySelectByID = fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		h.selectList, h.table, h.pk.name, h.placeholder(1))
	h.queryDeleteByID = fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		h.table, h.pk.name, h.placeholder(1))

	insertCols := make([]string, 0, len(h.cols))
	insertVals := make([]string, 0, len(h.cols))
	n := 0
	for _, c := range h.cols {
		if c.auto {
			continue
		}
		n++
		insertCols = append(insertCols, c.name)
		insertVals = append(insertVals, h.placeholder(n))
	}
	h.queryInsert = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		h.table, strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
	if h.dialect == Postgres {
		h.queryInsert += fmt.Sprintf(" RETURNING %s", h.pk.name)
	}

	sets := make([]string, 0, len(h.cols))
	n = 0
	for _, c := range h.cols {
		if c.auto {
			continue
		}
		n++
		sets = append(sets, fmt.Sprintf("%s = %s", c.name, h.placeholder(n)))
	}
	h.queryUpdateByID = fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		h.table, strings.Join(sets, ", "), h.pk.name, h.placeholder(n+1))
}

func (h *helper) buildCreateTable() string {
	defs := make([]string, 0, len(h.cols)+1)
	if h.dialect == Postgres {
		defs = append(defs, fmt.Sprintf("%s BIGSERIAL PRIMARY KEY", h.pk.name))
	} else {
		defs = append(defs, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", h.pk.name))
	}
	for _, c := range h.cols {
		def := fmt.Sprintf("%s %s", c.name, h.columnType(c.kind))
		if c.unique {
			def += " UNIQUE"
		}
		if c.auto && c.kind == timeType {
			def += " DEFAULT CURRENT_TIMESTAMP"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", h.table, strings.Join(defs, ", "))
}

func (h *helper) columnType(t reflect.Type) string {
	if t == timeType {
		if h.dialect == Postgres {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	}
	switch t.Kind() {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int32, reflect.Int64:
		if h.dialect == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case reflect.Bool:
		if h.dialect == Postgres {
			return "BOOLEAN"
		}
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		if h.dialect == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	default:
		return "TEXT"
	}
}

func (h *helper) placeholder(n int) string {
	if h.dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// underscore converts CamelCase to lowercase_with_underscore.
func underscore(name string) string {
	var b strings.Builder
	prevUpper := false
	for i, r := range name {
		if unicode.IsUpper(r) {
			// Runs of upper case stay together so "ID" becomes "id".
			if i > 0 && !prevUpper {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUpper = true
			continue
		}
		b.WriteRune(r)
		prevUpper = false
	}
	return b.String()
}

func pluralize(name string) string {
	switch {
	case strings.HasSuffix(name, "y") && !strings.HasSuffix(name, "ay") &&
		!strings.HasSuffix(name, "ey") && !strings.HasSuffix(name, "oy"):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(name, "s"), strings.HasSuffix(name, "x"),
		strings.HasSuffix(name, "ch"), strings.HasSuffix(name, "sh"):
		return name + "es"
	default:
		return name + "s"
	}
}
