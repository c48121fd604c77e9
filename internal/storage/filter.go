package storage

import (
	"fmt"
	"strings"
)

// Filter restricts the rows matched by a scan. Build filters with Eq, NotIn,
// Lt, Ge and And; a nil Filter matches every row.
type Filter interface {
	clause(schema Schema) (string, []any, error)
}

type comparison struct {
	column string
	op     string
	value  any
}

func (c comparison) clause(schema Schema) (string, []any, error) {
	value, err := bindFilterValue(schema, c.column, c.value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("`%s` %s ?", c.column, c.op), []any{value}, nil
}

// Eq matches rows whose column equals value.
func Eq(column string, value any) Filter {
	return comparison{column: column, op: "=", value: value}
}

// Lt matches rows whose column is strictly less than value.
func Lt(column string, value any) Filter {
	return comparison{column: column, op: "<", value: value}
}

// Ge matches rows whose column is greater than or equal to value.
func Ge(column string, value any) Filter {
	return comparison{column: column, op: ">=", value: value}
}

type notIn struct {
	column string
	values []any
}

// NotIn matches rows whose column is none of values. An empty list matches
// every row.
func NotIn(column string, values ...any) Filter {
	return notIn{column: column, values: values}
}

func (n notIn) clause(schema Schema) (string, []any, error) {
	if len(n.values) == 0 {
		if _, err := bindFilterValue(schema, n.column, nil); err != nil {
			return "", nil, err
		}
		return "1 = 1", nil, nil
	}
	args := make([]any, 0, len(n.values))
	for _, v := range n.values {
		bound, err := bindFilterValue(schema, n.column, v)
		if err != nil {
			return "", nil, err
		}
		args = append(args, bound)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	return fmt.Sprintf("`%s` NOT IN (%s)", n.column, placeholders), args, nil
}

type and []Filter

// And matches rows accepted by every filter.
func And(filters ...Filter) Filter {
	return and(filters)
}

func (a and) clause(schema Schema) (string, []any, error) {
	parts := make([]string, 0, len(a))
	var args []any
	for _, f := range a {
		if f == nil {
			continue
		}
		sql, fargs, err := f.clause(schema)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		args = append(args, fargs...)
	}
	if len(parts) == 0 {
		return "1 = 1", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

func whereClause(schema Schema, f Filter) (string, []any, error) {
	if f == nil {
		return "1 = 1", nil, nil
	}
	return f.clause(schema)
}

func bindFilterValue(schema Schema, column string, value any) (any, error) {
	if column == PrimaryKey {
		if value == nil {
			return nil, nil
		}
		return toSQLValue(Column{Name: PrimaryKey, Type: Long}, value)
	}
	col, ok := schema.lookup(column)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, column)
	}
	return toSQLValue(col, value)
}
