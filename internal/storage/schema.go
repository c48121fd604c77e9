package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// ColumnType is the scalar type of a stored column.
type ColumnType int

const (
	String ColumnType = iota
	Integer
	Long
	Float
	Boolean
	Bytes
)

func (t ColumnType) String() string {
	switch t {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Long:
		return "long"
	case Float:
		return "float"
	case Boolean:
		return "boolean"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

func (t ColumnType) sqlType() string {
	switch t {
	case Integer, Long, Boolean:
		return "INTEGER"
	case Float:
		return "REAL"
	case Bytes:
		return "BLOB"
	default:
		return "TEXT"
	}
}

type Column struct {
	Name string
	Type ColumnType
}

// Schema lists the columns of the store table, in declaration order.
// The primary key column is implicit.
type Schema []Column

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

func (s Schema) lookup(name string) (Column, bool) {
	for _, col := range s {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

func (s Schema) validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]struct{}, len(s))
	for _, col := range s {
		if !validIdentifier(col.Name) {
			return fmt.Errorf("invalid column name %q", col.Name)
		}
		if col.Name == PrimaryKey {
			return fmt.Errorf("column %q is reserved", col.Name)
		}
		if _, ok := seen[col.Name]; ok {
			return fmt.Errorf("duplicate column %q", col.Name)
		}
		seen[col.Name] = struct{}{}
	}
	return nil
}

func (s Schema) createTableSQL(table string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS `%s` (%s INTEGER PRIMARY KEY AUTOINCREMENT", table, PrimaryKey)
	for _, col := range s {
		fmt.Fprintf(&sb, ", `%s` %s", col.Name, col.Type.sqlType())
	}
	sb.WriteString(")")
	return sb.String()
}

func (s Schema) selectColumns() string {
	names := make([]string, 0, len(s)+1)
	names = append(names, PrimaryKey)
	for _, col := range s {
		names = append(names, "`"+col.Name+"`")
	}
	return strings.Join(names, ", ")
}

// Values maps column names to scalar values. Missing keys are stored as NULL
// and NULL columns are omitted when reading.
type Values map[string]any

func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

func (v Values) Bytes(key string) []byte {
	b, _ := v[key].([]byte)
	return b
}

func (v Values) Int(key string) int {
	n, _ := v[key].(int)
	return n
}

func (v Values) Int64(key string) int64 {
	n, _ := v[key].(int64)
	return n
}

func (v Values) Float(key string) float64 {
	f, _ := v[key].(float64)
	return f
}

func (v Values) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// Row is a stored row together with its store-assigned id.
type Row struct {
	ID     int64
	Values Values
}

func toSQLValue(col Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch col.Type {
	case String:
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		}
	case Integer, Long:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint32:
			return int64(v), nil
		}
	case Float:
		switch v := value.(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		}
	case Boolean:
		if v, ok := value.(bool); ok {
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case Bytes:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	}
	return nil, fmt.Errorf("column %q: cannot store %T as %s", col.Name, value, col.Type)
}

func fromSQLValue(col Column, raw any) any {
	switch col.Type {
	case String:
		switch v := raw.(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
	case Integer:
		if v, ok := raw.(int64); ok {
			return int(v)
		}
	case Long:
		if v, ok := raw.(int64); ok {
			return v
		}
	case Float:
		switch v := raw.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	case Boolean:
		if v, ok := raw.(int64); ok {
			return v != 0
		}
	case Bytes:
		switch v := raw.(type) {
		case []byte:
			out := make([]byte, len(v))
			copy(out, v)
			return out
		case string:
			return []byte(v)
		}
	}
	return raw
}

func estimateSize(args []any) int64 {
	var size int64 = 16
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			size += int64(len(v))
		case []byte:
			size += int64(len(v))
		default:
			size += 8
		}
	}
	return size
}
