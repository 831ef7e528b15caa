package sandbox

import (
	"fmt"
	"time"
)

// ColumnType names the dtype of one Frame column. The names follow the
// arrow/pandas convention so a dtype survives the trip through the columnar
// payload unchanged.
type ColumnType string

const (
	ColumnBool   ColumnType = "bool"
	ColumnInt    ColumnType = "int64"
	ColumnFloat  ColumnType = "float64"
	ColumnString ColumnType = "string"
	ColumnTime   ColumnType = "timestamp[us]"
)

// Column is one named, typed value vector. A nil cell is a null.
type Column struct {
	Name   string
	Type   ColumnType
	Values []any
}

// Frame is the tabular payload kind: ordered columns of uniform length.
// It marshals to a columnar form that preserves column names and dtypes.
type Frame struct {
	Columns []Column
}

// Rows returns the number of rows in the frame.
func (f *Frame) Rows() int {
	if len(f.Columns) == 0 {
		return 0
	}
	return len(f.Columns[0].Values)
}

func (f *Frame) validate() error {
	if len(f.Columns) == 0 {
		return fmt.Errorf("frame has no columns")
	}
	rows := len(f.Columns[0].Values)
	seen := make(map[string]bool, len(f.Columns))
	for _, col := range f.Columns {
		if col.Name == "" {
			return fmt.Errorf("frame column with empty name")
		}
		if seen[col.Name] {
			return fmt.Errorf("duplicate frame column %q", col.Name)
		}
		seen[col.Name] = true
		if len(col.Values) != rows {
			return fmt.Errorf("frame column %q has %d values, expected %d", col.Name, len(col.Values), rows)
		}
		for i, v := range col.Values {
			if v == nil {
				continue
			}
			if err := checkCell(col.Type, v); err != nil {
				return fmt.Errorf("frame column %q row %d: %w", col.Name, i, err)
			}
		}
	}
	return nil
}

func checkCell(t ColumnType, v any) error {
	ok := false
	switch t {
	case ColumnBool:
		_, ok = v.(bool)
	case ColumnInt:
		switch v.(type) {
		case int, int8, int16, int32, int64:
			ok = true
		}
	case ColumnFloat:
		switch v.(type) {
		case float32, float64:
			ok = true
		}
	case ColumnString:
		_, ok = v.(string)
	case ColumnTime:
		_, ok = v.(time.Time)
	default:
		return fmt.Errorf("unknown column type %q", t)
	}
	if !ok {
		return fmt.Errorf("value %T does not match column type %q", v, t)
	}
	return nil
}

// checkValue verifies a generic (non-Frame) value is one of the bounded set
// of marshalable kinds: scalars, strings, sequences and string-keyed
// mappings, nested arbitrarily.
func checkValue(v any) error {
	switch x := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case []any:
		for i, e := range x {
			if err := checkValue(e); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range x {
			if err := checkValue(e); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case *Frame:
		return fmt.Errorf("frame values cannot be nested inside sequences or mappings")
	default:
		return fmt.Errorf("unsupported value kind %T", v)
	}
}
