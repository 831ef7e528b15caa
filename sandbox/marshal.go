package sandbox

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Bare identifier tokens, no scope or string-literal awareness. The scan is
// deliberately coarse: over-including a variable that only appears inside a
// string literal is harmless, under-including a referenced one breaks the
// run with a name error inside the sandbox.
var identifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)

// Marshaler moves host variables across the sandbox boundary: it decides
// which namespace entries the code references and serializes them into a
// run session's inputs directory.
type Marshaler struct {
	log *zap.Logger
	fs  FileSystem
}

// NewMarshaler creates a Marshaler writing through the given file system.
func NewMarshaler(log *zap.Logger, fs FileSystem) *Marshaler {
	return &Marshaler{log: log, fs: fs}
}

// SelectUsed returns the subset of namespace whose keys occur as identifier
// tokens in code. The result may over-include (a name inside a comment or
// string counts) but never under-includes a genuinely referenced variable.
func (m *Marshaler) SelectUsed(code string, namespace map[string]any) map[string]any {
	tokens := make(map[string]bool)
	for _, tok := range identifierPattern.FindAllString(code, -1) {
		tokens[tok] = true
	}

	used := make(map[string]any)
	for name, value := range namespace {
		if tokens[name] {
			used[name] = value
		}
	}
	return used
}

// Serialize writes one value into dir under the payload naming convention.
// Tabular values use the columnar form, everything else the generic binary
// form; both share the same extension and the in-sandbox loader attempts
// the columnar reader first.
func (m *Marshaler) Serialize(dir, name string, value any) error {
	var data []byte
	var err error

	switch v := value.(type) {
	case *Frame:
		data, err = encodeFrame(v)
	default:
		if err = checkValue(value); err == nil {
			data, err = msgpack.Marshal(value)
		}
	}
	if err != nil {
		return fmt.Errorf("serializing variable %q: %w", name, err)
	}

	path := filepath.Join(dir, name+PayloadExtension)
	if err := m.fs.WriteFile(path, data, FilePermission); err != nil {
		return fmt.Errorf("writing variable %q: %w", name, err)
	}
	m.log.Debug("variable serialized", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func parquetNode(t ColumnType) (parquet.Node, error) {
	switch t {
	case ColumnBool:
		return parquet.Leaf(parquet.BooleanType), nil
	case ColumnInt:
		return parquet.Int(64), nil
	case ColumnFloat:
		return parquet.Leaf(parquet.DoubleType), nil
	case ColumnString:
		return parquet.String(), nil
	case ColumnTime:
		return parquet.Timestamp(parquet.Microsecond), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
}

// encodeFrame writes a Frame as a self-describing parquet payload. Column
// order follows the frame; every column is optional so nil cells become
// nulls.
func encodeFrame(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	group := parquet.Group{}
	for _, col := range f.Columns {
		node, err := parquetNode(col.Type)
		if err != nil {
			return nil, err
		}
		group[col.Name] = parquet.Optional(node)
	}
	schema := parquet.NewSchema("frame", group)

	rows := make([]map[string]any, f.Rows())
	for i := range rows {
		row := make(map[string]any, len(f.Columns))
		for _, col := range f.Columns {
			if v := col.Values[i]; v != nil {
				row[col.Name] = normalizeCell(col.Type, v)
			}
		}
		rows[i] = row
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[map[string]any](&buf, schema)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("writing frame rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing frame writer: %w", err)
	}
	return buf.Bytes(), nil
}

func normalizeCell(t ColumnType, v any) any {
	switch t {
	case ColumnInt:
		switch x := v.(type) {
		case int:
			return int64(x)
		case int8:
			return int64(x)
		case int16:
			return int64(x)
		case int32:
			return int64(x)
		}
	case ColumnFloat:
		if x, ok := v.(float32); ok {
			return float64(x)
		}
	case ColumnTime:
		if x, ok := v.(time.Time); ok {
			return x.UTC()
		}
	}
	return v
}
