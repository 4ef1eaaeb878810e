package store

import (
	"database/sql"

	"github.com/zoravur/livequery/internal/reactive"
)

// scanRows drains rows into raw result rows keyed by output column name.
// Duplicate output names keep the last value.
func scanRows(rows *sql.Rows) ([]reactive.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := []reactive.Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(reactive.Row, len(cols))
		for i, col := range cols {
			row[col] = deref(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func deref(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}
