package pg_lineage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"
)

// Catalog resolves primary key columns for a table named the way Analyze
// names it ("users", "audit.events").
type Catalog interface {
	PrimaryKeys(table string) ([]string, bool)
}

// StaticCatalog is a fixed table -> primary key map.
type StaticCatalog map[string][]string

func (c StaticCatalog) PrimaryKeys(table string) ([]string, bool) {
	pks, ok := c[table]
	return pks, ok && len(pks) > 0
}

// DBSchemaCatalog implements Catalog using information_schema data.
type DBSchemaCatalog struct {
	pks map[string][]string
}

// NewCatalogFromDB loads primary keys from a live PostgreSQL connection.
// Tables in public or the connection's current schema are keyed bare.
// Optionally filter to specific schemas (e.g., []string{"public"}).
func NewCatalogFromDB(ctx context.Context, db *sql.DB, schemas []string) (*DBSchemaCatalog, error) {
	query := `
		SELECT kcu.table_schema, kcu.table_name, kcu.column_name,
		       kcu.table_schema = current_schema()
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.constraint_schema = tc.constraint_schema
		 AND kcu.table_name = tc.table_name
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND kcu.table_schema NOT IN ('pg_catalog', 'information_schema')
		  AND (COALESCE(cardinality($1::text[]), 0) = 0 OR kcu.table_schema = ANY($1))
		ORDER BY kcu.table_schema, kcu.table_name, kcu.ordinal_position`

	rows, err := db.QueryContext(ctx, query, pq.Array(schemas))
	if err != nil {
		return nil, fmt.Errorf("query information_schema: %w", err)
	}
	defer rows.Close()

	cat := &DBSchemaCatalog{pks: make(map[string][]string)}

	for rows.Next() {
		var schema, tbl, col string
		var current bool
		if err := rows.Scan(&schema, &tbl, &col, &current); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		key := tbl
		if schema != "public" && !current {
			key = schema + "." + tbl
		}
		cat.pks[key] = append(cat.pks[key], col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}

	return cat, nil
}

func (c *DBSchemaCatalog) PrimaryKeys(table string) ([]string, bool) {
	pks, ok := c.pks[table]
	return pks, ok
}

// Tables returns a sorted list of tables with a primary key.
func (c *DBSchemaCatalog) Tables() []string {
	keys := make([]string, 0, len(c.pks))
	for k := range c.pks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
