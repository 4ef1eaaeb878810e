package wal

import (
	"encoding/json"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/reactive"
)

// Change is one row change of a wal2json (format v1) transaction.
type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

// Envelope is one committed transaction.
type Envelope struct {
	XID    int64    `json:"xid"`
	Change []Change `json:"change"`
}

// Consumer turns decoded transactions into manager notifications, one
// NotifyChanges call per transaction.
type Consumer struct {
	n    reactive.Notifier
	log  *zap.Logger
	bare map[string]bool
}

// NewConsumer reports to n. Tables in bareSchemas are named without their
// schema, matching how queries name them; nil means "public".
func NewConsumer(n reactive.Notifier, log *zap.Logger, bareSchemas ...string) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	if len(bareSchemas) == 0 {
		bareSchemas = []string{"public"}
	}
	bare := make(map[string]bool, len(bareSchemas))
	for _, s := range bareSchemas {
		bare[s] = true
	}
	return &Consumer{n: n, log: log.Named("wal"), bare: bare}
}

// OnMessage handles one WAL payload. Malformed payloads are reported and
// skipped by the caller; they never reach the manager.
func (c *Consumer) OnMessage(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode wal2json: %w", err)
	}
	if len(env.Change) == 0 {
		return nil
	}

	changes := c.Translate(env)
	c.log.Debug("transaction",
		zap.Int64("xid", env.XID),
		zap.Int("rows", len(env.Change)),
		zap.Int("changes", len(changes)),
	)
	if len(changes) > 0 {
		c.n.NotifyChanges(changes)
	}
	return nil
}

// Translate maps row changes to table or column notifications. An update
// whose old row image carries every column (REPLICA IDENTITY FULL) is
// narrowed to the columns that differ; every other change is table-level.
func (c *Consumer) Translate(env Envelope) []reactive.Change {
	seen := map[reactive.Change]struct{}{}
	var out []reactive.Change
	add := func(ch reactive.Change) {
		if _, ok := seen[ch]; ok {
			return
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}

	for _, ch := range env.Change {
		table := c.tableName(ch.Schema, ch.Table)
		switch ch.Kind {
		case "insert":
			add(reactive.Change{Table: table, Op: reactive.OpInsert})
		case "delete":
			add(reactive.Change{Table: table, Op: reactive.OpDelete})
		case "truncate":
			add(reactive.Change{Table: table, Op: reactive.OpTruncate})
		case "update":
			cols, ok := changedColumns(ch)
			if !ok {
				add(reactive.Change{Table: table, Op: reactive.OpUpdate})
				continue
			}
			for _, col := range cols {
				add(reactive.Change{Table: table, Column: col, Op: reactive.OpUpdate})
			}
		default:
			// logical decoding messages and the like
			c.log.Debug("skipping change", zap.String("kind", ch.Kind), zap.String("table", table))
		}
	}
	return out
}

func (c *Consumer) tableName(schema, table string) string {
	if schema == "" || c.bare[schema] {
		return table
	}
	return schema + "." + table
}

// changedColumns diffs an update against its old image. ok is false when the
// old image does not cover every column.
func changedColumns(ch Change) ([]string, bool) {
	old := make(map[string]any, len(ch.OldKeys.KeyNames))
	for i, name := range ch.OldKeys.KeyNames {
		if i < len(ch.OldKeys.KeyValues) {
			old[name] = ch.OldKeys.KeyValues[i]
		}
	}
	var changed []string
	for i, name := range ch.ColumnNames {
		prev, ok := old[name]
		if !ok {
			return nil, false
		}
		var cur any
		if i < len(ch.ColumnValues) {
			cur = ch.ColumnValues[i]
		}
		if !reflect.DeepEqual(prev, cur) {
			changed = append(changed, name)
		}
	}
	return changed, true
}
