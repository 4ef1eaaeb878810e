package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/reactive"
)

// Tx is a write transaction. The changes it makes reach live queries only
// after Commit succeeds; a rollback drops them.
type Tx struct {
	s   *Store
	tx  *sql.Tx
	buf reactive.ChangeBuffer

	mu   sync.Mutex
	done bool
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{s: s, tx: tx}, nil
}

// WithTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, ErrTxDone) {
			s.log.Warn("rollback failed", zap.Error(rerr))
		}
		return err
	}
	return tx.Commit()
}

func (t *Tx) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *Tx) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Commit commits and then hands the buffered changes to the manager in one
// batch.
func (t *Tx) Commit() error {
	if !t.finish() {
		return ErrTxDone
	}
	if err := t.tx.Commit(); err != nil {
		t.buf.Discard()
		return fmt.Errorf("commit: %w", err)
	}
	if !t.s.notify {
		t.buf.Discard()
		return nil
	}
	n := t.buf.Len()
	t.buf.Commit(t.s.m)
	if n > 0 {
		t.s.log.Debug("committed", zap.Int("changes", n))
	}
	return nil
}

func (t *Tx) Rollback() error {
	if !t.finish() {
		return ErrTxDone
	}
	t.buf.Discard()
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *Tx) Query(ctx context.Context, stmt string, args ...any) ([]reactive.Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Insert writes one row and returns it as stored. An insert is a row-level
// change to the whole table.
func (t *Tx) Insert(ctx context.Context, table string, values map[string]any) (reactive.Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	stmt, args := insertSQL(table, values)
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	t.buf.Record(reactive.Change{Table: table, Op: reactive.OpInsert})
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

// Update sets columns on the rows matching key. Each assigned column is
// reported separately so column-level queries on other columns stay quiet.
func (t *Tx) Update(ctx context.Context, table string, key, set map[string]any) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if len(key) == 0 {
		return 0, ErrNoKey
	}
	if len(set) == 0 {
		return 0, nil
	}
	stmt, args := updateSQL(table, key, set)
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	if n > 0 {
		for _, col := range sortedKeys(set) {
			t.buf.Record(reactive.Change{Table: table, Column: col, Op: reactive.OpUpdate})
		}
	}
	return n, nil
}

func (t *Tx) Delete(ctx context.Context, table string, key map[string]any) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if len(key) == 0 {
		return 0, ErrNoKey
	}
	stmt, args := deleteSQL(table, key)
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	if n > 0 {
		t.buf.Record(reactive.Change{Table: table, Op: reactive.OpDelete})
	}
	return n, nil
}

func insertSQL(table string, values map[string]any) (string, []any) {
	if len(values) == 0 {
		return "INSERT INTO " + QuoteTable(table) + " DEFAULT VALUES RETURNING *", nil
	}
	cols := sortedKeys(values)
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = quoteRef(reactive.Col(c))
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = values[c]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		QuoteTable(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return stmt, args
}

func updateSQL(table string, key, set map[string]any) (string, []any) {
	args := make([]any, 0, len(set)+len(key))
	assigns := make([]string, 0, len(set))
	for _, c := range sortedKeys(set) {
		args = append(args, set[c])
		assigns = append(assigns, fmt.Sprintf("%s = $%d", quoteRef(reactive.Col(c)), len(args)))
	}
	where, args := whereKey(key, args)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", QuoteTable(table), strings.Join(assigns, ", "), where), args
}

func deleteSQL(table string, key map[string]any) (string, []any) {
	where, args := whereKey(key, nil)
	return fmt.Sprintf("DELETE FROM %s WHERE %s", QuoteTable(table), where), args
}

func whereKey(key map[string]any, args []any) (string, []any) {
	parts := make([]string, 0, len(key))
	for _, c := range sortedKeys(key) {
		args = append(args, key[c])
		parts = append(parts, fmt.Sprintf("%s = $%d", quoteRef(reactive.Col(c)), len(args)))
	}
	return strings.Join(parts, " AND "), args
}
