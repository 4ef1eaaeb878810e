package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/zoravur/livequery/internal/reactive"
	"github.com/zoravur/livequery/pkg/pg_lineage"
)

var (
	// ErrTxDone is returned by operations on a committed or rolled back Tx.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrNoKey guards UPDATE and DELETE without a row key.
	ErrNoKey = errors.New("store: empty row key")
	// ErrCatalog wraps failures to load primary key metadata.
	ErrCatalog = errors.New("store: catalog unavailable")
)

type options struct {
	log        *zap.Logger
	managerOps []reactive.ManagerOption
	notify     bool
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithManagerOptions forwards options to the store's reactive manager.
func WithManagerOptions(opts ...reactive.ManagerOption) Option {
	return func(o *options) { o.managerOps = append(o.managerOps, opts...) }
}

// WithCommitNotify controls whether committed writes notify the manager.
// It is turned off when another source (the WAL reader) reports changes.
func WithCommitNotify(on bool) Option {
	return func(o *options) { o.notify = on }
}

// Store executes definitions and writes against PostgreSQL and owns the
// reactive manager fed by those writes.
type Store struct {
	db     *sql.DB
	owned  bool
	log    *zap.Logger
	m      *reactive.Manager
	notify bool

	catMu sync.Mutex
	cat   *pg_lineage.DBSchemaCatalog
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New wraps an existing pool. The caller keeps ownership of db.
func New(db *sql.DB, opts ...Option) *Store {
	o := options{log: zap.L(), notify: true}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{db: db, log: o.log.Named("store"), notify: o.notify}
	mopts := append([]reactive.ManagerOption{reactive.WithLogger(o.log)}, o.managerOps...)
	s.m = reactive.NewManager(s, mopts...)
	return s
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Manager() *reactive.Manager { return s.m }

// Execute compiles and runs def. It is the manager's Executor.
func (s *Store) Execute(ctx context.Context, def reactive.Definition) ([]reactive.Row, error) {
	stmt, args, err := Compile(def)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, stmt, args...)
}

// Query runs a one-shot SELECT.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) ([]reactive.Row, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

// Insert writes one row and returns it as stored.
func (s *Store) Insert(ctx context.Context, table string, values map[string]any) (reactive.Row, error) {
	var out reactive.Row
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Insert(ctx, table, values)
		return err
	})
	return out, err
}

// Update sets columns on the rows matching key and reports how many changed.
func (s *Store) Update(ctx context.Context, table string, key, set map[string]any) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Update(ctx, table, key, set)
		return err
	})
	return n, err
}

func (s *Store) Delete(ctx context.Context, table string, key map[string]any) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.Delete(ctx, table, key)
		return err
	})
	return n, err
}

// Close shuts the manager down, then the pool if Open created it.
func (s *Store) Close() error {
	err := s.m.Close()
	if s.owned {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// IsClientError reports whether err was caused by the statement itself
// (syntax, unknown relation or column, bad input) rather than the server.
func IsClientError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "42"), // syntax error or access rule violation
		strings.HasPrefix(pgErr.Code, "22"), // data exception
		strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
		return true
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
