package fixgres

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/zoravur/livequery/pkg/prng"
)

type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
	Seed   int64
	Close  func()
}

// Rand is a deterministic byte source for the sandbox seed, suitable for
// faker.SetCryptoSource.
func (s *Sandbox) Rand() io.Reader { return prng.New(s.Seed) }

var (
	bootOnce sync.Once
	booted   bool
	bootErr  error
	sandboxN atomic.Int64
)

// Boot starts the shared container. TestMain calls it once before m.Run.
func Boot(ctx context.Context, opts ...Option) error {
	bootOnce.Do(func() {
		booted = true
		cfg := &config{}
		for _, o := range opts {
			o(cfg)
		}
		if cfg.randomSeed == 0 {
			cfg.randomSeed = randomSeed()
		}
		bootErr = boot(ctx, cfg)
	})
	return bootErr
}

func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := Boot(ctx, opts...); err != nil {
		t.Fatalf("fixgres boot failed: %v", err)
	}
}

func NewSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if !booted || bootErr != nil {
		t.Fatalf("fixgres not booted. Call fixgres.Boot(...) in TestMain first.")
	}
	base := DSN()

	admin, err := sql.Open("pgx", base) // admin connection (no search_path)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Unique schema per test
	n := sandboxN.Add(1)
	schema := fmt.Sprintf("t_%x_%d", time.Now().UnixNano(), n)

	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	// Build a DSN whose every pooled connection carries the sandbox search_path.
	sbxDSN := withSearchPath(base, schema)

	db, err := sql.Open("pgx", sbxDSN)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	mu.Lock()
	seed := baseSeed + n
	mu.Unlock()

	sbx := &Sandbox{
		DB:     db,
		DSN:    sbxDSN,
		Schema: schema,
		Seed:   seed,
	}
	var closeOnce sync.Once
	sbx.Close = func() {
		closeOnce.Do(func() {
			// drop schema with admin handle (it doesn't share the search_path)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
			_ = db.Close()
			_ = admin.Close()
		})
	}
	t.Cleanup(sbx.Close)
	return sbx
}

func withSearchPath(base, schema string) string {
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String()
}

func randomSeed() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Migrate applies goose migrations from migFS inside the sandbox schema.
func (s *Sandbox) Migrate(migFS fs.FS) error {
	goose.SetBaseFS(migFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(s.DB, ".")
}
