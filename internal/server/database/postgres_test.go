package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type boolRow struct {
	value bool
	err   error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.value
	return nil
}

// fakeTx implements the calls the migration runner makes. Anything else
// panics through the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	conn       *fakeConn
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.conn.execs = append(tx.conn.execs, sql)
	if tx.conn.failOn != "" && strings.Contains(sql, tx.conn.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return boolRow{value: tx.conn.applied[args[0].(string)]}
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

type fakeConn struct {
	applied map[string]bool
	failOn  string
	execs   []string
	txs     []*fakeTx
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{conn: c}
	c.txs = append(c.txs, tx)
	return tx, nil
}

var testMigrations = []migration{
	{Version: "000001_first", SQL: "CREATE TABLE first ()"},
	{Version: "000002_second", SQL: "CREATE TABLE second ()"},
}

func TestMigrate(t *testing.T) {
	t.Run("applies pending versions in order", func(t *testing.T) {
		conn := &fakeConn{applied: map[string]bool{"000001_first": true}}

		if err := migrate(context.Background(), conn, testMigrations); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(conn.txs) != 2 {
			t.Fatalf("expected one transaction per migration, got %d", len(conn.txs))
		}
		if conn.txs[0].committed || !conn.txs[0].rolledBack {
			t.Error("expected the applied migration to be skipped")
		}
		if !conn.txs[1].committed {
			t.Error("expected the pending migration to be committed")
		}

		joined := strings.Join(conn.execs, "\n")
		if !strings.Contains(conn.execs[0], "schema_migrations") {
			t.Errorf("expected the tracking table first, got %q", conn.execs[0])
		}
		if strings.Contains(joined, "CREATE TABLE first") {
			t.Error("applied migration ran again")
		}
		lock := strings.LastIndex(joined, "pg_advisory_xact_lock")
		run := strings.Index(joined, "CREATE TABLE second")
		record := strings.Index(joined, "INSERT INTO schema_migrations")
		if lock < 0 || run < lock || record < run {
			t.Errorf("expected lock, migration, record in that order:\n%s", joined)
		}
	})

	t.Run("failure rolls back and stops", func(t *testing.T) {
		conn := &fakeConn{applied: map[string]bool{}, failOn: "CREATE TABLE first"}

		err := migrate(context.Background(), conn, testMigrations)
		if err == nil || !strings.Contains(err.Error(), "000001_first") {
			t.Fatalf("expected error naming the version, got %v", err)
		}
		if len(conn.txs) != 1 {
			t.Fatalf("expected later migrations to be skipped, got %d transactions", len(conn.txs))
		}
		if conn.txs[0].committed || !conn.txs[0].rolledBack {
			t.Error("expected the failed migration to be rolled back")
		}
	})
}
