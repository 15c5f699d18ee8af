package realtime

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PULSE_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Create_DedupeByClientMsgID(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	mustSeedUsers(t, pool, schema, "u1", "u2")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)

	first, err := store.Create(ctx, NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "hello", ClientMsgID: "temp-1", Now: now})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.Duplicated || strings.TrimSpace(first.Message.ID) == "" {
		t.Fatalf("create first: unexpected %+v", first)
	}

	second, err := store.Create(ctx, NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "hello", ClientMsgID: "temp-1", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if !second.Duplicated || second.Message.ID != first.Message.ID {
		t.Fatalf("create duplicate: expected original %s, got %+v", first.Message.ID, second)
	}
	if !second.Message.CreatedAt.Equal(now) {
		t.Fatalf("duplicate must carry original created_at, got %v", second.Message.CreatedAt)
	}

	// Messages without a temp id never collide.
	for i := 0; i < 2; i++ {
		res, err := store.Create(ctx, NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "plain", Now: now})
		if err != nil || res.Duplicated {
			t.Fatalf("create plain %d: %+v %v", i, res, err)
		}
	}

	if cnt := mustCountMessages(t, pool, schema); cnt != 3 {
		t.Fatalf("expected 3 message rows, got %d", cnt)
	}
}

func TestPostgresStore_FindBetween_FindByID_Delete(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	mustSeedUsers(t, pool, schema, "u1", "u2", "u3")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ids := make([]string, 0, 3)
	for i, pair := range [][2]string{{"u2", "u1"}, {"u1", "u2"}, {"u1", "u3"}} {
		res, err := store.Create(ctx, NewMessage{
			SenderID:   pair[0],
			ReceiverID: pair[1],
			Body:       fmt.Sprintf("m%d", i),
			Now:        base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, res.Message.ID)
	}

	conv, err := store.FindBetween(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("find between: %v", err)
	}
	if len(conv) != 2 || conv[0].ID != ids[0] || conv[1].ID != ids[1] {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	got, err := store.FindByID(ctx, ids[1])
	if err != nil || got.Body != "m1" || got.SenderID != "u1" {
		t.Fatalf("find by id: %+v %v", got, err)
	}

	ok, err := store.DeleteByID(ctx, ids[1])
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := store.FindByID(ctx, ids[1]); err != errStoreNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if ok, _ := store.DeleteByID(ctx, ids[1]); ok {
		t.Fatalf("second delete must report false")
	}
}

func TestPostgresStore_ConcurrentDuplicateCreates_OneRow(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	store := mustNewStore(t, pool, schema)
	mustSeedUsers(t, pool, schema, "u1", "u2")

	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	const n = 16

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	errCh := make(chan error, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := store.Create(ctx, NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "race", ClientMsgID: "temp-race"})
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			seen[res.Message.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent create error: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected a single message id, got %v", seen)
	}
	if cnt := mustCountMessages(t, pool, schema); cnt != 1 {
		t.Fatalf("expected 1 row, got %d", cnt)
	}
}

func TestPostgresUserDirectory_Exists(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	mustSeedUsers(t, pool, schema, "u1")

	dir, err := NewPostgresUserDirectory(pool, schema)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ok, err := dir.Exists(ctx, "u1"); err != nil || !ok {
		t.Fatalf("u1: %v %v", ok, err)
	}
	if ok, err := dir.Exists(ctx, "ghost"); err != nil || ok {
		t.Fatalf("ghost: %v %v", ok, err)
	}
}

func TestPostgresUserDirectory_ListUsers(t *testing.T) {
	t.Parallel()

	pool, schema := mustOpenTestSchema(t)
	mustSeedUsers(t, pool, schema, "u2", "u1", "u3")

	dir, err := NewPostgresUserDirectory(pool, schema)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := dir.ListUsers(ctx, "u2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "u1" || got[1].ID != "u3" {
		t.Fatalf("users=%+v", got)
	}
}

// ---- test helpers ----

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestSchema(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	mustApplySchema(t, pool, schema)
	return pool, schema
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PULSE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PULSE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PULSE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "pulse_it_" + strings.ToLower(strings.ReplaceAll(NewSessionID(), "-", "")[:12])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	users := pgIdent(schema, "users")
	messages := pgIdent(schema, "messages")

	// Minimal schema required by PostgresStore.
	// Must remain semantically aligned with cmd/internal/app/migrations.
	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id         TEXT PRIMARY KEY,
  username   TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[2]s (
  id             TEXT PRIMARY KEY,
  client_msg_id  TEXT NULL,
  sender_id      TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  receiver_id    TEXT NOT NULL REFERENCES %[1]s(id) ON DELETE CASCADE,
  body           TEXT NOT NULL DEFAULT '',
  attachment_ref TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  seen           BOOLEAN NOT NULL DEFAULT false
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_sender_client_msg
  ON %[2]s (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %[2]s (sender_id, receiver_id, created_at);
`, users, messages)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustSeedUsers(t *testing.T, pool *pgxpool.Pool, schema string, ids ...string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range ids {
		if _, err := pool.Exec(ctx, `INSERT INTO `+pgIdent(schema, "users")+` (id, username) VALUES ($1, $1)`, id); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}
}

func mustCountMessages(t *testing.T, pool *pgxpool.Pool, schema string) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cnt int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+pgIdent(schema, "messages")).Scan(&cnt); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return cnt
}
