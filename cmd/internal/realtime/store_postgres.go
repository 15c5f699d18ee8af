// Package realtime contains pulse's connection registry, presence fan-out, message delivery,
// typing relay, message stores, and the WebSocket gateway that drives them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "pulse/shared/contracts/realtime/v1"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Writes take a per-sender transactional advisory lock, so one sender's messages
//     are persisted in the order Create was called and a duplicate client_msg_id
//     never races its original.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pulse",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	return s.pool.Ping(ctx)
}

const messageColumns = `id, COALESCE(client_msg_id, ''), sender_id, receiver_id, body, attachment_ref, created_at, seen`

// Create inserts a message, returning the existing row for a repeated (sender_id, client_msg_id).
func (s *PostgresStore) Create(ctx context.Context, in NewMessage) (CreateResult, error) {
	if s == nil || s.pool == nil {
		return CreateResult{}, errors.New("realtime: nil store")
	}
	if err := in.validate(); err != nil {
		return CreateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id := in.ID
	if id == "" {
		var err error
		if id, err = NewMessageID(now); err != nil {
			return CreateResult{}, err
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "pulse.sender:"+in.SenderID); err != nil {
		return CreateResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var clientMsgID *string
	if in.ClientMsgID != "" {
		clientMsgID = &in.ClientMsgID

		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE sender_id = $1 AND client_msg_id = $2`,
			in.SenderID, in.ClientMsgID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return CreateResult{}, err
			}
			return CreateResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return CreateResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, client_msg_id, sender_id, receiver_id, body, attachment_ref, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, clientMsgID, in.SenderID, in.ReceiverID, in.Body, in.AttachmentRef, now,
	); err != nil {
		return CreateResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Message: in.toMessage(id, now)}, nil
}

// FindByID returns the message with id, or errStoreNotFound.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (v1.Message, error) {
	if s == nil || s.pool == nil {
		return v1.Message{}, errors.New("realtime: nil store")
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.Message{}, errStoreNotFound
	}
	return m, err
}

// DeleteByID removes the message with id.
func (s *PostgresStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("realtime: nil store")
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindBetween returns both directions of the (a, b) conversation ordered by created_at ASC.
func (s *PostgresStore) FindBetween(ctx context.Context, a, b string) ([]v1.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at ASC, id ASC`,
		a, b,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]v1.Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanMessage(row pgx.Row) (v1.Message, error) {
	var m v1.Message
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.SenderID, &m.ReceiverID, &m.Body, &m.AttachmentRef, &m.CreatedAt, &m.Seen)
	if err != nil {
		return v1.Message{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// PostgresUserDirectory answers user existence from the users table.
type PostgresUserDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresUserDirectory constructs a directory over schema.users (default schema "pulse").
func NewPostgresUserDirectory(pool *pgxpool.Pool, schema string) (*PostgresUserDirectory, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "pulse"
	}
	if !isValidPGIdent(schema) {
		return nil, errors.New("realtime: invalid schema identifier")
	}
	return &PostgresUserDirectory{pool: pool, schema: schema}, nil
}

// Exists implements UserDirectory.
func (d *PostgresUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	var ok bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(d.schema, "users")+` WHERE id = $1)`,
		userID,
	).Scan(&ok)
	return ok, err
}

// ListUsers implements UserLister.
func (d *PostgresUserDirectory) ListUsers(ctx context.Context, excludeID string) ([]v1.UserSummary, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, username FROM `+pgIdent(d.schema, "users")+` WHERE id <> $1 ORDER BY username, id`,
		strings.TrimSpace(excludeID),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[v1.UserSummary])
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
