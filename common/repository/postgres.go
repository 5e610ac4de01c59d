package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/relay/common/models"
)

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

const messageColumns = `
	id, logical_id, producer_session_id, batch_id, batch_index, payload,
	observed_at, status, enriched_payload, forward_status_code, forward_body,
	error, error_kind, attempts, created_at, updated_at`

const insertMessageQuery = `
	INSERT INTO messages (logical_id, producer_session_id, batch_id, batch_index, payload, observed_at, status)
	VALUES ($1, $2, $3, $4, $5, $6, 'received')
	ON CONFLICT (logical_id) DO NOTHING
	RETURNING id, status, created_at, updated_at`

// maxInsertRetries bounds retries of a batch transaction that lost a
// deadlock or serialization race to a concurrent batch.
const maxInsertRetries = 4

// InsertBatch inserts all records in one transaction, in order, so ids
// follow batch order. Conflicts on logical_id are reported as not inserted.
// Concurrent batches sharing logical ids in different orders can deadlock;
// the losing transaction is rolled back and retried.
func (r *PostgresRepository) InsertBatch(ctx context.Context, records []*models.MessageRecord) ([]bool, error) {
	if len(records) == 0 {
		return nil, nil
	}

	payloads := make([][]byte, len(records))
	for i, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for %s: %w", rec.LogicalID, err)
		}
		payloads[i] = payload
	}

	var inserted []bool
	op := func() error {
		var err error
		inserted, err = r.insertBatchTx(ctx, records, payloads)
		if err != nil && !isTransientTxError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(insertBackOff(), maxInsertRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *PostgresRepository) insertBatchTx(ctx context.Context, records []*models.MessageRecord, payloads [][]byte) ([]bool, error) {
	batch := &pgx.Batch{}
	for i, rec := range records {
		// Values from a rolled-back attempt must not leak into this one.
		rec.ID, rec.Status = 0, ""
		batch.Queue(insertMessageQuery,
			rec.LogicalID, nullString(rec.ProducerSessionID), nullString(rec.BatchID),
			rec.BatchIndex, payloads[i], rec.ObservedAt.UTC(),
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	inserted := make([]bool, len(records))
	results := tx.SendBatch(ctx, batch)
	for i, rec := range records {
		var status string
		err := results.QueryRow().Scan(&rec.ID, &status, &rec.CreatedAt, &rec.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			results.Close()
			return nil, fmt.Errorf("failed to insert message %s: %w", rec.LogicalID, err)
		}
		rec.Status = models.Status(status)
		inserted[i] = true
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("failed to insert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return inserted, nil
}

// SQLSTATE codes after which the whole transaction can be replayed.
const (
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

func isTransientTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateDeadlockDetected || pgErr.Code == sqlStateSerializationFailure
}

func insertBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     20 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *PostgresRepository) GetByLogicalID(ctx context.Context, logicalID string) (*models.MessageRecord, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE logical_id = $1`
	return r.getOne(ctx, query, logicalID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*models.MessageRecord, error) {
	rec, err := scanMessage(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status models.Status, opts ListOptions) ([]*models.MessageRecord, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages WHERE status = $1 AND id > $2`)
	args := []any{string(status), opts.AfterID}

	if !opts.UpdatedBefore.IsZero() {
		args = append(args, opts.UpdatedBefore)
		fmt.Fprintf(&b, " AND updated_at < $%d", len(args))
	}
	args = append(args, opts.limit())
	fmt.Fprintf(&b, " ORDER BY id LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// Transition is a compare-and-swap on status; the losing writer of a race
// gets ErrStaleTransition and the row is left as the winner wrote it.
func (r *PostgresRepository) Transition(ctx context.Context, id int64, from models.Status, t Transition) (*models.MessageRecord, error) {
	if err := validateTransition(from, t); err != nil {
		return nil, err
	}

	query := `
		UPDATE messages SET
			status = $3,
			enriched_payload = COALESCE($4::jsonb, enriched_payload),
			forward_status_code = $5,
			forward_body = $6,
			error = $7,
			error_kind = $8,
			attempts = attempts + $9,
			updated_at = clock_timestamp()
		WHERE id = $1 AND status = $2
		RETURNING ` + messageColumns

	increment := 0
	if t.IncrementAttempts {
		increment = 1
	}

	rec, err := scanMessage(r.pool.QueryRow(ctx, query,
		id, string(from), string(t.To), nullJSON(t.EnrichedPayload),
		t.ForwardStatusCode, t.ForwardBody, t.Error, t.ErrorKind, increment,
	))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition message %d: %w", id, err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check message %d: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrStaleTransition
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func scanMessage(row pgx.Row) (*models.MessageRecord, error) {
	var (
		rec      models.MessageRecord
		session  *string
		batchID  *string
		payload  []byte
		enriched []byte
		status   string
	)
	err := row.Scan(
		&rec.ID, &rec.LogicalID, &session, &batchID, &rec.BatchIndex, &payload,
		&rec.ObservedAt, &status, &enriched, &rec.ForwardStatusCode, &rec.ForwardBody,
		&rec.Error, &rec.ErrorKind, &rec.Attempts, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of message %d: %w", rec.ID, err)
	}
	if session != nil {
		rec.ProducerSessionID = *session
	}
	if batchID != nil {
		rec.BatchID = *batchID
	}
	if len(enriched) > 0 {
		rec.EnrichedPayload = enriched
	}
	rec.Status = models.Status(status)
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
