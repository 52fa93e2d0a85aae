package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"MailPacer/internal/delivery"
	"MailPacer/internal/models"
)

const recordColumns = `job_id, email, first_name, last_name, subject, body, attachments, status, source,
	queued_at, processed_at, sent_at, failed_at, cancelled_at,
	sender, message_id, error, attempts, last_attempt_at, created_at, updated_at`

func (s *Store) CreateRecord(ctx context.Context, r *models.DeliveryRecord) error {
	attachments, err := json.Marshal(nonNilMetas(r.Attachments))
	if err != nil {
		return fmt.Errorf("postgres: encode attachments: %w", err)
	}
	sender, err := jsonOrNil(r.Sender)
	if err != nil {
		return fmt.Errorf("postgres: encode sender: %w", err)
	}
	recErr, err := jsonOrNil(r.Error)
	if err != nil {
		return fmt.Errorf("postgres: encode error: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO delivery_records (
			job_id, email, first_name, last_name, subject, body, attachments, status, source,
			queued_at, processed_at, sent_at, failed_at, cancelled_at,
			sender, message_id, error, attempts, last_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		r.JobID, r.Recipient.Email, r.Recipient.FirstName, r.Recipient.LastName, r.Subject, r.Body,
		attachments, string(r.Status), r.Source,
		r.QueuedAt, r.ProcessedAt, r.SentAt, r.FailedAt, r.CancelledAt,
		sender, r.MessageID, recErr, r.Attempts, r.LastAttemptAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return delivery.ErrRecordExists
		}
		return fmt.Errorf("postgres: create record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, jobID string) (*models.DeliveryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE job_id = $1`, jobID)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, delivery.ErrRecordNotFound
		}
		return nil, fmt.Errorf("postgres: get record: %w", err)
	}
	return r, nil
}

func (s *Store) TransitionRecord(ctx context.Context, jobID string, u models.RecordUpdate) (bool, error) {
	col := models.TimestampColumn(u.To)
	if col == "" {
		return false, fmt.Errorf("postgres: no transition into %q", u.To)
	}
	sender, err := jsonOrNil(u.Sender)
	if err != nil {
		return false, fmt.Errorf("postgres: encode sender: %w", err)
	}
	recErr, err := jsonOrNil(u.Error)
	if err != nil {
		return false, fmt.Errorf("postgres: encode error: %w", err)
	}

	from := make([]string, 0, 3)
	for _, st := range models.AllowedFrom(u.To) {
		from = append(from, string(st))
	}

	// col comes from a fixed set of column names, never from input.
	set := fmt.Sprintf("%s = $3", col)
	if u.To == models.StatusProcessing {
		set += ", last_attempt_at = $3"
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2, updated_at = $3, `+set+`,
		    attempts = GREATEST(attempts, $4),
		    sender = COALESCE($5::jsonb, sender),
		    message_id = COALESCE(NULLIF($6::text, ''), message_id),
		    error = COALESCE($7::jsonb, error)
		WHERE job_id = $1 AND status = ANY($8::text[])`,
		jobID, string(u.To), u.At, u.Attempts, sender, u.MessageID, recErr, from,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: transition record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM delivery_records WHERE job_id = $1)`, jobID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check record: %w", err)
	}
	if !exists {
		return false, delivery.ErrRecordNotFound
	}
	return false, nil
}

func (s *Store) ListRecords(ctx context.Context, f delivery.ListFilter) ([]*models.DeliveryRecord, int64, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.Email != "" {
		add("position(lower($%d) in lower(email)) > 0", f.Email)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM delivery_records%s ORDER BY created_at DESC, job_id ASC LIMIT $%d OFFSET $%d`,
		recordColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.DeliveryRecord, 0, f.Limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: list records: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list records: %w", err)
	}
	return out, total, nil
}

func (s *Store) CountRecords(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM delivery_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count records: %w", err)
	}
	defer rows.Close()

	out := make(map[models.DeliveryStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: count records: %w", err)
		}
		out[models.DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) PurgeRecords(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM delivery_records
		WHERE status IN ('sent', 'cancelled', 'bounced', 'failed') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (*models.DeliveryRecord, error) {
	var (
		r           models.DeliveryRecord
		attachments []byte
		status      string
		sender      []byte
		recErr      []byte
	)
	err := row.Scan(
		&r.JobID, &r.Recipient.Email, &r.Recipient.FirstName, &r.Recipient.LastName,
		&r.Subject, &r.Body, &attachments, &status, &r.Source,
		&r.QueuedAt, &r.ProcessedAt, &r.SentAt, &r.FailedAt, &r.CancelledAt,
		&sender, &r.MessageID, &recErr, &r.Attempts, &r.LastAttemptAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.DeliveryStatus(status)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", r.JobID, err)
		}
	}
	if len(sender) > 0 {
		r.Sender = new(models.SenderIdentity)
		if err := json.Unmarshal(sender, r.Sender); err != nil {
			return nil, fmt.Errorf("decode sender of %s: %w", r.JobID, err)
		}
	}
	if len(recErr) > 0 {
		r.Error = new(models.RecordError)
		if err := json.Unmarshal(recErr, r.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", r.JobID, err)
		}
	}
	return &r, nil
}

func nonNilMetas(m []models.AttachmentMeta) []models.AttachmentMeta {
	if m == nil {
		return []models.AttachmentMeta{}
	}
	return m
}

// jsonOrNil encodes v, or returns nil so the column is written as NULL.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
