package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"MailPacer/internal/delivery"
	"MailPacer/internal/models"
)

const recordColumns = `job_id, email, first_name, last_name, subject, body, attachments, status, source,
	queued_at, processed_at, sent_at, failed_at, cancelled_at,
	sender, message_id, error, attempts, last_attempt_at, created_at, updated_at`

func (s *Store) CreateRecord(ctx context.Context, r *models.DeliveryRecord) error {
	metas := r.Attachments
	if metas == nil {
		metas = []models.AttachmentMeta{}
	}
	attachments, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("sqlite: encode attachments: %w", err)
	}
	sender, err := jsonText(r.Sender)
	if err != nil {
		return fmt.Errorf("sqlite: encode sender: %w", err)
	}
	recErr, err := jsonText(r.Error)
	if err != nil {
		return fmt.Errorf("sqlite: encode error: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.Recipient.Email, r.Recipient.FirstName, r.Recipient.LastName, r.Subject, r.Body,
		string(attachments), string(r.Status), r.Source,
		ts(r.QueuedAt), tsPtr(r.ProcessedAt), tsPtr(r.SentAt), tsPtr(r.FailedAt), tsPtr(r.CancelledAt),
		sender, r.MessageID, recErr, r.Attempts, tsPtr(r.LastAttemptAt), ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return delivery.ErrRecordExists
		}
		return fmt.Errorf("sqlite: create record: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, jobID string) (*models.DeliveryRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE job_id = ?`, jobID))
	if err != nil {
		if isNoRows(err) {
			return nil, delivery.ErrRecordNotFound
		}
		return nil, fmt.Errorf("sqlite: get record: %w", err)
	}
	return r, nil
}

func (s *Store) TransitionRecord(ctx context.Context, jobID string, u models.RecordUpdate) (bool, error) {
	col := models.TimestampColumn(u.To)
	if col == "" {
		return false, fmt.Errorf("sqlite: no transition into %q", u.To)
	}
	sender, err := jsonText(u.Sender)
	if err != nil {
		return false, fmt.Errorf("sqlite: encode sender: %w", err)
	}
	recErr, err := jsonText(u.Error)
	if err != nil {
		return false, fmt.Errorf("sqlite: encode error: %w", err)
	}

	set := col + " = ?"
	args := []any{string(u.To), ts(u.At), ts(u.At)}
	if u.To == models.StatusProcessing {
		set += ", last_attempt_at = ?"
		args = append(args, ts(u.At))
	}
	args = append(args, u.Attempts, sender, u.MessageID, recErr, jobID)

	from := models.AllowedFrom(u.To)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = ?, updated_at = ?, `+set+`,
		    attempts = MAX(attempts, ?),
		    sender = COALESCE(?, sender),
		    message_id = COALESCE(NULLIF(?, ''), message_id),
		    error = COALESCE(?, error)
		WHERE job_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: transition record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM delivery_records WHERE job_id = ?)`, jobID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: check record: %w", err)
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
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Email != "" {
		where = append(where, "instr(lower(email), lower(?)) > 0")
		args = append(args, f.Email)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ts(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, ts(f.To))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records`+clause+` ORDER BY created_at DESC, job_id ASC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.DeliveryRecord, 0, f.Limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: list records: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list records: %w", err)
	}
	return out, total, nil
}

func (s *Store) CountRecords(ctx context.Context) (map[models.DeliveryStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count records: %w", err)
	}
	defer rows.Close()

	out := make(map[models.DeliveryStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite: count records: %w", err)
		}
		out[models.DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *Store) PurgeRecords(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_records
		WHERE status IN ('sent', 'cancelled', 'bounced', 'failed') AND updated_at < ?`,
		ts(before),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge records: %w", err)
	}
	return res.RowsAffected()
}

func scanRecord(row scanner) (*models.DeliveryRecord, error) {
	var (
		r             models.DeliveryRecord
		attachments   string
		status        string
		queuedAt      int64
		processedAt   sql.NullInt64
		sentAt        sql.NullInt64
		failedAt      sql.NullInt64
		cancelledAt   sql.NullInt64
		sender        sql.NullString
		recErr        sql.NullString
		lastAttemptAt sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&r.JobID, &r.Recipient.Email, &r.Recipient.FirstName, &r.Recipient.LastName,
		&r.Subject, &r.Body, &attachments, &status, &r.Source,
		&queuedAt, &processedAt, &sentAt, &failedAt, &cancelledAt,
		&sender, &r.MessageID, &recErr, &r.Attempts, &lastAttemptAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = models.DeliveryStatus(status)
	r.QueuedAt = fromTS(queuedAt)
	r.ProcessedAt = fromNullTS(processedAt)
	r.SentAt = fromNullTS(sentAt)
	r.FailedAt = fromNullTS(failedAt)
	r.CancelledAt = fromNullTS(cancelledAt)
	r.LastAttemptAt = fromNullTS(lastAttemptAt)
	r.CreatedAt = fromTS(createdAt)
	r.UpdatedAt = fromTS(updatedAt)

	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &r.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", r.JobID, err)
		}
	}
	if sender.Valid {
		r.Sender = new(models.SenderIdentity)
		if err := json.Unmarshal([]byte(sender.String), r.Sender); err != nil {
			return nil, fmt.Errorf("decode sender of %s: %w", r.JobID, err)
		}
	}
	if recErr.Valid {
		r.Error = new(models.RecordError)
		if err := json.Unmarshal([]byte(recErr.String), r.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", r.JobID, err)
		}
	}
	return &r, nil
}

// jsonText encodes v as a JSON string, or returns nil for a NULL column.
func jsonText[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
