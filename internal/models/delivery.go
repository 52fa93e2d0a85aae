package models

import "time"

type DeliveryStatus string

const (
	StatusQueued     DeliveryStatus = "queued"
	StatusProcessing DeliveryStatus = "processing"
	StatusSent       DeliveryStatus = "sent"
	StatusFailed     DeliveryStatus = "failed"
	StatusBounced    DeliveryStatus = "bounced"
	StatusCancelled  DeliveryStatus = "cancelled"
)

// Terminal reports whether the engine will never move a record out of s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusBounced
}

var allowedFrom = map[DeliveryStatus][]DeliveryStatus{
	StatusProcessing: {StatusQueued, StatusProcessing, StatusFailed},
	StatusSent:       {StatusProcessing},
	StatusFailed:     {StatusQueued, StatusProcessing},
	StatusCancelled:  {StatusQueued},
}

// AllowedFrom lists the statuses a record may be in to move to `to`.
func AllowedFrom(to DeliveryStatus) []DeliveryStatus {
	return allowedFrom[to]
}

func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Recipient struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// SenderIdentity is the account actually used for a send.
type SenderIdentity struct {
	AccountID string `json:"account_id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
}

type RecordError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DeliveryRecord is the durable audit row of one recipient's send.
type DeliveryRecord struct {
	JobID       string           `json:"job_id"`
	Recipient   Recipient        `json:"recipient"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
	Status      DeliveryStatus   `json:"status"`
	Source      string           `json:"source,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Sender        *SenderIdentity `json:"sender,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	Error         *RecordError    `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDeliveryRecord builds the queued record for a job.
func NewDeliveryRecord(j *Job, now time.Time) *DeliveryRecord {
	metas := make([]AttachmentMeta, 0, len(j.Payload.Attachments))
	for _, a := range j.Payload.Attachments {
		metas = append(metas, a.Meta())
	}
	return &DeliveryRecord{
		JobID: j.ID,
		Recipient: Recipient{
			Email:     j.Payload.To,
			FirstName: j.Payload.FirstName,
			LastName:  j.Payload.LastName,
		},
		Subject:     j.Payload.Subject,
		Body:        j.Payload.Body,
		Attachments: metas,
		Status:      StatusQueued,
		Source:      j.Payload.Source,
		QueuedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RecordUpdate describes one status transition. Zero-valued optional
// fields leave the stored value untouched.
type RecordUpdate struct {
	To        DeliveryStatus
	At        time.Time
	Attempts  int
	Sender    *SenderIdentity
	MessageID string
	Error     *RecordError
}

// Apply mutates r in place. Callers must have checked CanTransition.
func (u RecordUpdate) Apply(r *DeliveryRecord) {
	at := u.At
	r.Status = u.To
	r.UpdatedAt = at
	switch u.To {
	case StatusProcessing:
		r.ProcessedAt = &at
		r.LastAttemptAt = &at
	case StatusSent:
		r.SentAt = &at
	case StatusFailed:
		r.FailedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	}
	if u.Attempts > r.Attempts {
		r.Attempts = u.Attempts
	}
	if u.Sender != nil {
		s := *u.Sender
		r.Sender = &s
	}
	if u.MessageID != "" {
		r.MessageID = u.MessageID
	}
	if u.Error != nil {
		e := *u.Error
		r.Error = &e
	}
}

// TimestampColumn names the column set by a transition into s.
func TimestampColumn(s DeliveryStatus) string {
	switch s {
	case StatusProcessing:
		return "processed_at"
	case StatusSent:
		return "sent_at"
	case StatusFailed:
		return "failed_at"
	case StatusCancelled:
		return "cancelled_at"
	}
	return ""
}
