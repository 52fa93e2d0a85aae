// Package delivery defines the durable per-recipient delivery record
// contract shared by the worker, the dispatch facade and reporting.
package delivery

import (
	"context"
	"errors"
	"time"

	"MailPacer/internal/models"
)

var (
	ErrRecordNotFound = errors.New("delivery: record not found")
	ErrRecordExists   = errors.New("delivery: record already exists")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ListFilter selects records for history listings. Zero values match
// everything; Email is a case-insensitive substring match.
type ListFilter struct {
	Status models.DeliveryStatus
	Email  string
	Source string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Normalize applies limit defaults and bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Store persists delivery records keyed by job id.
//
// TransitionRecord applies u only if the record's current status is in
// models.AllowedFrom(u.To); the check and the write are one atomic step.
// It returns false when the transition is not allowed, and
// ErrRecordNotFound when no record exists. Writes to different records
// never block each other.
type Store interface {
	CreateRecord(ctx context.Context, r *models.DeliveryRecord) error
	GetRecord(ctx context.Context, jobID string) (*models.DeliveryRecord, error)
	TransitionRecord(ctx context.Context, jobID string, u models.RecordUpdate) (bool, error)
	ListRecords(ctx context.Context, f ListFilter) ([]*models.DeliveryRecord, int64, error)
	CountRecords(ctx context.Context) (map[models.DeliveryStatus]int64, error)
	PurgeRecords(ctx context.Context, before time.Time) (int64, error)
}
