// Package memory is an in-process implementation of the queue and
// delivery stores. State is lost on restart; use it for tests and local
// development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"MailPacer/internal/delivery"
	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

var (
	_ queue.Store    = (*Store)(nil)
	_ delivery.Store = (*Store)(nil)
)

// Store keeps jobs and records in maps. Jobs and records are guarded by
// separate locks so queue traffic does not contend with record writes.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	seq    int64
	paused bool

	recMu   sync.RWMutex
	records map[string]*models.DeliveryRecord
}

func New() *Store {
	return &Store{
		jobs:    make(map[string]*models.Job),
		records: make(map[string]*models.DeliveryRecord),
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// ------------------------------------------------
// Queue
// ------------------------------------------------

func (s *Store) EnqueueJob(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return queue.ErrDuplicate
	}
	s.seq++
	j.Seq = s.seq
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *Store) LeaseJob(_ context.Context, now time.Time, token string, until time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return nil, nil
	}

	var best *models.Job
	for _, j := range s.jobs {
		if !j.State.Pending() || j.RunAt.After(now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = models.JobActive
	best.LeaseToken = token
	u := until
	best.LeasedUntil = &u
	best.UpdatedAt = now
	return cloneJob(best), nil
}

func before(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.Seq < b.Seq
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	return cloneJob(j), nil
}

// leased returns the job if it is active under token. Caller holds mu.
func (s *Store) leased(id, token string) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if j.State != models.JobActive || j.LeaseToken != token {
		return nil, queue.ErrLeaseLost
	}
	return j, nil
}

func (s *Store) CompleteJob(_ context.Context, id, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(id, token)
	if err != nil {
		return err
	}
	j.State = models.JobCompleted
	j.Attempts++
	j.LeaseToken = ""
	j.LeasedUntil = nil
	j.UpdatedAt = at
	j.FinishedAt = &at
	return nil
}

func (s *Store) RetryJob(_ context.Context, id, token string, rel queue.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(id, token)
	if err != nil {
		return err
	}
	j.State = models.JobDelayed
	j.Attempts = rel.Attempts
	j.RunAt = rel.RunAt
	j.LastError = rel.LastError
	j.LeaseToken = ""
	j.LeasedUntil = nil
	j.UpdatedAt = rel.At
	return nil
}

func (s *Store) FailJob(_ context.Context, id, token string, rel queue.Release) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(id, token)
	if err != nil {
		return err
	}
	at := rel.At
	j.State = models.JobFailed
	j.Attempts = rel.Attempts
	j.LastError = rel.LastError
	j.ErrorCode = rel.Code
	j.LeaseToken = ""
	j.LeasedUntil = nil
	j.UpdatedAt = at
	j.FinishedAt = &at
	return nil
}

func (s *Store) CancelJob(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, queue.ErrNotFound
	}
	if !j.State.Pending() {
		return false, nil
	}
	j.State = models.JobCancelled
	j.UpdatedAt = at
	j.FinishedAt = &at
	return true, nil
}

func (s *Store) ReapJobs(_ context.Context, now time.Time, maxStalls int) ([]*models.Job, []*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued, dead []*models.Job
	for _, j := range s.jobs {
		if j.State != models.JobActive || j.LeasedUntil == nil || !j.LeasedUntil.Before(now) {
			continue
		}
		j.LeaseToken = ""
		j.LeasedUntil = nil
		j.UpdatedAt = now
		if j.Stalls < maxStalls {
			j.Stalls++
			j.State = models.JobWaiting
			j.RunAt = now
			requeued = append(requeued, cloneJob(j))
			continue
		}
		at := now
		j.State = models.JobFailed
		j.ErrorCode = models.CodeStalled
		j.LastError = queue.StalledReason
		j.FinishedAt = &at
		dead = append(dead, cloneJob(j))
	}
	return requeued, dead, nil
}

func (s *Store) CountJobs(_ context.Context, now time.Time) (models.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c models.QueueCounts
	for _, j := range s.jobs {
		c.Add(j.EffectiveState(now), 1)
	}
	return c, nil
}

func (s *Store) SetPaused(_ context.Context, paused bool) error {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	return nil
}

func (s *Store) Paused(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, nil
}

func (s *Store) PurgeJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.LeasedUntil != nil {
		t := *j.LeasedUntil
		cp.LeasedUntil = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Payload.Attachments = append([]models.Attachment(nil), j.Payload.Attachments...)
	if j.Payload.Data != nil {
		cp.Payload.Data = make(map[string]string, len(j.Payload.Data))
		for k, v := range j.Payload.Data {
			cp.Payload.Data[k] = v
		}
	}
	return &cp
}

// ------------------------------------------------
// Delivery records
// ------------------------------------------------

func (s *Store) CreateRecord(_ context.Context, r *models.DeliveryRecord) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if _, ok := s.records[r.JobID]; ok {
		return delivery.ErrRecordExists
	}
	s.records[r.JobID] = cloneRecord(r)
	return nil
}

func (s *Store) GetRecord(_ context.Context, jobID string) (*models.DeliveryRecord, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()

	r, ok := s.records[jobID]
	if !ok {
		return nil, delivery.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) TransitionRecord(_ context.Context, jobID string, u models.RecordUpdate) (bool, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	r, ok := s.records[jobID]
	if !ok {
		return false, delivery.ErrRecordNotFound
	}
	if !models.CanTransition(r.Status, u.To) {
		return false, nil
	}
	u.Apply(r)
	return true, nil
}

func (s *Store) ListRecords(_ context.Context, f delivery.ListFilter) ([]*models.DeliveryRecord, int64, error) {
	f = f.Normalize()
	email := strings.ToLower(f.Email)

	s.recMu.RLock()
	matched := make([]*models.DeliveryRecord, 0)
	for _, r := range s.records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Source != "" && r.Source != f.Source {
			continue
		}
		if email != "" && !strings.Contains(strings.ToLower(r.Recipient.Email), email) {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, cloneRecord(r))
	}
	s.recMu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].JobID < matched[k].JobID
	})

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*models.DeliveryRecord{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (s *Store) CountRecords(_ context.Context) (map[models.DeliveryStatus]int64, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()

	out := make(map[models.DeliveryStatus]int64)
	for _, r := range s.records {
		out[r.Status]++
	}
	return out, nil
}

func (s *Store) PurgeRecords(_ context.Context, cutoff time.Time) (int64, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	var n int64
	for id, r := range s.records {
		if (r.Status.Terminal() || r.Status == models.StatusFailed) && r.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func cloneRecord(r *models.DeliveryRecord) *models.DeliveryRecord {
	cp := *r
	cp.Attachments = append([]models.AttachmentMeta(nil), r.Attachments...)
	if r.Sender != nil {
		s := *r.Sender
		cp.Sender = &s
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}
