package models

import "time"

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Pending reports whether the job can still be leased or cancelled.
func (s JobState) Pending() bool {
	return s == JobWaiting || s == JobDelayed
}

// Terminal reports whether the queue is done with the job.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Error codes recorded on jobs and delivery records.
const (
	CodeSendFailed     = "SEND_FAILED"
	CodePermanent      = "PERMANENT"
	CodeStalled        = "STALLED"
	CodeNoAccount      = "NO_ACCOUNT"
	CodeRetryExhausted = "RETRY_EXHAUSTED"
	CodeInvalidAddress = "INVALID_ADDRESS"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeRejected       = "REJECTED"
)

// BackoffPolicy controls the delay between transient send failures.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// EmailPayload is the content of one send. Subject and Body are already
// personalized for the recipient.
type EmailPayload struct {
	To          string            `json:"to"`
	FirstName   string            `json:"first_name,omitempty"`
	LastName    string            `json:"last_name,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Source      string            `json:"source,omitempty"`
}

// Job is one scheduled email send owned by the queue.
type Job struct {
	ID          string        `json:"id"`
	Payload     EmailPayload  `json:"payload"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`
	RunAt       time.Time     `json:"run_at"`
	State       JobState      `json:"state"`

	// Seq orders jobs with equal priority and RunAt by enqueue order.
	Seq    int64 `json:"seq"`
	Stalls int   `json:"stalls"`

	LeaseToken  string     `json:"-"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`

	LastError string `json:"last_error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// EffectiveState reports delayed jobs whose RunAt has passed as waiting.
func (j *Job) EffectiveState(now time.Time) JobState {
	if j.State == JobDelayed && !j.RunAt.After(now) {
		return JobWaiting
	}
	return j.State
}

// QueueCounts is the number of jobs per state.
type QueueCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

func (c QueueCounts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed + c.Cancelled
}

// Add increments the counter matching state.
func (c *QueueCounts) Add(state JobState, n int64) {
	switch state {
	case JobWaiting:
		c.Waiting += n
	case JobDelayed:
		c.Delayed += n
	case JobActive:
		c.Active += n
	case JobCompleted:
		c.Completed += n
	case JobFailed:
		c.Failed += n
	case JobCancelled:
		c.Cancelled += n
	}
}
