package domain

import (
	"encoding/json"
	"time"
)

// Task states.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// Task is one attempt-bearing invocation of a named background job.
type Task struct {
	ID                string
	Type              string
	UserID            string // empty for periodic/maintenance tasks
	Payload           []byte
	Priority          int
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Schedule is a periodic entry that enqueues a task on a cron expression.
type Schedule struct {
	ID          string
	Name        string
	CronExpr    string
	TaskType    string
	Payload     []byte
	Priority    int
	MaxAttempts int
	Enabled     bool
	LastRun     *time.Time
	NextRun     time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event message types, mirrored by the frontend.
const (
	EventProcessing = "processing"
	EventProgress   = "progress"
	EventSuccess    = "success"
	EventError      = "error"
)

// Message is the user-facing half of a bus envelope. Action is the tag the
// frontend listens for; it is decoupled from the internal task name.
type Message struct {
	Type     string          `json:"type"`
	Action   string          `json:"action"`
	Message  string          `json:"message,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Event is one persisted envelope on the bus, addressed to one user.
type Event struct {
	ID        int64
	UserID    string
	Payload   []byte // JSON-encoded Message
	CreatedAt time.Time
}

// Course is an AI-generated course outline persisted by course.generate.
type Course struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id"`
	Topic     string          `json:"topic"`
	Level     string          `json:"level"`
	Title     string          `json:"title"`
	Outline   json.RawMessage `json:"outline"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduleBlock is one study-time block created by schedule.generate.
type ScheduleBlock struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Idx       int       `json:"idx"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Resource is a recommended study resource persisted by resource.recommend.
type Resource struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id"`
	Topic     string    `json:"topic"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Snippet   string    `json:"snippet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
