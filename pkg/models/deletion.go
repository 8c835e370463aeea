package models

import "time"

// ChatEventCursor is the last processed deletion-log event of a chat
type ChatEventCursor struct {
	ChatID      int64     `db:"chat_id"`
	LastEventID int64     `db:"last_event_id"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// PendingDeletion is a durable work item for a deleted chat thread
type PendingDeletion struct {
	ChatID      int64      `db:"chat_id"`
	ThreadID    int        `db:"thread_id"`
	EventID     int64      `db:"event_id"`
	DetectedAt  time.Time  `db:"detected_at"`
	ProcessedAt *time.Time `db:"processed_at"`
	Attempts    int        `db:"attempts"`
	LastError   *string    `db:"last_error"`
}

// Processed reports whether the deletion was carried out
func (p *PendingDeletion) Processed() bool {
	return p.ProcessedAt != nil
}

// ChatEventKind classifies deletion-log events
type ChatEventKind string

const (
	// ChatEventTopicDeleted is a forum topic deletion
	ChatEventTopicDeleted ChatEventKind = "topic_deleted"
	// ChatEventOther is any event the sync ignores
	ChatEventOther ChatEventKind = "other"
)

// ChatEvent is one entry of a chat's ordered event log
type ChatEvent struct {
	ID       int64
	Date     time.Time
	Kind     ChatEventKind
	ThreadID int
}
