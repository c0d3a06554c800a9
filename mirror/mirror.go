package mirror

import (
	"time"
)

// RecordType is the kind of completed chat operation
type RecordType string

// Supported record types
const (
	LoginRecord       RecordType = "login"
	ChatMessageRecord RecordType = "chat_message"
	LogoutRecord      RecordType = "logout"
)

// Record describes one completed chat operation
type Record struct {
	// Type is the operation type
	Type RecordType `json:"type" validate:"required,oneof=login chat_message logout"`
	// UserName is the user who originated the operation
	UserName string `json:"user_name" validate:"required"`
	// TransactionID is the request's transaction ID
	TransactionID string `json:"transaction_id"`
	// SequenceNumber is the chat message sequence number
	SequenceNumber int64 `json:"sequence_number,omitempty"`
	// Message is the chat message text
	Message string `json:"message,omitempty"`
	// ServerTime is the server processing duration
	ServerTime time.Duration `json:"server_time_ns"`
	// CompletedAt when the operation completed
	CompletedAt time.Time `json:"completed_at"`
}

// EventMirror forwards completed chat operations to an external system
type EventMirror interface {
	/*
		Mirror queue a record for forwarding. Never blocks the caller.

		 @param record Record - the completed operation
		 @return whether the record was queued
	*/
	Mirror(record Record) error

	// Stop stop forwarding
	Stop() error
}

// noopMirror EventMirror which discards everything
type noopMirror struct{}

// GetNoopMirror define an EventMirror which discards everything
func GetNoopMirror() EventMirror {
	return noopMirror{}
}

func (noopMirror) Mirror(Record) error {
	return nil
}

func (noopMirror) Stop() error {
	return nil
}
