// Package gmail provides a Gmail API client with rate limiting and retry
// logic, scoped to the write operations a mailbox migration needs: label
// management plus raw-message import/insert.
package gmail

import (
	"context"
	"time"
)

// AccountReader provides read access to account-level Gmail data.
type AccountReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)
}

// LabelManager provides label discovery and lazy creation.
type LabelManager interface {
	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)

	// CreateLabel creates a new user label and returns it.
	CreateLabel(ctx context.Context, name string) (*Label, error)
}

// MessageWriter writes raw RFC 5322 messages into the mailbox.
type MessageWriter interface {
	// ImportMessage uses messages.import, which applies Gmail's spam/inbox
	// classification and threading heuristics as if the message had just
	// arrived. retries reports how many 429/5xx/401 attempts this call
	// absorbed internally before succeeding, so a caller that records the
	// outcome (StateDB's retry_count) doesn't have to re-derive it.
	ImportMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (remoteID string, retries int, err error)

	// InsertMessage uses messages.insert, which bypasses classification and
	// places the message exactly under the given labels. See ImportMessage
	// for the retries return value's meaning.
	InsertMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (remoteID string, retries int, err error)
}

// API defines the interface for Gmail operations used by the migration
// pipeline. This interface enables mocking for tests without hitting the
// real API.
type API interface {
	AccountReader
	LabelManager
	MessageWriter

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents a Gmail user profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Label represents a Gmail label.
type Label struct {
	ID                    string
	Name                  string
	Type                  string // "system" or "user"
	MessageListVisibility string
	LabelListVisibility   string
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Path
}
