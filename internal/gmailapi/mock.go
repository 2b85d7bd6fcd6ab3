package gmail

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAPI is a mock implementation of the Gmail API for testing.
type MockAPI struct {
	mu sync.Mutex

	Profile *Profile
	Labels  []*Label

	nextLabelID int
	nextMsgID   int

	// Imported/Inserted records every successful write, keyed by the
	// synthetic remote ID assigned.
	Imported map[string]WrittenMessage
	Inserted map[string]WrittenMessage

	ProfileError    error
	LabelsError     error
	CreateLabelErr  error
	ImportError     error
	InsertError     error

	// ImportRetries/InsertRetries are returned as every call's retry
	// count, simulating a write that only succeeded after absorbing some
	// number of 429/5xx responses internally.
	ImportRetries int
	InsertRetries int

	ProfileCalls    int
	LabelsCalls     int
	CreateLabelCalls []string
	ImportCalls     int
	InsertCalls     int
}

// WrittenMessage records one call to ImportMessage/InsertMessage.
type WrittenMessage struct {
	Raw          []byte
	LabelIDs     []string
	InternalDate time.Time
}

// NewMockAPI creates a new mock API with empty state.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Imported: make(map[string]WrittenMessage),
		Inserted: make(map[string]WrittenMessage),
	}
}

// GetProfile returns the mock profile.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileCalls++

	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile == nil {
		return &Profile{EmailAddress: "test@example.com"}, nil
	}
	return m.Profile, nil
}

// ListLabels returns the mock labels.
func (m *MockAPI) ListLabels(ctx context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++

	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	if m.Labels == nil {
		return []*Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "SENT", Name: "SENT", Type: "system"},
		}, nil
	}
	return m.Labels, nil
}

// CreateLabel appends a new user label to the mock's label list.
func (m *MockAPI) CreateLabel(ctx context.Context, name string) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateLabelCalls = append(m.CreateLabelCalls, name)

	if m.CreateLabelErr != nil {
		return nil, m.CreateLabelErr
	}

	m.nextLabelID++
	label := &Label{ID: fmt.Sprintf("Label_%d", m.nextLabelID), Name: name, Type: "user"}
	m.Labels = append(m.Labels, label)
	return label, nil
}

// ImportMessage records the write and returns a synthetic remote ID.
// ImportRetries, when set, is returned as the call's retry count so tests
// can exercise a write that succeeded after simulated 429/5xx backoff.
func (m *MockAPI) ImportMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImportCalls++

	if m.ImportError != nil {
		return "", m.ImportRetries, m.ImportError
	}

	m.nextMsgID++
	id := fmt.Sprintf("imported_%d", m.nextMsgID)
	m.Imported[id] = WrittenMessage{Raw: raw, LabelIDs: labelIDs, InternalDate: internalDate}
	return id, m.ImportRetries, nil
}

// InsertMessage records the write and returns a synthetic remote ID.
func (m *MockAPI) InsertMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++

	if m.InsertError != nil {
		return "", m.InsertRetries, m.InsertError
	}

	m.nextMsgID++
	id := fmt.Sprintf("inserted_%d", m.nextMsgID)
	m.Inserted[id] = WrittenMessage{Raw: raw, LabelIDs: labelIDs, InternalDate: internalDate}
	return id, m.InsertRetries, nil
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// Ensure MockAPI implements API interface.
var _ API = (*MockAPI)(nil)
