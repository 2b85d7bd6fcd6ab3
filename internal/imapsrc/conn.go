package imap

import "context"

// Mailbox describes one selectable mailbox as returned by LIST.
type Mailbox struct {
	Name string
}

// HeaderRecord is the result of a header-only FETCH, ahead of the filter
// decision on whether the full body is worth fetching.
type HeaderRecord struct {
	UID     uint32
	RawHead []byte // raw bytes of the requested header fields
	Size    int64  // RFC822 size, known ahead of any body fetch
}

// BodyRecord is the result of a full BODY.PEEK[] FETCH.
type BodyRecord struct {
	UID          uint32
	Raw          []byte
	InternalDate int64 // unix millis
	Size         int64
}

// headerFields lists every header the pipeline needs out of a HEADER.FIELDS
// fetch: fingerprint inputs (Message-Id, Date, From, Subject) plus the
// address-filter's alias headers (Delivered-To, X-Original-To, Envelope-To)
// and the standard recipient fields (To, Cc, Bcc).
var headerFields = []string{
	"From", "To", "Cc", "Bcc", "Subject", "Date", "Message-Id",
	"Delivered-To", "X-Original-To", "Envelope-To",
}

// Conn is the minimal surface the pool needs from one authenticated IMAP
// session. It exists so Pool and the pipeline can be exercised in tests against a
// fake implementation without a real server on the wire; realConn
// implements it over github.com/emersion/go-imap/v2.
type Conn interface {
	// Select chooses mailbox and returns its current UIDVALIDITY.
	Select(ctx context.Context, mailbox string) (uidValidity uint32, err error)

	// ListMailboxes returns every selectable mailbox.
	ListMailboxes(ctx context.Context) ([]Mailbox, error)

	// SearchUIDsSince returns every UID in the selected mailbox strictly
	// greater than sinceUID (0 to fetch everything), matching the
	// configured search query.
	SearchUIDsSince(ctx context.Context, searchQuery string, sinceUID uint32) ([]uint32, error)

	// FetchHeaders fetches the header fields used for filter evaluation
	// and fingerprinting for the given UIDs in the selected mailbox.
	FetchHeaders(ctx context.Context, uids []uint32) ([]HeaderRecord, error)

	// FetchBodies fetches the full raw RFC 5322 bytes for the given UIDs.
	FetchBodies(ctx context.Context, uids []uint32) ([]BodyRecord, error)

	// Close logs out and closes the underlying network connection.
	Close() error
}

// Dialer creates a new authenticated Conn. realDialer implements this over
// the real IMAP protocol; tests substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}
