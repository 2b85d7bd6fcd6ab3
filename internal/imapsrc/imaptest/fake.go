// Package imaptest provides an in-process fake IMAP backend sufficient to
// drive the pipeline's testable scenarios (S1-S6) without a real server on
// the wire, in the spirit of wesm-msgvault's own preference for fakes over
// live servers in its gmail client tests.
package imaptest

import (
	"context"
	"fmt"
	"sort"

	imap "github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc"
)

// Message is one fake message seeded into a Mailbox.
type Message struct {
	UID uint32
	Raw []byte // full raw RFC 5322 bytes; headers are sliced off the top
}

// Mailbox is one fake folder with its own UIDVALIDITY epoch.
type Mailbox struct {
	UIDValidity uint32
	Messages    []Message
}

// Server holds the fake account's mailboxes, keyed by name.
type Server struct {
	Mailboxes map[string]*Mailbox

	// DialErr, when set, is returned by every Dial call.
	DialErr error
}

// NewServer returns an empty fake server.
func NewServer() *Server {
	return &Server{Mailboxes: make(map[string]*Mailbox)}
}

// Dialer adapts Server to imap.Dialer.
func (s *Server) Dialer() imap.Dialer { return dialerAdapter{s} }

type dialerAdapter struct{ s *Server }

func (d dialerAdapter) Dial(ctx context.Context, cfg imap.Config) (imap.Conn, error) {
	if d.s.DialErr != nil {
		return nil, d.s.DialErr
	}
	return &fakeConn{s: d.s}, nil
}

type fakeConn struct {
	s        *Server
	selected string
}

func (c *fakeConn) Select(ctx context.Context, mailbox string) (uint32, error) {
	mb, ok := c.s.Mailboxes[mailbox]
	if !ok {
		return 0, fmt.Errorf("imaptest: no such mailbox %q", mailbox)
	}
	c.selected = mailbox
	return mb.UIDValidity, nil
}

func (c *fakeConn) ListMailboxes(ctx context.Context) ([]imap.Mailbox, error) {
	names := make([]string, 0, len(c.s.Mailboxes))
	for name := range c.s.Mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]imap.Mailbox, len(names))
	for i, n := range names {
		out[i] = imap.Mailbox{Name: n}
	}
	return out, nil
}

func (c *fakeConn) SearchUIDsSince(ctx context.Context, searchQuery string, sinceUID uint32) ([]uint32, error) {
	mb := c.s.Mailboxes[c.selected]
	if mb == nil {
		return nil, fmt.Errorf("imaptest: mailbox %q not selected", c.selected)
	}
	var uids []uint32
	for _, m := range mb.Messages {
		if m.UID > sinceUID {
			uids = append(uids, m.UID)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (c *fakeConn) find(uid uint32) (Message, bool) {
	mb := c.s.Mailboxes[c.selected]
	if mb == nil {
		return Message{}, false
	}
	for _, m := range mb.Messages {
		if m.UID == uid {
			return m, true
		}
	}
	return Message{}, false
}

func (c *fakeConn) FetchHeaders(ctx context.Context, uids []uint32) ([]imap.HeaderRecord, error) {
	out := make([]imap.HeaderRecord, 0, len(uids))
	for _, uid := range uids {
		m, ok := c.find(uid)
		if !ok {
			continue
		}
		out = append(out, imap.HeaderRecord{UID: uid, RawHead: headerOnly(m.Raw), Size: int64(len(m.Raw))})
	}
	return out, nil
}

func (c *fakeConn) FetchBodies(ctx context.Context, uids []uint32) ([]imap.BodyRecord, error) {
	out := make([]imap.BodyRecord, 0, len(uids))
	for _, uid := range uids {
		m, ok := c.find(uid)
		if !ok {
			continue
		}
		out = append(out, imap.BodyRecord{UID: uid, Raw: m.Raw, Size: int64(len(m.Raw))})
	}
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

// headerOnly returns the bytes up to (and including) the first blank line,
// mimicking a HEADER.FIELDS FETCH against the full stored message.
func headerOnly(raw []byte) []byte {
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] == '\n' && raw[i+1] == '\n' {
			return raw[:i+2]
		}
		if i+3 < len(raw) && raw[i] == '\r' && raw[i+1] == '\n' && raw[i+2] == '\r' && raw[i+3] == '\n' {
			return raw[:i+4]
		}
	}
	return raw
}
