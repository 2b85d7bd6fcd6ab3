package imap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// isPermanentIMAPErr classifies an error surfaced by the imapclient library
// as not worth retrying: anything that isn't recognizably a transient
// network/protocol hiccup (closed connection, timeout, truncated response)
// is treated as permanent so withRetry fails fast rather than burning its
// budget on e.g. a bad credential.
func isPermanentIMAPErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"eof", "timeout", "reset by peer", "broken pipe", "closed", "i/o timeout", "temporary"} {
		if strings.Contains(msg, transient) {
			return false
		}
	}
	return true
}

func wrapIMAPErr(err error) error {
	if err == nil {
		return nil
	}
	if isPermanentIMAPErr(err) {
		return migerr.New(migerr.IMAPProtocol, err)
	}
	return migerr.New(migerr.NetworkTransient, err)
}

// dialAuthErr marks a Login failure as a permanent authentication error, as
// distinct from a transient connection drop encountered earlier in the same
// dial attempt; withRetry must fail fast on the former but keep retrying
// the latter.
type dialAuthErr struct{ err error }

func (e *dialAuthErr) Error() string { return e.err.Error() }
func (e *dialAuthErr) Unwrap() error { return e.err }

// isPermanentDialErr classifies a Dial attempt's error for withRetry: a
// login failure is always permanent, everything else falls back to the
// same transient/permanent heuristic the other realConn methods use.
func isPermanentDialErr(err error) bool {
	var authErr *dialAuthErr
	if errors.As(err, &authErr) {
		return true
	}
	return isPermanentIMAPErr(err)
}

// realConn wraps an authenticated *imapclient.Client, translating the
// library's command/Wait()-style calls into the plain Conn interface.
type realConn struct {
	client *imapclient.Client
}

// realDialer dials real IMAP servers.
type realDialer struct{}

// NewDialer returns the Dialer used by Pool outside of tests.
func NewDialer() Dialer { return realDialer{} }

// Dial retries a dial+login attempt the same way every other realConn
// method retries its command, via withRetryValue/isPermanentDialErr: a
// transient timeout, reset or closed connection during the network dial or
// a protocol hiccup during Login is retried with bounded backoff, while a
// rejected credential fails fast as a permanent migerr.AuthFailed. A
// refused connection matches none of isPermanentIMAPErr's transient
// markers, so it is treated as permanent and not retried.
func (realDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	addr := cfg.Addr()

	conn, err := withRetryValue(ctx, isPermanentDialErr, func() (*realConn, error) {
		var (
			client  *imapclient.Client
			dialErr error
		)
		if cfg.TLS {
			client, dialErr = imapclient.DialTLS(addr, nil)
		} else {
			client, dialErr = imapclient.DialInsecure(addr, nil)
		}
		if dialErr != nil {
			return nil, fmt.Errorf("dial IMAP %s: %w", addr, dialErr)
		}

		if loginErr := client.Login(cfg.Username, cfg.Password).Wait(); loginErr != nil {
			_ = client.Close()
			return nil, &dialAuthErr{err: fmt.Errorf("IMAP login: %w", loginErr)}
		}

		return &realConn{client: client}, nil
	})
	if err != nil {
		var authErr *dialAuthErr
		if errors.As(err, &authErr) {
			return nil, migerr.New(migerr.AuthFailed, authErr.err)
		}
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, wrapIMAPErr(err))
	}
	return conn, nil
}

func (c *realConn) Select(ctx context.Context, mailbox string) (uint32, error) {
	data, err := withRetryValue(ctx, isPermanentIMAPErr, func() (*imap.SelectData, error) {
		return c.client.Select(mailbox, nil).Wait()
	})
	if err != nil {
		return 0, fmt.Errorf("SELECT %q: %w", mailbox, wrapIMAPErr(err))
	}
	return uint32(data.UIDValidity), nil
}

func (c *realConn) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	items, err := withRetryValue(ctx, isPermanentIMAPErr, func() ([]*imapclient.ListData, error) {
		return c.client.List("", "*", nil).Collect()
	})
	if err != nil {
		return nil, fmt.Errorf("LIST: %w", wrapIMAPErr(err))
	}
	out := make([]Mailbox, 0, len(items))
	for _, item := range items {
		if hasAttr(item.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		out = append(out, Mailbox{Name: item.Mailbox})
	}
	return out, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

func (c *realConn) SearchUIDsSince(ctx context.Context, searchQuery string, sinceUID uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{}
	if searchQuery != "" && searchQuery != "ALL" {
		criteria.Body = []string{searchQuery}
	}

	var sinceSet imap.UIDSet
	sinceSet.AddRange(imap.UID(sinceUID+1), 0) // 0 as the upper bound means "*"
	criteria.UID = []imap.UIDSet{sinceSet}

	data, err := withRetryValue(ctx, isPermanentIMAPErr, func() (*imap.SearchData, error) {
		return c.client.UIDSearch(criteria, &imap.SearchOptions{ReturnAll: true}).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH: %w", wrapIMAPErr(err))
	}

	uidSet, ok := data.All.(imap.UIDSet)
	if !ok {
		return nil, nil
	}
	nums, _ := uidSet.Nums()
	out := make([]uint32, len(nums))
	for i, n := range nums {
		out[i] = uint32(n)
	}
	return out, nil
}

func toUIDSet(uids []uint32) imap.UIDSet {
	var set imap.UIDSet
	for _, u := range uids {
		set.AddNum(imap.UID(u))
	}
	return set
}

func (c *realConn) FetchHeaders(ctx context.Context, uids []uint32) ([]HeaderRecord, error) {
	opts := &imap.FetchOptions{
		UID:        true,
		RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{{
			Specifier:    imap.PartSpecifierHeader,
			HeaderFields: headerFields,
			Peek:         true,
		}},
	}

	msgs, err := withRetryValue(ctx, isPermanentIMAPErr, func() ([]*imapclient.FetchMessageBuffer, error) {
		return c.client.Fetch(toUIDSet(uids), opts).Collect()
	})
	if err != nil {
		return nil, fmt.Errorf("UID FETCH (headers): %w", wrapIMAPErr(err))
	}

	out := make([]HeaderRecord, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		if len(m.BodySection) > 0 {
			raw = m.BodySection[0].Bytes
		}
		out = append(out, HeaderRecord{UID: uint32(m.UID), RawHead: raw, Size: m.RFC822Size})
	}
	return out, nil
}

func (c *realConn) FetchBodies(ctx context.Context, uids []uint32) ([]BodyRecord, error) {
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}}, // empty section = entire message
	}

	msgs, err := withRetryValue(ctx, isPermanentIMAPErr, func() ([]*imapclient.FetchMessageBuffer, error) {
		return c.client.Fetch(toUIDSet(uids), opts).Collect()
	})
	if err != nil {
		return nil, fmt.Errorf("UID FETCH (body): %w", wrapIMAPErr(err))
	}

	out := make([]BodyRecord, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		if len(m.BodySection) > 0 {
			raw = m.BodySection[0].Bytes
		}
		out = append(out, BodyRecord{
			UID:          uint32(m.UID),
			Raw:          raw,
			InternalDate: m.InternalDate.UnixMilli(),
			Size:         m.RFC822Size,
		})
	}
	return out, nil
}

func (c *realConn) Close() error {
	return c.client.Logout().Wait()
}
