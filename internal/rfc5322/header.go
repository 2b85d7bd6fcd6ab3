// Package rfc5322 parses the header block of a raw RFC 5322 message into a
// small explicit struct, so the rest of the migration never has to touch a
// dynamic header map. It wraps emersion/go-message's MIME-aware header
// parser rather than splitting on commas or colons by hand.
package rfc5322

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Header is the subset of a message's headers the migration pipeline needs,
// already normalized: addresses are lowercased, Message-Id has its angle
// brackets stripped, Subject has folded whitespace collapsed.
type Header struct {
	MessageID string // normalized (lowercase, brackets stripped), or empty
	Subject   string
	From      string   // first From address, lowercase
	To        []string // lowercase addresses
	Cc        []string
	Bcc       []string
	Date      time.Time
	HasDate   bool

	// DeliveredTo, XOriginalTo and EnvelopeTo carry the raw, unparsed values
	// of headers IMAP aliases stash
	// the recipient in when a message was delivered via an alias address
	// (Delivered-To, X-Original-To, Envelope-To), used only by the address
	// filter — never by the fingerprint.
	DeliveredTo string
	XOriginalTo string
	EnvelopeTo  string
}

// Parse reads the header block of raw (which may be a full RFC 5322 message
// or just its header section, as returned by an IMAP HEADER.FIELDS fetch)
// and returns a normalized Header.
func Parse(raw []byte) (Header, error) {
	msgHeader, err := message.ReadHeader(bytes.NewReader(raw))
	if err != nil {
		return Header{}, fmt.Errorf("rfc5322: read header: %w", err)
	}
	mh := mail.Header{Header: msgHeader}

	var h Header

	if id, err := mh.MessageID(); err == nil {
		h.MessageID = normalizeMessageID(id)
	}

	if subj, err := mh.Subject(); err == nil {
		h.Subject = collapseWhitespace(subj)
	} else {
		h.Subject = collapseWhitespace(msgHeader.Get("Subject"))
	}

	if addrs, err := mh.AddressList("From"); err == nil && len(addrs) > 0 {
		h.From = strings.ToLower(strings.TrimSpace(addrs[0].Address))
	}
	h.To = addressStrings(mh, "To")
	h.Cc = addressStrings(mh, "Cc")
	h.Bcc = addressStrings(mh, "Bcc")

	if t, err := mh.Date(); err == nil && !t.IsZero() {
		h.Date = t
		h.HasDate = true
	}

	h.DeliveredTo = strings.TrimSpace(msgHeader.Get("Delivered-To"))
	h.XOriginalTo = strings.TrimSpace(msgHeader.Get("X-Original-To"))
	h.EnvelopeTo = strings.TrimSpace(msgHeader.Get("Envelope-To"))

	return h, nil
}

func addressStrings(mh mail.Header, key string) []string {
	addrs, err := mh.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == nil || a.Address == "" {
			continue
		}
		out = append(out, strings.ToLower(strings.TrimSpace(a.Address)))
	}
	return out
}

// normalizeMessageID strips angle brackets/whitespace and lowercases, the
// same normalization fingerprint.Compute expects of its Input.MessageID.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(id)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// MatchesAddress reports whether any of the header fields selected by
// includeSender/includeRecipients contain target (case-insensitive,
// substring match against the raw alias headers since those are not always
// well-formed address syntax; exact match against parsed address lists).
func (h Header) MatchesAddress(target string, includeSender, includeRecipients bool) bool {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return false
	}

	if includeSender && h.From == target {
		return true
	}
	if includeRecipients {
		for _, addr := range h.To {
			if addr == target {
				return true
			}
		}
		for _, addr := range h.Cc {
			if addr == target {
				return true
			}
		}
		for _, addr := range h.Bcc {
			if addr == target {
				return true
			}
		}
		if strings.Contains(strings.ToLower(h.DeliveredTo), target) ||
			strings.Contains(strings.ToLower(h.XOriginalTo), target) ||
			strings.Contains(strings.ToLower(h.EnvelopeTo), target) {
			return true
		}
	}
	return false
}
