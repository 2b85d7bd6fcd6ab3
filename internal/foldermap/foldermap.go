// Package foldermap maps IMAP folder names to Gmail label pairs.
package foldermap

import (
	"regexp"
	"strings"
)

// Mapping is the result of mapping one IMAP folder name.
type Mapping struct {
	// CustomLabel is the "<prefix>/<path>" label Gmail will create.
	CustomLabel string
	// SystemLabel is a Gmail system label (INBOX, SENT, TRASH, SPAM, DRAFT),
	// or empty if the folder doesn't correspond to one.
	SystemLabel string
}

var (
	sentRe  = regexp.MustCompile(`(?i)^sent`)
	trashRe = regexp.MustCompile(`(?i)^(trash|deleted)`)
	spamRe  = regexp.MustCompile(`(?i)^(spam|junk)`)
	draftRe = regexp.MustCompile(`(?i)^draft`)
)

// Map converts an IMAP folder name (already IMAP-UTF-7 decoded, using "/" as
// the hierarchy separator) into a custom label path and an optional system
// label, following the rule table in spec §4.1. Rules are evaluated against
// the leaf (final path component) only, case-insensitively; first match
// wins.
func Map(folder, labelPrefix string) Mapping {
	path := normalizePath(folder)
	leaf := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		leaf = path[idx+1:]
	}

	custom := joinPrefix(labelPrefix, path)

	switch {
	case strings.EqualFold(leaf, "INBOX"):
		return Mapping{CustomLabel: joinPrefix(labelPrefix, "Inbox"), SystemLabel: "INBOX"}
	case sentRe.MatchString(leaf):
		return Mapping{CustomLabel: custom, SystemLabel: "SENT"}
	case trashRe.MatchString(leaf):
		return Mapping{CustomLabel: custom, SystemLabel: "TRASH"}
	case spamRe.MatchString(leaf):
		return Mapping{CustomLabel: custom, SystemLabel: "SPAM"}
	case draftRe.MatchString(leaf):
		return Mapping{CustomLabel: custom, SystemLabel: "DRAFT"}
	default:
		return Mapping{CustomLabel: custom}
	}
}

// normalizePath collapses IMAP hierarchy separators to "/" and drops empty
// or whitespace-only components, e.g. "Projects.2024." (separator ".")
// becomes "Projects/2024" once the caller has already substituted "/" for
// the server's separator.
func normalizePath(folder string) string {
	parts := strings.Split(folder, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

func joinPrefix(prefix, path string) string {
	prefix = strings.Trim(prefix, "/")
	path = strings.Trim(path, "/")
	if prefix == "" {
		return path
	}
	if path == "" {
		return prefix
	}
	return prefix + "/" + path
}
