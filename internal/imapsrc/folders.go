package imap

import "strings"

// FilterMailboxes applies the configured include/exclude lists to a set of
// mailbox names. Matching is a case-insensitive substring test against
// either list; an empty include list means "everything not excluded".
func FilterMailboxes(names []string, include, exclude []string) []string {
	var out []string
	for _, name := range names {
		if len(include) > 0 && !containsFold(include, name) {
			continue
		}
		if containsFold(exclude, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func containsFold(patterns []string, name string) bool {
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(name), strings.ToLower(p)) {
			return true
		}
	}
	return false
}
