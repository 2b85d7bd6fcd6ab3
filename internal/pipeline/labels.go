package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/andrewmaspero/imap-icloud-migration/internal/foldermap"
	gmailapi "github.com/andrewmaspero/imap-icloud-migration/internal/gmailapi"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

// labelResolver maps an IMAP folder to the Gmail label IDs a message from
// that folder should carry, creating and caching user labels lazily. A
// process-local cache sits in front of StateDB's persistent cache, since a
// run touches the same handful of folders thousands of times.
type labelResolver struct {
	db          *statedb.DB
	gmail       gmailapi.API
	labelPrefix string

	mu    sync.Mutex
	cache map[string][]string // custom label -> resolved label IDs (custom [+ system])
}

func newLabelResolver(db *statedb.DB, gmail gmailapi.API, labelPrefix string) *labelResolver {
	return &labelResolver{
		db:          db,
		gmail:       gmail,
		labelPrefix: labelPrefix,
		cache:       make(map[string][]string),
	}
}

// Resolve returns the Gmail label IDs for folder, creating the custom user
// label on first use. The returned set always includes the custom label's
// ID, plus the mapped system label (e.g. "SENT") when foldermap.Map found
// one; system labels need no lookup since their IDs equal their names.
func (r *labelResolver) Resolve(ctx context.Context, folder string) ([]string, error) {
	mapping := foldermap.Map(folder, r.labelPrefix)

	r.mu.Lock()
	if ids, ok := r.cache[mapping.CustomLabel]; ok {
		r.mu.Unlock()
		return ids, nil
	}
	r.mu.Unlock()

	customID, err := r.resolveCustom(ctx, mapping.CustomLabel)
	if err != nil {
		return nil, err
	}

	ids := []string{customID}
	if mapping.SystemLabel != "" {
		ids = append(ids, mapping.SystemLabel)
	}

	r.mu.Lock()
	r.cache[mapping.CustomLabel] = ids
	r.mu.Unlock()
	return ids, nil
}

// resolveCustom looks up customLabel in StateDB's persistent cache, falling
// back to Gmail's labels.create when it has never been seen, then records
// the new ID so later runs skip the API round trip.
func (r *labelResolver) resolveCustom(ctx context.Context, customLabel string) (string, error) {
	id, found, err := r.db.ResolveLabel(customLabel)
	if err != nil {
		return "", fmt.Errorf("pipeline: resolve label %s: %w", customLabel, err)
	}
	if found {
		return id, nil
	}

	label, err := r.gmail.CreateLabel(ctx, customLabel)
	if err != nil {
		return "", fmt.Errorf("pipeline: create label %s: %w", customLabel, err)
	}

	if err := r.db.StoreLabel(customLabel, label.ID); err != nil {
		return "", fmt.Errorf("pipeline: store label %s: %w", customLabel, err)
	}
	return label.ID, nil
}
