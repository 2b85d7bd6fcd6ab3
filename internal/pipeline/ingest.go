package pipeline

import (
	"context"
	"time"

	"github.com/andrewmaspero/imap-icloud-migration/internal/config"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// maxIngestRetries bounds how many times one fingerprint's ingest failure is
// retried before the row is left in StatusFailed for the operator to triage.
const maxIngestRetries = 5

// ingestWorker drains the work queue until it is closed, committing one
// message's ingest result (imported or failed) per item. A worker stops
// pulling new items once ctx is cancelled, but a message already pulled
// always finishes committing its result first.
func (p *Pipeline) ingestWorker(ctx context.Context) error {
	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return nil
			}
			if err := p.ingestOne(ctx, item); err != nil {
				p.logger.Error("pipeline: ingest failed", "fingerprint", item.Fingerprint, "folder", item.Folder, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// ingestOne resolves the item's labels, reads its evidence back off disk,
// calls the configured Gmail write endpoint, and commits the outcome to
// StateDB. Errors are swallowed into a recorded failure rather than
// propagated, since one message's failure must never stop the run.
func (p *Pipeline) ingestOne(ctx context.Context, item WorkItem) error {
	labelIDs, err := p.labels.Resolve(ctx, item.Folder)
	if err != nil {
		return p.db.RecordFailure(item.Fingerprint, migerr.Classify(err), false, maxIngestRetries)
	}

	raw, err := p.evidence.Get(item.Fingerprint)
	if err != nil {
		return p.db.RecordFailure(item.Fingerprint, migerr.EvidenceIO, true, maxIngestRetries)
	}

	remoteID, retries, err := p.writeMessage(ctx, raw, labelIDs, item.InternalDate)
	if err != nil {
		kind := migerr.Classify(err)
		return p.db.RecordFailure(item.Fingerprint, kind, !kind.Retryable(), maxIngestRetries)
	}

	// retries is the Gmail client's own internal 429/5xx/401 retry count for
	// this write, recorded alongside the imported transition per spec's S6
	// scenario (a row that succeeds after N throttled attempts ends with
	// retry_count == N). It is written into the same retry_count column that
	// RecordFailure increments, replacing any count left by earlier failures.
	return p.db.RecordImported(item.Fingerprint, remoteID, retries)
}

func (p *Pipeline) writeMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	if p.cfg.Gmail.Mode == config.ModeInsert {
		return p.gmail.InsertMessage(ctx, raw, labelIDs, internalDate)
	}
	return p.gmail.ImportMessage(ctx, raw, labelIDs, internalDate)
}
