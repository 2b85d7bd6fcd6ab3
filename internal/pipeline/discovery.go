package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andrewmaspero/imap-icloud-migration/internal/fingerprint"
	imap "github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
	"github.com/andrewmaspero/imap-icloud-migration/internal/rfc5322"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

// discoverFolder runs the full UID discovery protocol for one mailbox:
// capture UIDVALIDITY, rescan from UID 0 on an epoch change, search UIDs
// past the stored checkpoint, and process them batch by batch. The
// download stage (filter, dedupe gate, body fetch, evidence write, state
// promotion, enqueue) runs inline here, matching spec §4.7's "runs inline
// in the discovery task".
func (p *Pipeline) discoverFolder(ctx context.Context, folder string) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	healthy := true
	defer func() { p.pool.Release(conn, healthy) }()

	uidValidity, err := conn.Select(ctx, folder)
	if err != nil {
		healthy = false
		return fmt.Errorf("pipeline: select %s: %w", folder, err)
	}

	cp, found, err := p.db.LoadCheckpoint(folder, uidValidity)
	if err != nil {
		return fmt.Errorf("pipeline: load checkpoint %s: %w", folder, err)
	}
	var sinceUID uint32
	if found {
		sinceUID = cp.HighestUIDDone
	}
	// A UIDVALIDITY change (no checkpoint row under this epoch) forces the
	// whole folder to be rescanned from the start; prior UID progress under
	// the old epoch is simply abandoned in favor of the new checkpoint row
	// this call will create.

	if err := p.pool.Pace(ctx); err != nil {
		return err
	}
	uids, err := conn.SearchUIDsSince(ctx, p.cfg.IMAP.SearchQuery, sinceUID)
	if err != nil {
		healthy = false
		return fmt.Errorf("pipeline: search %s: %w", folder, err)
	}

	if len(uids) == 0 {
		return p.db.CheckpointFolder(folder, uidValidity, sinceUID, statedb.CheckpointDone, 0)
	}

	if err := p.db.CheckpointFolder(folder, uidValidity, sinceUID, statedb.CheckpointScanning, 0); err != nil {
		return fmt.Errorf("pipeline: mark %s scanning: %w", folder, err)
	}

	highest := sinceUID
	var reported int64
	for _, batch := range imap.ChunkUIDs(uids, p.cfg.IMAP.BatchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := p.pool.Pace(ctx); err != nil {
			return err
		}
		headers, err := conn.FetchHeaders(ctx, batch)
		if err != nil {
			healthy = false
			return fmt.Errorf("pipeline: fetch headers %s: %w", folder, err)
		}

		var survivors []uint32
		parsed := make(map[uint32]rfc5322.Header, len(headers))
		for _, hr := range headers {
			h, err := rfc5322.Parse(hr.RawHead)
			if err != nil {
				p.logger.Warn("pipeline: unparseable headers, skipping", "folder", folder, "uid", hr.UID, "error", err)
				if err := p.skipFilterMiss(folder, uidValidity, hr, rfc5322.Header{}, "parse_error"); err != nil {
					return err
				}
				continue
			}
			if !p.passesFilter(h) {
				if err := p.skipFilterMiss(folder, uidValidity, hr, h, "filter_miss"); err != nil {
					return err
				}
				continue
			}
			parsed[hr.UID] = h
			survivors = append(survivors, hr.UID)
		}

		if len(survivors) > 0 {
			if err := p.pool.Pace(ctx); err != nil {
				return err
			}
			bodies, err := conn.FetchBodies(ctx, survivors)
			if err != nil {
				healthy = false
				return fmt.Errorf("pipeline: fetch bodies %s: %w", folder, err)
			}
			for _, b := range bodies {
				if err := p.downloadOne(ctx, folder, uidValidity, b, parsed[b.UID]); err != nil {
					return err
				}
				reported++
			}
		}

		if len(batch) > 0 {
			last := batch[len(batch)-1]
			if last > highest {
				highest = last
			}
			if err := p.db.CheckpointFolder(folder, uidValidity, highest, statedb.CheckpointScanning, reported); err != nil {
				return fmt.Errorf("pipeline: checkpoint %s: %w", folder, err)
			}
		}
	}

	return p.db.CheckpointFolder(folder, uidValidity, highest, statedb.CheckpointDone, reported)
}

// passesFilter applies the configured address filter; an empty target list
// means every message passes (no filtering configured).
func (p *Pipeline) passesFilter(h rfc5322.Header) bool {
	targets := p.cfg.Filter.TargetAddresses
	if len(targets) == 0 {
		return true
	}
	for _, t := range targets {
		if h.MatchesAddress(t, p.cfg.Filter.IncludeSender, p.cfg.Filter.IncludeRecipients) {
			return true
		}
	}
	return false
}

// skipFilterMiss reserves a dedupe-keyed row (using only the header fields
// available pre-body-fetch) and immediately marks it skipped, satisfying
// the invariant that every UID below a folder's watermark has a row.
func (p *Pipeline) skipFilterMiss(folder string, uidValidity uint32, hr imap.HeaderRecord, h rfc5322.Header, reason string) error {
	fp := fingerprint.Compute(fingerprint.Input{
		MessageID: h.MessageID,
		Date:      h.Date,
		HasDate:   h.HasDate,
		From:      h.From,
		Subject:   h.Subject,
		Size:      hr.Size,
	})

	isNew, err := p.db.ReserveDiscovery(string(fp), folder, hr.UID, uidValidity, toHeaders(h, ""))
	if err != nil {
		if migerr.Classify(err) == migerr.ParseError {
			// Message-Id header collision with a different fingerprint: this
			// UID still needs a row, but under its own identity rather than
			// aborting the folder's discovery over a duplicate header.
			return p.db.RecordDuplicateMessageID(string(fp), folder, hr.UID, uidValidity, toHeaders(h, ""))
		}
		return fmt.Errorf("pipeline: reserve discovery (skip) %s/%d: %w", folder, hr.UID, err)
	}
	if !isNew {
		return nil // another discovery already owns this fingerprint
	}
	return p.db.MarkSkipped(string(fp), reason)
}

func toHeaders(h rfc5322.Header, receivedDate string) statedb.Headers {
	var dateHeader string
	if h.HasDate {
		dateHeader = h.Date.UTC().Format(time.RFC3339)
	}
	return statedb.Headers{
		MessageID:    h.MessageID,
		Subject:      h.Subject,
		From:         h.From,
		To:           joinAddrs(h.To),
		Cc:           joinAddrs(h.Cc),
		Bcc:          joinAddrs(h.Bcc),
		DateHeader:   dateHeader,
		ReceivedDate: receivedDate,
	}
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

// downloadOne runs the dedupe gate, evidence write, and downloaded
// promotion for one fully-fetched body, then enqueues it for ingestion
// (unless the pipeline is running in dry-run mode).
func (p *Pipeline) downloadOne(ctx context.Context, folder string, uidValidity uint32, b imap.BodyRecord, h rfc5322.Header) error {
	received := time.UnixMilli(b.InternalDate).UTC()
	date, hasDate := h.Date, h.HasDate
	if !hasDate {
		// Open Question resolution: a missing Date header falls back to the
		// server's received time for fingerprinting and Gmail internalDate,
		// rather than failing the row.
		date, hasDate = received, true
		p.logger.Debug("pipeline: missing Date header, using received time", "folder", folder, "uid", b.UID)
	}

	fp := fingerprint.Compute(fingerprint.Input{
		MessageID:  h.MessageID,
		Date:       date,
		HasDate:    hasDate,
		From:       h.From,
		Subject:    h.Subject,
		Size:       b.Size,
		BodyPrefix: bodyPrefix(b.Raw, p.cfg.Storage.FingerprintBodyBytes),
	})

	isNew, err := p.db.ReserveDiscovery(string(fp), folder, b.UID, uidValidity, toHeaders(h, received.Format(time.RFC3339)))
	if err != nil {
		if migerr.Classify(err) == migerr.ParseError {
			return p.db.RecordDuplicateMessageID(string(fp), folder, b.UID, uidValidity, toHeaders(h, received.Format(time.RFC3339)))
		}
		return fmt.Errorf("pipeline: reserve discovery %s/%d: %w", folder, b.UID, err)
	}
	if !isNew {
		// Duplicate: the first discovery already owns this fingerprint and
		// its evidence, and no separate row is written for this UID (the
		// fingerprint is the row's primary key). MarkSkipped only downgrades a row
		// still in StatusDiscovered, so a fingerprint re-discovered after a
		// UIDVALIDITY-forced rescan (already downloaded/imported/failed in
		// an earlier pass) is left untouched instead of being overwritten.
		return p.db.MarkSkipped(string(fp), "duplicate")
	}

	path, err := p.evidence.Put(string(fp), b.Raw)
	if err != nil {
		if migerr.Classify(err) == migerr.EvidenceCorruption {
			return p.db.RecordFailure(string(fp), migerr.EvidenceCorruption, true, 0)
		}
		return fmt.Errorf("pipeline: write evidence %s: %w", fp, err)
	}

	sha, err := p.evidence.Checksum(string(fp))
	if err != nil {
		return fmt.Errorf("pipeline: checksum evidence %s: %w", fp, err)
	}

	if err := p.db.RecordDownloaded(string(fp), path, sha, b.Size); err != nil {
		return fmt.Errorf("pipeline: record downloaded %s: %w", fp, err)
	}

	if p.dryRun {
		return nil
	}

	select {
	case p.queue <- WorkItem{Fingerprint: string(fp), EvidencePath: path, Folder: folder, InternalDate: date}:
		return nil
	case <-ctx.Done():
		// Once ingest workers exit on the same cancellation, nothing drains
		// the queue; an unconditional send here would block forever.
		return ctx.Err()
	}
}

func bodyPrefix(raw []byte, n int) []byte {
	if n <= 0 || len(raw) == 0 {
		return nil
	}
	if len(raw) < n {
		return raw
	}
	return raw[:n]
}
