// Package pipeline is the migration orchestrator: it binds the IMAP pool,
// the fingerprinter, the evidence store, the state database, and the Gmail
// client into the concurrent discover -> download -> ingest state machine
// described by the system's data model. It owns retries, cancellation, and
// the ordering guarantees between those collaborators.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andrewmaspero/imap-icloud-migration/internal/config"
	"github.com/andrewmaspero/imap-icloud-migration/internal/evidence"
	gmailapi "github.com/andrewmaspero/imap-icloud-migration/internal/gmailapi"
	imap "github.com/andrewmaspero/imap-icloud-migration/internal/imapsrc"
	"github.com/andrewmaspero/imap-icloud-migration/internal/statedb"
)

// WorkItem is one message queued for Gmail ingestion, produced by the
// download stage and consumed by an ingestion worker.
type WorkItem struct {
	Fingerprint  string
	EvidencePath string
	Folder       string
	InternalDate time.Time
}

// Summary holds StateDB's per-status row counts as read at the end of a Run
// call (every row, including rows from earlier runs), for the CLI's
// exit-code decision; the durable source of truth remains StateDB, read back
// by the report and verify commands.
type Summary struct {
	Discovered int64
	Downloaded int64
	Skipped    int64
	Imported   int64
	Failed     int64
}

// HasFailures reports whether the run should exit non-zero per spec §7
// ("a run finishes with exit code 2 if any row is in failed").
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Pipeline wires together one migration run's collaborators. Build one with
// New per invocation; it is not reused across runs.
type Pipeline struct {
	cfg      *config.Config
	pool     *imap.Pool
	gmail    gmailapi.API
	db       *statedb.DB
	evidence *evidence.Store
	logger   *slog.Logger
	dryRun   bool

	labels *labelResolver
	queue  chan WorkItem
}

// New constructs a Pipeline. dryRun short-circuits after the download
// stage: evidence and state are written, but the ingestion queue and
// workers are never started.
func New(cfg *config.Config, pool *imap.Pool, gmail gmailapi.API, db *statedb.DB, store *evidence.Store, logger *slog.Logger, dryRun bool) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		pool:     pool,
		gmail:    gmail,
		db:       db,
		evidence: store,
		logger:   logger,
		dryRun:   dryRun,
		labels:   newLabelResolver(db, gmail, cfg.Gmail.LabelPrefix),
		queue:    make(chan WorkItem, cfg.Concurrency.QueueMaxSize),
	}
}

// Run executes one full migration pass: resume first, then discovery, with
// ingestion workers draining the queue throughout. It returns once every
// discovery producer has finished and every queued item has been ingested
// (or the context was cancelled, in which case in-flight items still
// commit their result before returning).
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)

	if !p.dryRun {
		var workerWG errgroup.Group
		for i := 0; i < p.cfg.Concurrency.GmailWorkers; i++ {
			workerWG.Go(func() error {
				return p.ingestWorker(ctx)
			})
		}

		// Resume: drain rows already downloaded (crash between evidence
		// write and import) before fresh discovery starts producing more.
		if err := p.enqueuePendingImports(gctx); err != nil {
			return Summary{}, fmt.Errorf("pipeline: resume pending imports: %w", err)
		}

		g.Go(func() error {
			defer close(p.queue)
			return p.discoverAll(gctx)
		})

		gErr := g.Wait() // closes p.queue via the discovery goroutine's defer, win or lose
		wErr := workerWG.Wait()
		if gErr != nil {
			return p.summarize(), gErr
		}
		if wErr != nil {
			return p.summarize(), wErr
		}
	} else {
		if err := p.discoverAll(gctx); err != nil {
			return p.summarize(), err
		}
	}

	return p.summarize(), nil
}

// enqueuePendingImports feeds every row already StatusDownloaded onto the
// queue ahead of discovery, recovering runs interrupted after evidence was
// written but before the Gmail call committed.
func (p *Pipeline) enqueuePendingImports(ctx context.Context) error {
	return p.db.IteratePendingImport(func(m statedb.Message) error {
		item := WorkItem{
			Fingerprint:  m.Fingerprint,
			EvidencePath: m.EvidencePath.String,
			Folder:       m.Folder,
			InternalDate: resolveInternalDate(p.cfg, m),
		}
		select {
		case p.queue <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// resolveInternalDate picks the timestamp Gmail will record as the
// message's internalDate from a StateDB row, honoring the configured
// source and falling back to whichever of the two is actually present
// (covers rows discovered before this preference existed).
func resolveInternalDate(cfg *config.Config, m statedb.Message) time.Time {
	prefer := m.DateHeader
	fallback := m.ReceivedDate
	if cfg.Gmail.InternalDateSource == config.DateSourceReceived {
		prefer, fallback = m.ReceivedDate, m.DateHeader
	}
	if prefer.Valid {
		if t, err := time.Parse(time.RFC3339, prefer.String); err == nil {
			return t
		}
	}
	if fallback.Valid {
		if t, err := time.Parse(time.RFC3339, fallback.String); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// discoverAll runs one discovery producer per selected mailbox, bounded by
// the configured per-mailbox fetch concurrency.
func (p *Pipeline) discoverAll(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	mailboxes, err := conn.ListMailboxes(ctx)
	p.pool.Release(conn, err == nil)
	if err != nil {
		return fmt.Errorf("pipeline: list mailboxes: %w", err)
	}

	names := make([]string, len(mailboxes))
	for i, mb := range mailboxes {
		names[i] = mb.Name
	}
	selected := imap.FilterMailboxes(names, p.cfg.IMAP.FolderInclude, p.cfg.IMAP.FolderExclude)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency.IMAPFetchConcurrency)
	for _, folder := range selected {
		folder := folder
		g.Go(func() error {
			return p.discoverFolder(gctx, folder)
		})
	}
	return g.Wait()
}

func (p *Pipeline) summarize() Summary {
	counts, err := p.db.CountsByStatus()
	if err != nil {
		p.logger.Warn("pipeline: summarize counts", "error", err)
		return Summary{}
	}
	return Summary{
		Discovered: counts[statedb.StatusDiscovered],
		Downloaded: counts[statedb.StatusDownloaded],
		Skipped:    counts[statedb.StatusSkipped],
		Imported:   counts[statedb.StatusImported],
		Failed:     counts[statedb.StatusFailed],
	}
}
