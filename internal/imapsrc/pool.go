package imap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

const (
	// defaultFetchPaceQPS bounds how often a single discovery producer may
	// issue a SEARCH/FETCH round trip against one mailbox. iCloud and most
	// hosted IMAP backends rate-limit per-connection command throughput far
	// below Gmail's own quota; pacing here keeps a multi-folder run from
	// tripping the source server's own throttling.
	defaultFetchPaceQPS = 10.0
	// defaultFetchPaceBurst allows a small burst of back-to-back round
	// trips (e.g. a folder's checkpoint resume issuing SEARCH immediately
	// followed by the first FETCH) before pacing kicks in.
	defaultFetchPaceBurst = 4
)

// Pool maintains up to Connections authenticated IMAP sessions, handed out
// for the duration of a mailbox selection plus a batch of SEARCH/FETCH
// calls. Sessions are opened lazily and reused; a session that errors is
// dropped rather than returned to the pool, so the next Acquire redials.
type Pool struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	sem  chan struct{}
	mu   sync.Mutex
	idle []Conn

	pace *rate.Limiter
}

// NewPool creates a pool bounded to connections concurrent sessions. Every
// session dialed from the pool shares one fetch-pacing limiter: pacing
// protects the source server, which cares about aggregate command rate
// across its connections, not about how many of this process's goroutines
// are waiting.
func NewPool(cfg Config, connections int, dialer Dialer, logger *slog.Logger) *Pool {
	if connections < 1 {
		connections = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		sem:    make(chan struct{}, connections),
		pace:   rate.NewLimiter(rate.Limit(defaultFetchPaceQPS), defaultFetchPaceBurst),
	}
}

// SetFetchPace overrides the default SEARCH/FETCH pacing rate, e.g. from a
// config value read at startup.
func (p *Pool) SetFetchPace(qps float64) {
	if qps <= 0 {
		return
	}
	p.pace.SetLimit(rate.Limit(qps))
}

// Pace blocks until the next SEARCH/FETCH round trip may proceed under the
// pool-wide pacing limiter, or returns an error if ctx is cancelled first.
// Callers invoke it once per round trip, ahead of SearchUIDsSince,
// FetchHeaders, and FetchBodies.
func (p *Pool) Pace(ctx context.Context) error {
	if err := p.pace.Wait(ctx); err != nil {
		return migerr.New(migerr.Interrupted, fmt.Errorf("imap pool: pace: %w", err))
	}
	return nil
}

// Acquire blocks until a session slot is free, then returns a ready Conn
// (reused from the idle set, or freshly dialed). Release must be called
// exactly once with the same Conn, even on error paths.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, migerr.New(migerr.Interrupted, ctx.Err())
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, p.cfg)
	if err != nil {
		<-p.sem
		// The dialer already classifies this error (permanent AuthFailed on
		// a rejected credential, NetworkTransient/IMAPProtocol after
		// exhausting its own retries on a connection drop); preserve that
		// classification instead of collapsing every dial failure to
		// AuthFailed.
		return nil, fmt.Errorf("imap pool: dial: %w", err)
	}
	return conn, nil
}

// Release returns conn to the idle set for reuse, or discards it (closing
// the underlying connection) when healthy is false because the caller hit a
// protocol error that leaves the session's state unknown.
func (p *Pool) Release(conn Conn, healthy bool) {
	defer func() { <-p.sem }()

	if !healthy {
		if err := conn.Close(); err != nil {
			p.logger.Debug("imap pool: close unhealthy connection", "error", err)
		}
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close closes every idle connection. In-flight Acquire'd connections are
// the caller's responsibility to Release first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.idle = nil
	return firstErr
}
