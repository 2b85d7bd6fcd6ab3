package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

const (
	baseURL        = "https://gmail.googleapis.com/gmail/v1"
	maxRetries     = 12  // Backoff caps sum to ~47 minutes; full jitter averages about half
	maxBackoff     = 600 // Max backoff in seconds
	defaultTimeout = 30 * time.Second
)

// Client implements the Gmail API interface.
type Client struct {
	httpClient         *http.Client
	rateLimiter        *RateLimiter
	logger             *slog.Logger
	userID             string // "me" for authenticated user
	internalDateSource string // "dateHeader" or "receivedTime"
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// WithInternalDateSource sets the internalDateSource query parameter
// writeMessage sends on every import/insert call. Gmail only consults it
// when the request body's own internalDate is absent; the pipeline always
// supplies one, so this is a fallback hint rather than the primary control.
func WithInternalDateSource(source string) ClientOption {
	return func(c *Client) {
		c.internalDateSource = source
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:         oauth2.NewClient(context.Background(), tokenSource),
		userID:             "me",
		logger:             slog.Default(),
		internalDateSource: "dateHeader",
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	return nil
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body. Errors that exhaust
// retries or that Gmail marks as permanent are classified into migerr kinds
// so callers (and RecordFailure) can tell transient from terminal. The
// returned int is the number of retry attempts this call absorbed before
// succeeding (0 on a first-try success), so a caller that persists the
// outcome can record how many 429/5xx/401 responses preceded it.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, int, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, 0, migerr.New(migerr.Interrupted, fmt.Errorf("rate limit: %w", err))
	}

	reqURL := baseURL + path

	var lastErr error
	sawUnauthorized := false
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, attempt, migerr.New(migerr.Interrupted, ctx.Err())
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, attempt, migerr.New(migerr.Unknown, fmt.Errorf("create request: %w", err))
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, attempt, nil
		}

		switch resp.StatusCode {
		case 429:
			wait := retryAfterOr(resp.Header, 30*time.Second)
			c.logger.Debug("rate limited, backing off", "path", path, "attempt", attempt, "wait", wait)
			c.rateLimiter.Throttle(wait)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case 403:
			if isRateLimitError(respBody) {
				wait := retryAfterOr(resp.Header, 60*time.Second)
				c.logger.Debug("quota exceeded, backing off", "path", path, "attempt", attempt, "wait", wait)
				c.rateLimiter.Throttle(wait)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			return nil, attempt, migerr.New(migerr.RemoteRejected, fmt.Errorf("forbidden (403): %s", string(respBody)))

		case 500, 502, 503, 504:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case 401:
			// oauth2.Client's transport fetches a token fresh on every
			// RoundTrip; if the stored token was refreshed since the one
			// attached to this request (e.g. it crossed its expiry between
			// calls), a single retry picks up the new one. A second 401 in a
			// row means the credential itself is bad, not just stale.
			if !sawUnauthorized {
				sawUnauthorized = true
				c.logger.Debug("unauthorized, retrying once for a token refresh", "path", path)
				lastErr = fmt.Errorf("unauthorized (401): token may be invalid")
				continue
			}
			return nil, attempt, migerr.New(migerr.AuthFailed, fmt.Errorf("unauthorized (401): token may be invalid"))

		case 404:
			return nil, attempt, migerr.New(migerr.RemoteRejected, &NotFoundError{Path: path})

		default:
			return nil, attempt, migerr.New(migerr.RemoteRejected, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody)))
		}
	}

	return nil, maxRetries, migerr.New(migerr.QuotaExceeded, fmt.Errorf("max retries exceeded: %w", lastErr))
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// retryAfterOr parses a Retry-After header (either delta-seconds or an
// HTTP-date, per RFC 9110 §10.2.3) and returns it if present and non-negative,
// falling back to def otherwise.
func retryAfterOr(h http.Header, def time.Duration) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return def
}

// isRateLimitError checks if a 403 response is actually a rate limit error.
// Gmail returns 403 with "rateLimitExceeded" for quota exceeded instead of 429.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("Quota exceeded")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded"))
}

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	ThreadsTotal  int64  `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}

type gmailLabel struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	MessageListVisibility string `json:"messageListVisibility"`
	LabelListVisibility   string `json:"labelListVisibility"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type messageResponse struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, _, err := c.request(ctx, OpProfile, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, migerr.New(migerr.ParseError, fmt.Errorf("parse profile: %w", err))
	}

	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
		HistoryID:     historyID,
	}, nil
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, _, err := c.request(ctx, OpLabelsList, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, migerr.New(migerr.ParseError, fmt.Errorf("parse labels: %w", err))
	}

	labels := make([]*Label, len(resp.Labels))
	for i, l := range resp.Labels {
		labels[i] = &Label{
			ID:                    l.ID,
			Name:                  l.Name,
			Type:                  l.Type,
			MessageListVisibility: l.MessageListVisibility,
			LabelListVisibility:   l.LabelListVisibility,
		}
	}
	return labels, nil
}

// CreateLabel creates a new user label.
func (c *Client) CreateLabel(ctx context.Context, name string) (*Label, error) {
	body, err := json.Marshal(gmailLabel{
		Name:                  name,
		MessageListVisibility: "show",
		LabelListVisibility:   "labelShow",
	})
	if err != nil {
		return nil, migerr.New(migerr.Unknown, fmt.Errorf("marshal label: %w", err))
	}

	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, _, err := c.request(ctx, OpLabelsCreate, "POST", path, body)
	if err != nil {
		return nil, err
	}

	var resp gmailLabel
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, migerr.New(migerr.ParseError, fmt.Errorf("parse created label: %w", err))
	}

	return &Label{
		ID:                    resp.ID,
		Name:                  resp.Name,
		Type:                  resp.Type,
		MessageListVisibility: resp.MessageListVisibility,
		LabelListVisibility:   resp.LabelListVisibility,
	}, nil
}

type importMessageBody struct {
	Raw          string   `json:"raw"`
	LabelIDs     []string `json:"labelIds,omitempty"`
	InternalDate string   `json:"internalDate,omitempty"`
}

// ImportMessage uses messages.import: Gmail re-runs spam/category
// classification and threading as though the message had just arrived.
func (c *Client) ImportMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	return c.writeMessage(ctx, "import", OpMessagesImport, raw, labelIDs, internalDate)
}

// InsertMessage uses messages.insert: the message lands exactly under the
// given labels with no classification applied.
func (c *Client) InsertMessage(ctx context.Context, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	return c.writeMessage(ctx, "insert", OpMessagesInsert, raw, labelIDs, internalDate)
}

func (c *Client) writeMessage(ctx context.Context, endpoint string, op Operation, raw []byte, labelIDs []string, internalDate time.Time) (string, int, error) {
	body := importMessageBody{
		Raw:      base64.RawURLEncoding.EncodeToString(raw),
		LabelIDs: labelIDs,
	}
	if !internalDate.IsZero() {
		body.InternalDate = strconv.FormatInt(internalDate.UnixMilli(), 10)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", 0, migerr.New(migerr.Unknown, fmt.Errorf("marshal %s body: %w", endpoint, err))
	}

	params := url.Values{}
	params.Set("internalDateSource", c.internalDateSource)
	path := fmt.Sprintf("/users/%s/messages/%s?%s", c.userID, endpoint, params.Encode())

	data, retries, err := c.request(ctx, op, "POST", path, bodyBytes)
	if err != nil {
		return "", retries, err
	}

	var resp messageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", retries, migerr.New(migerr.ParseError, fmt.Errorf("parse %s response: %w", endpoint, err))
	}
	return resp.ID, retries, nil
}

// Ensure Client implements API interface.
var _ API = (*Client)(nil)
