package gmail

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/andrewmaspero/imap-icloud-migration/internal/gmailapi/gmailtest"
	"github.com/andrewmaspero/imap-icloud-migration/internal/migerr"
)

// newTestClient builds a Client whose httpClient lands on srv instead of the
// real Gmail API host, matching wesm-msgvault/internal/gmail/client_test.go's
// pattern of constructing *Client directly in package-internal tests rather
// than going through NewClient's OAuth plumbing.
func newTestClient(srv *gmailtest.Server) *Client {
	return &Client{
		httpClient:         &http.Client{Transport: srv.Transport()},
		userID:             "me",
		logger:             slog.Default(),
		internalDateSource: "dateHeader",
		rateLimiter:        NewRateLimiter(1000), // high QPS: the rate limiter itself isn't under test here
	}
}

const profileJSON = `{"emailAddress":"user@example.com","messagesTotal":10,"threadsTotal":5,"historyId":"123"}`

func TestRequest_RetriesOnRateLimitThenSucceeds(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{
			Status:  http.StatusTooManyRequests,
			Headers: map[string]string{"Retry-After": "0"},
			Body:    []byte(`{"error":{"code":429,"message":"rateLimitExceeded"}}`),
		},
		{Status: http.StatusOK, Body: []byte(profileJSON)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	profile, err := c.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() error = %v, want success after one retry", err)
	}
	if profile.EmailAddress != "user@example.com" {
		t.Errorf("EmailAddress = %q, want user@example.com", profile.EmailAddress)
	}
	if srv.Calls() != 2 {
		t.Errorf("server saw %d calls, want 2 (one 429 then one 200)", srv.Calls())
	}
}

func TestRequest_ServerErrorRetriesThenSucceeds(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusServiceUnavailable, Body: []byte(`{"error":{"code":503,"message":"backend error"}}`)},
		{Status: http.StatusOK, Body: []byte(profileJSON)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.GetProfile(context.Background()); err != nil {
		t.Fatalf("GetProfile() error = %v, want success after one retry", err)
	}
	if srv.Calls() != 2 {
		t.Errorf("server saw %d calls, want 2 (one 503 then one 200)", srv.Calls())
	}
}

func TestRequest_UnauthorizedSucceedsAfterOneForcedRefreshRetry(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusUnauthorized, Body: []byte(`{"error":{"code":401,"message":"Unauthorized"}}`)},
		{Status: http.StatusOK, Body: []byte(profileJSON)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	if _, err := c.GetProfile(context.Background()); err != nil {
		t.Fatalf("GetProfile() error = %v, want success on the single forced-refresh retry", err)
	}
	if srv.Calls() != 2 {
		t.Errorf("server saw %d calls, want 2 (one 401 then one 200)", srv.Calls())
	}
}

func TestRequest_UnauthorizedTwiceIsTerminal(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusUnauthorized, Body: []byte(`{"error":{"code":401,"message":"Unauthorized"}}`)},
		{Status: http.StatusUnauthorized, Body: []byte(`{"error":{"code":401,"message":"Unauthorized"}}`)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetProfile(context.Background())
	if err == nil {
		t.Fatal("expected an error after two consecutive 401s")
	}
	if got := migerr.Classify(err); got != migerr.AuthFailed {
		t.Errorf("migerr.Classify(err) = %v, want AuthFailed", got)
	}
	// Exactly one retry for the forced refresh, then terminal: no third call.
	if srv.Calls() != 2 {
		t.Errorf("server saw %d calls, want exactly 2", srv.Calls())
	}
}

func TestRequest_NotFoundIsRemoteRejected(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusNotFound, Body: []byte(`{"error":{"code":404,"message":"not found"}}`)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetProfile(context.Background())
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if got := migerr.Classify(err); got != migerr.RemoteRejected {
		t.Errorf("migerr.Classify(err) = %v, want RemoteRejected", got)
	}
	if srv.Calls() != 1 {
		t.Errorf("server saw %d calls, want 1 (404 is not retried)", srv.Calls())
	}
}

func TestImportMessage_ReportsRetryCountAfterRateLimitBackoff(t *testing.T) {
	// Mirrors spec's S6 scenario: three 429s each honoring Retry-After, then
	// a 200. ImportMessage must surface retries=3 so the caller can persist
	// it as the row's retry_count alongside the imported transition.
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusTooManyRequests, Headers: map[string]string{"Retry-After": "0"}, Body: []byte(`{"error":{"code":429,"message":"rateLimitExceeded"}}`)},
		{Status: http.StatusTooManyRequests, Headers: map[string]string{"Retry-After": "0"}, Body: []byte(`{"error":{"code":429,"message":"rateLimitExceeded"}}`)},
		{Status: http.StatusTooManyRequests, Headers: map[string]string{"Retry-After": "0"}, Body: []byte(`{"error":{"code":429,"message":"rateLimitExceeded"}}`)},
		{Status: http.StatusOK, Body: []byte(`{"id":"msg-1","threadId":"thread-1","labelIds":["INBOX"]}`)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	id, retries, err := c.ImportMessage(context.Background(), []byte("Subject: hi\r\n\r\nbody"), []string{"INBOX"}, time.Time{})
	if err != nil {
		t.Fatalf("ImportMessage() error = %v, want success after three retries", err)
	}
	if id != "msg-1" {
		t.Errorf("id = %q, want msg-1", id)
	}
	if retries != 3 {
		t.Errorf("retries = %d, want 3", retries)
	}
	if srv.Calls() != 4 {
		t.Errorf("server saw %d calls, want 4 (three 429s then one 200)", srv.Calls())
	}
}

func TestRequest_ForbiddenWithoutRateLimitReasonIsRemoteRejected(t *testing.T) {
	srv := gmailtest.NewScriptedServer([]gmailtest.Step{
		{Status: http.StatusForbidden, Body: []byte(`{"error":{"code":403,"message":"insufficient permission"}}`)},
	})
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetProfile(context.Background())
	if err == nil {
		t.Fatal("expected an error for 403")
	}
	if got := migerr.Classify(err); got != migerr.RemoteRejected {
		t.Errorf("migerr.Classify(err) = %v, want RemoteRejected", got)
	}
	if srv.Calls() != 1 {
		t.Errorf("server saw %d calls, want 1 (a non-quota 403 is not retried)", srv.Calls())
	}
}
