// Package gmailtest provides an httptest-based fake Gmail API endpoint for
// exercising internal/gmailapi's retry, backoff, and rate-limit handling
// without a live server, grounded on
// wesm-msgvault/internal/gmail/client_test.go's rewriteTransport harness.
package gmailtest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
)

// Step is one scripted HTTP response.
type Step struct {
	Status  int
	Body    []byte
	Headers map[string]string
}

// Server is a fake Gmail API endpoint that plays back a scripted sequence of
// responses, one per request received. Requests past the end of the script
// keep receiving the last scripted Step, so a test can script a failure
// prefix and let a "steady state" final step answer every retry after it.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	steps []Step
	calls int
}

// NewScriptedServer starts a server that plays back steps in order.
func NewScriptedServer(steps []Step) *Server {
	s := &Server{steps: steps}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[i]
	s.mu.Unlock()

	for k, v := range step.Headers {
		w.Header().Set(k, v)
	}
	status := step.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(step.Body)
}

// Calls reports how many requests the server has handled so far.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Transport returns an http.RoundTripper that redirects every outgoing
// request to this server instead of whatever host the request named,
// letting a Client built against the real Gmail baseURL constant still land
// on the fake server.
func (s *Server) Transport() http.RoundTripper {
	target, err := url.Parse(s.URL)
	if err != nil {
		panic("gmailtest: parse server URL: " + err.Error())
	}
	return &rewriteTransport{target: target, wrapped: http.DefaultTransport}
}

type rewriteTransport struct {
	target  *url.URL
	wrapped http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	req.Host = t.target.Host
	return t.wrapped.RoundTrip(req)
}
