package sendloop

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lidarr-plugins/streamcore/hostgate"
)

type recordedRequest struct {
	Method string
	URL    string
	Body   string
}

type scriptedDoer struct {
	responses []func(*http.Request) (*http.Response, error)
	calls     []recordedRequest
	call      int
}

func (s *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	s.calls = append(s.calls, recordedRequest{Method: req.Method, URL: req.URL.String(), Body: body})

	if s.call >= len(s.responses) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
	}
	fn := s.responses[s.call]
	s.call++
	return fn(req)
}

func statusResponse(status int, headers map[string]string, body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		h := make(http.Header)
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func newRequest(t *testing.T, method, rawURL, body string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, rawURL, strings.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		}
	} else {
		req, err = http.NewRequest(method, rawURL, nil)
	}
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestRetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	doer := &scriptedDoer{responses: []func(*http.Request) (*http.Response, error){
		statusResponse(http.StatusServiceUnavailable, nil, ""),
		statusResponse(http.StatusOK, nil, "ok"),
	}}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 3, BaseDelay: time.Millisecond}

	resp, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodGet, "http://host/path", ""), policy)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(doer.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(doer.calls))
	}
}

func TestRetryAfterSecondsHonored(t *testing.T) {
	doer := &scriptedDoer{responses: []func(*http.Request) (*http.Response, error){
		statusResponse(http.StatusTooManyRequests, map[string]string{"Retry-After": "0"}, ""),
		statusResponse(http.StatusOK, nil, strings.Repeat("x", 2048)),
	}}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

	start := time.Now()
	resp, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodGet, "http://host/path", ""), policy)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer resp.Body.Close()
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Retry-After: 0 should not impose a long wait")
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 2048 {
		t.Fatalf("body len = %d, want 2048", len(body))
	}
	if len(doer.calls) != 2 {
		t.Fatalf("expected retry_count=1 (2 attempts), got %d", len(doer.calls))
	}
}

func TestRedirect307PreservesMethodAndBody(t *testing.T) {
	doer := &scriptedDoer{responses: []func(*http.Request) (*http.Response, error){
		statusResponse(http.StatusTemporaryRedirect, map[string]string{"Location": "/final"}, ""),
		statusResponse(http.StatusOK, nil, "done"),
	}}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

	resp, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodPost, "http://host/start", "hello"), policy)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer resp.Body.Close()

	if len(doer.calls) != 2 {
		t.Fatalf("expected 2 requests (redirect hop), got %d", len(doer.calls))
	}
	final := doer.calls[1]
	if final.Method != http.MethodPost {
		t.Fatalf("final method = %q, want POST", final.Method)
	}
	if final.Body != "hello" {
		t.Fatalf("final body = %q, want %q", final.Body, "hello")
	}
	if !strings.HasSuffix(final.URL, "/final") {
		t.Fatalf("final URL = %q, want suffix /final", final.URL)
	}
}

func TestRedirect302ConvertsPostToGet(t *testing.T) {
	doer := &scriptedDoer{responses: []func(*http.Request) (*http.Response, error){
		statusResponse(http.StatusFound, map[string]string{"Location": "/final"}, ""),
		statusResponse(http.StatusOK, nil, "done"),
	}}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

	resp, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodPost, "http://host/start", "hello"), policy)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer resp.Body.Close()

	final := doer.calls[1]
	if final.Method != http.MethodGet {
		t.Fatalf("final method = %q, want GET", final.Method)
	}
	if final.Body != "" {
		t.Fatalf("final body = %q, want empty", final.Body)
	}
}

func TestRedirectLoopBounded(t *testing.T) {
	responses := make([]func(*http.Request) (*http.Response, error), 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, statusResponse(http.StatusTemporaryRedirect, map[string]string{"Location": "/next"}, ""))
	}
	doer := &scriptedDoer{responses: responses}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 20, BaseDelay: time.Millisecond, MaxRedirects: 3}

	_, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodGet, "http://host/start", ""), policy)
	if err != ErrRedirectLoop {
		t.Fatalf("err = %v, want ErrRedirectLoop", err)
	}
}

func TestCancellationPropagatesAsErrCancelled(t *testing.T) {
	doer := &scriptedDoer{responses: []func(*http.Request) (*http.Response, error){
		statusResponse(http.StatusServiceUnavailable, nil, ""),
	}}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 5, BaseDelay: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, gate, doer, newRequest(t, http.MethodGet, "http://host/path", ""), policy)
	if err != ErrCancelled {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestBudgetExhaustedCarriesLastCause(t *testing.T) {
	responses := make([]func(*http.Request) (*http.Response, error), 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, statusResponse(http.StatusServiceUnavailable, nil, ""))
	}
	doer := &scriptedDoer{responses: responses}
	gate := hostgate.NewRegistry()
	policy := Policy{MaxRetries: 100, BaseDelay: 5 * time.Millisecond, RetryBudget: 30 * time.Millisecond}

	_, err := Execute(context.Background(), gate, doer, newRequest(t, http.MethodGet, "http://host/path", ""), policy)
	if err == nil {
		t.Fatal("expected an error once the retry budget elapses")
	}
	budgetErr, ok := err.(*BudgetExhaustedError)
	if !ok {
		t.Fatalf("err = %T, want *BudgetExhaustedError", err)
	}
	if budgetErr.Cause == nil {
		t.Fatal("expected BudgetExhaustedError to carry the last cause")
	}
}
