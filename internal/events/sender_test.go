package events

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

type recordedRequest struct {
	payloadID string
	encoding  string
	body      []byte
}

// bulkRecorder serves the bulk endpoint with a scripted status sequence and
// records every request it sees.
type bulkRecorder struct {
	mu       sync.Mutex
	statuses []int
	requests []recordedRequest
}

func (r *bulkRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, recordedRequest{
		payloadID: req.Header.Get("X-Flagwire-Payload-ID"),
		encoding:  req.Header.Get("Content-Encoding"),
		body:      body,
	})
	status := http.StatusAccepted
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *bulkRecorder) seen() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func newTestSender(t *testing.T, rec *bulkRecorder, compress bool) (*HTTPEventSender, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	sender := NewHTTPEventSender(HTTPSenderConfig{
		BaseURI:           srv.URL,
		EnableCompression: compress,
		RetryDelay:        time.Millisecond,
		RequestTimeout:    time.Second,
		HTTPClient:        srv.Client(),
	}, zap.NewNop())
	return sender, srv
}

func TestSenderDelivers(t *testing.T) {
	rec := &bulkRecorder{}
	sender, _ := newTestSender(t, rec, false)

	result := sender.Send([]byte(`[{"kind":"identify"}]`), 1)
	if !result.Success {
		t.Fatal("expected success")
	}
	if result.TimeFromServer.IsZero() {
		t.Error("expected server time from the Date header")
	}

	reqs := rec.seen()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	if reqs[0].payloadID == "" {
		t.Error("expected a payload ID header")
	}
	if string(reqs[0].body) != `[{"kind":"identify"}]` {
		t.Errorf("unexpected body %q", reqs[0].body)
	}
}

func TestSenderPacesDeliveries(t *testing.T) {
	rec := &bulkRecorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	// Burst equals the rate, so the third send must wait for a fresh token.
	sender := NewHTTPEventSender(HTTPSenderConfig{
		BaseURI:           srv.URL,
		MaxSendsPerSecond: 2,
		RequestTimeout:    time.Second,
		HTTPClient:        srv.Client(),
	}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 3; i++ {
		if result := sender.Send([]byte(`[{"kind":"identify"}]`), 1); !result.Success {
			t.Fatalf("send %d failed", i)
		}
	}

	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("3 sends at 2/s finished in %v, limiter is not pacing", elapsed)
	}
	if reqs := rec.seen(); len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
}

func TestSenderRetriesOnceWithSamePayloadID(t *testing.T) {
	rec := &bulkRecorder{statuses: []int{http.StatusServiceUnavailable, http.StatusAccepted}}
	sender, _ := newTestSender(t, rec, false)

	result := sender.Send([]byte(`[]`), 0)
	if !result.Success {
		t.Fatal("expected success on the retry")
	}
	if !result.Backpressure {
		t.Error("a 503 along the way must still report backpressure")
	}

	reqs := rec.seen()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(reqs))
	}
	if reqs[0].payloadID != reqs[1].payloadID {
		t.Errorf("payload ID must be stable across retries: %q vs %q", reqs[0].payloadID, reqs[1].payloadID)
	}
}

func TestSenderGivesUpAfterRetry(t *testing.T) {
	rec := &bulkRecorder{statuses: []int{http.StatusBadGateway, http.StatusBadGateway}}
	sender, _ := newTestSender(t, rec, false)

	result := sender.Send([]byte(`[]`), 0)
	if result.Success {
		t.Fatal("expected failure")
	}
	if len(rec.seen()) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(rec.seen()))
	}
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	rec := &bulkRecorder{statuses: []int{http.StatusBadRequest}}
	sender, _ := newTestSender(t, rec, false)

	result := sender.Send([]byte(`[]`), 0)
	if result.Success || result.MustShutdown {
		t.Fatal("a 400 drops the batch without disabling delivery")
	}
	if len(rec.seen()) != 1 {
		t.Fatalf("a 400 must not be retried, got %d attempts", len(rec.seen()))
	}
}

func TestSenderUnauthorizedShutsDown(t *testing.T) {
	rec := &bulkRecorder{statuses: []int{http.StatusUnauthorized}}
	sender, _ := newTestSender(t, rec, false)

	result := sender.Send([]byte(`[]`), 0)
	if !result.MustShutdown {
		t.Fatal("401 must demand shutdown")
	}
	if len(rec.seen()) != 1 {
		t.Fatalf("401 must not be retried, got %d attempts", len(rec.seen()))
	}
}

func TestSenderCompressesPayload(t *testing.T) {
	rec := &bulkRecorder{}
	sender, _ := newTestSender(t, rec, true)

	payload := []byte(`[{"kind":"custom","key":"clicked"}]`)
	if result := sender.Send(payload, 1); !result.Success {
		t.Fatal("expected success")
	}

	req := rec.seen()[0]
	if req.encoding != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", req.encoding)
	}
	zr, err := gzip.NewReader(bytes.NewReader(req.body))
	if err != nil {
		t.Fatalf("body is not valid gzip: %v", err)
	}
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(decompressed) != string(payload) {
		t.Errorf("decompressed body %q does not match payload", decompressed)
	}
}
