package datasource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

const latestAllPayload = `{"flags":{"flag-a":{"version":1}},"segments":{"seg-a":{"version":2}}}`

func TestPollingRequesterETag(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != latestAllPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(latestAllPayload))
	}))
	defer server.Close()

	logger, _ := zap.NewDevelopment()
	req := newPollingRequester(server.Client(), server.URL, nil, logger)

	data, cached, err := req.RequestAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal("first fetch must not be cached")
	}
	if len(data[datamodel.KindFlags]) != 1 || len(data[datamodel.KindSegments]) != 1 {
		t.Errorf("unexpected data set: %+v", data)
	}
	if data[datamodel.KindFlags]["flag-a"].Key != "flag-a" {
		t.Error("expected key to be filled in from the map key")
	}

	_, cached, err = req.RequestAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Error("expected 304 to be reported as cached")
	}
}

func TestPollProcessorInitialSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(latestAllPayload))
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	pp := NewPollProcessor(PollingConfig{
		BaseURI:    server.URL,
		Interval:   20 * time.Millisecond,
		HTTPClient: server.Client(),
	}, sink, logger)
	defer pp.Close()

	ready := make(chan struct{})
	pp.Start(ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for readiness")
	}
	if !pp.IsInitialized() {
		t.Error("expected processor to be initialized")
	}
	sink.waitFor(t, "valid state", sink.sawState(datamodel.SyncValid))
}

// flakyRequester fails a fixed number of polls before succeeding.
type flakyRequester struct {
	failures atomic.Int32
	err      error
}

func (f *flakyRequester) RequestAll(_ context.Context) (datamodel.DataSet, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, false, f.err
	}
	data := datamodel.NewDataSet()
	data[datamodel.KindFlags]["flag-a"] = datamodel.Record{Key: "flag-a", Version: 1}
	return data, false, nil
}

func TestPollProcessorRecoversOnNextTick(t *testing.T) {
	req := &flakyRequester{err: &httpStatusError{Code: http.StatusServiceUnavailable}}
	req.failures.Store(2)

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	pp := newPollProcessorWithRequester(10*time.Millisecond, req, sink, logger)
	defer pp.Close()

	ready := make(chan struct{})
	pp.Start(ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for recovery")
	}
	sink.waitFor(t, "valid state", sink.sawState(datamodel.SyncValid))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inits) != 1 {
		t.Errorf("expected exactly 1 init after recovery, got %d", len(sink.inits))
	}
}

func TestPollProcessorUnauthorizedIsFatal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	pp := NewPollProcessor(PollingConfig{
		BaseURI:    server.URL,
		Interval:   10 * time.Millisecond,
		HTTPClient: server.Client(),
	}, sink, logger)
	defer pp.Close()

	ready := make(chan struct{})
	pp.Start(ready)

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("readiness must resolve even on permanent failure")
	}
	sink.waitFor(t, "off state", sink.sawState(datamodel.SyncOff))

	time.Sleep(50 * time.Millisecond)
	if n := requests.Load(); n != 1 {
		t.Errorf("expected polling to stop after auth failure, got %d requests", n)
	}
}

func TestPollProcessorNotModifiedKeepsValid(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) > 1 {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(latestAllPayload))
	}))
	defer server.Close()

	sink := newMockSink()
	logger, _ := zap.NewDevelopment()
	pp := NewPollProcessor(PollingConfig{
		BaseURI:    server.URL,
		Interval:   10 * time.Millisecond,
		HTTPClient: server.Client(),
	}, sink, logger)
	defer pp.Close()

	ready := make(chan struct{})
	pp.Start(ready)
	<-ready

	sink.waitFor(t, "second poll", func() bool { return requests.Load() >= 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inits) != 1 {
		t.Errorf("304 polls must not rewrite the store: %d inits", len(sink.inits))
	}
	for _, s := range sink.states {
		if s == datamodel.SyncInterrupted {
			t.Error("304 must not be treated as a failure")
		}
	}
}
