package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// latestAllPath is the polling endpoint serving the full data set.
const latestAllPath = "/sdk/latest-all"

// Requester fetches the full data set from the polling endpoint. cached is
// true when the remote reported the data unchanged since the last fetch.
type Requester interface {
	RequestAll(ctx context.Context) (data datamodel.DataSet, cached bool, err error)
}

// pollingRequester is the HTTP Requester. It remembers the ETag of the last
// successful response and sends If-None-Match so unchanged polls cost a 304
// instead of a full payload.
type pollingRequester struct {
	httpClient *http.Client
	uri        string
	headers    http.Header
	etag       string
	logger     *zap.Logger
}

func newPollingRequester(httpClient *http.Client, baseURI string, headers http.Header, logger *zap.Logger) *pollingRequester {
	return &pollingRequester{
		httpClient: httpClient,
		uri:        baseURI + latestAllPath,
		headers:    headers,
		logger:     logger,
	}
}

func (r *pollingRequester) RequestAll(ctx context.Context) (datamodel.DataSet, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.uri, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating poll request: %w", err)
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, &httpStatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("reading poll response: %w", err)
	}

	var payload struct {
		Flags    map[string]datamodel.Record `json:"flags"`
		Segments map[string]datamodel.Record `json:"segments"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, fmt.Errorf("decoding poll response: %w", err)
	}

	data := datamodel.NewDataSet()
	for k, v := range payload.Flags {
		v.Key = k
		data[datamodel.KindFlags][k] = v
	}
	for k, v := range payload.Segments {
		v.Key = k
		data[datamodel.KindSegments][k] = v
	}

	r.etag = resp.Header.Get("ETag")
	return data, false, nil
}
