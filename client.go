// Package flagwire is a server-side feature-flag runtime: it keeps a local
// versioned copy of flag data in sync with a remote service, answers
// evaluations from that local copy without network calls, and reports
// evaluation telemetry in batches.
package flagwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
	"github.com/flagwire/flagwire/internal/datasource"
	"github.com/flagwire/flagwire/internal/datastore"
	"github.com/flagwire/flagwire/internal/events"
)

// streamAllPath is the change-feed route on the streaming host.
const streamAllPath = "/all"

// persistentLoadTimeout bounds the warm start read during MakeClient.
const persistentLoadTimeout = 5 * time.Second

// Client is the SDK entry point. All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger

	store       *datastore.Store
	broadcaster *datasource.StatusBroadcaster
	syncManager *datasource.SyncManager
	events      *events.Processor

	evaluator Evaluator

	closed    atomic.Bool
	closeOnce sync.Once
}

// MakeClient builds and starts a client, waiting up to waitFor for the first
// full data sync. On timeout or permanent data source failure the client is
// still returned alongside the error: evaluations serve defaults until (or
// unless) data arrives. A waitFor of zero skips waiting entirely.
func MakeClient(sdkKey string, cfg Config, waitFor time.Duration) (*Client, error) {
	if strings.TrimSpace(sdkKey) == "" {
		return nil, fmt.Errorf("%w: SDK key is required", ErrInvalidConfig)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger

	headers := baseHeaders(sdkKey, cfg.Application)
	store := datastore.New(cfg.PersistentStore, logger)

	if cfg.PersistentStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistentLoadTimeout)
		loaded, err := store.LoadFromPersistent(ctx)
		cancel()
		if err != nil {
			logger.Warn("could not warm start from persistent store", zap.Error(err))
		} else if loaded {
			logger.Info("warm started from persistent store")
		}
	}

	broadcaster := datasource.NewStatusBroadcaster(logger)
	sink := datasource.NewStoreSink(store, broadcaster, logger)
	source := buildDataSource(cfg, headers, sink, broadcaster, logger)

	c := &Client{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		broadcaster: broadcaster,
		syncManager: datasource.NewSyncManager(source, broadcaster),
		evaluator:   cfg.Evaluator,
	}

	if !cfg.Events.Disabled {
		sender := events.NewHTTPEventSender(events.HTTPSenderConfig{
			BaseURI:           cfg.Endpoints.Events,
			Headers:           headers,
			EnableCompression: cfg.Events.EnableCompression,
			MaxSendsPerSecond: cfg.Events.MaxSendsPerSecond,
			RequestTimeout:    cfg.Network.RequestTimeout,
			HTTPClient:        newHTTPClient(cfg.Network, cfg.Network.RequestTimeout),
		}, logger)
		c.events = events.NewProcessor(events.Config{
			Capacity:            cfg.Events.Capacity,
			FlushInterval:       cfg.Events.FlushInterval,
			ContextKeysCapacity: cfg.Events.ContextKeysCapacity,
			BatchByteLimit:      cfg.Events.BatchSizeLimit,
			Sender:              sender,
			Logger:              logger,
		})
	}

	ready := c.syncManager.Start()

	if waitFor <= 0 {
		logger.Info("not waiting for initialization")
		return c, nil
	}

	logger.Info("waiting for initialization", zap.Duration("timeout", waitFor))
	select {
	case <-ready:
		if c.SyncStatus().State == datamodel.SyncOff {
			return c, ErrInitializationFailed
		}
		logger.Info("client initialized")
		return c, nil
	case <-time.After(waitFor):
		logger.Warn("client did not initialize in time, evaluations will serve defaults")
		return c, ErrInitializationTimeout
	}
}

func buildDataSource(cfg Config, headers http.Header, sink datasource.UpdateSink, broadcaster *datasource.StatusBroadcaster, logger *zap.Logger) datasource.DataSource {
	switch cfg.DataSource.Mode {
	case ModePolling:
		return datasource.NewPollProcessor(datasource.PollingConfig{
			BaseURI:    cfg.Endpoints.Polling,
			Interval:   cfg.DataSource.PollInterval,
			Headers:    headers,
			HTTPClient: newHTTPClient(cfg.Network, cfg.Network.RequestTimeout),
		}, sink, logger)
	case ModeNone:
		broadcaster.UpdateStatus(datamodel.SyncValid, datamodel.SyncErrorInfo{})
		return datasource.NewNullDataSource()
	default:
		return datasource.NewStreamProcessor(datasource.StreamingConfig{
			URI:                  cfg.Endpoints.Streaming + streamAllPath,
			InitialRetryDelay:    cfg.DataSource.InitialRetryDelay,
			MaxRetryDelay:        cfg.DataSource.MaxRetryDelay,
			BackoffResetInterval: DefaultBackoffResetInterval,
			ReadTimeout:          cfg.Network.ReadTimeout,
			Headers:              headers,
			HTTPClient:           newHTTPClient(cfg.Network, 0),
		}, sink, logger)
	}
}

// newHTTPClient builds a client with the configured connect timeout. The
// overall timeout is zero for streaming connections, which stay open
// indefinitely; the response-header timeout still bounds the connect phase
// so a peer that accepts TCP but never answers cannot hold the source.
func newHTTPClient(network NetworkConfig, overallTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: overallTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: network.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   network.ConnectTimeout,
			ResponseHeaderTimeout: network.ConnectTimeout,
		},
	}
}

func baseHeaders(sdkKey string, app ApplicationInfo) http.Header {
	h := http.Header{}
	h.Set("Authorization", sdkKey)
	h.Set("User-Agent", "flagwire-go")
	if tags := app.headerValue(); tags != "" {
		h.Set("X-Flagwire-Tags", tags)
	}
	return h
}

// eventSettings are the telemetry knobs embedded in a flag definition.
type eventSettings struct {
	TrackEvents          bool  `json:"trackEvents"`
	DebugEventsUntilDate int64 `json:"debugEventsUntilDate"`
	ExcludeFromSummaries bool  `json:"excludeFromSummaries"`
}

// Variation evaluates a flag and returns its value, or defaultValue when the
// flag is missing, the client is not ready, or evaluation fails. The error
// explains the fallback; the value is always usable.
func (c *Client) Variation(key string, ctx datamodel.Context, defaultValue any) (any, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, nil)
	return detail.Value, err
}

// VariationDetail is Variation plus the reason for the result. Feature
// events produced by the Detail variants carry the reason as well.
func (c *Client) VariationDetail(key string, ctx datamodel.Context, defaultValue any) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, nil)
}

// BoolVariation evaluates a flag expected to be a boolean.
func (c *Client) BoolVariation(key string, ctx datamodel.Context, defaultValue bool) (bool, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, coerceBool)
	return detail.Value.(bool), err
}

func (c *Client) BoolVariationDetail(key string, ctx datamodel.Context, defaultValue bool) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, coerceBool)
}

// IntVariation evaluates a flag expected to be an integer. Whole-number
// float values, as produced by JSON decoding, are accepted.
func (c *Client) IntVariation(key string, ctx datamodel.Context, defaultValue int) (int, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, coerceInt)
	return detail.Value.(int), err
}

func (c *Client) IntVariationDetail(key string, ctx datamodel.Context, defaultValue int) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, coerceInt)
}

// Float64Variation evaluates a flag expected to be a number.
func (c *Client) Float64Variation(key string, ctx datamodel.Context, defaultValue float64) (float64, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, coerceFloat64)
	return detail.Value.(float64), err
}

func (c *Client) Float64VariationDetail(key string, ctx datamodel.Context, defaultValue float64) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, coerceFloat64)
}

// StringVariation evaluates a flag expected to be a string.
func (c *Client) StringVariation(key string, ctx datamodel.Context, defaultValue string) (string, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, coerceString)
	return detail.Value.(string), err
}

func (c *Client) StringVariationDetail(key string, ctx datamodel.Context, defaultValue string) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, coerceString)
}

// JSONVariation evaluates a flag of any JSON shape.
func (c *Client) JSONVariation(key string, ctx datamodel.Context, defaultValue any) (any, error) {
	detail, err := c.variation(key, ctx, defaultValue, false, nil)
	return detail.Value, err
}

func (c *Client) JSONVariationDetail(key string, ctx datamodel.Context, defaultValue any) (datamodel.EvaluationDetail, error) {
	return c.variation(key, ctx, defaultValue, true, nil)
}

func coerceBool(v any) (any, bool) {
	b, ok := v.(bool)
	return b, ok
}

func coerceInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return nil, false
}

func coerceFloat64(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return nil, false
}

func coerceString(v any) (any, bool) {
	s, ok := v.(string)
	return s, ok
}

// variation is the shared evaluation path: snapshot read, external
// evaluator, optional type coercion, then one telemetry event covering the
// final result.
func (c *Client) variation(key string, ctx datamodel.Context, defaultValue any, includeReason bool, coerce func(any) (any, bool)) (datamodel.EvaluationDetail, error) {
	if c.closed.Load() {
		return datamodel.NewEvaluationError(defaultValue, datamodel.ErrorClientNotReady), ErrClientClosed
	}
	if !ctx.Valid() {
		return datamodel.NewEvaluationError(defaultValue, datamodel.ErrorContextInvalid),
			fmt.Errorf("context is invalid: kind %q key %q", ctx.Kind, ctx.Key)
	}

	flag, found := c.store.Get(datamodel.KindFlags, key)
	if found && flag.Deleted {
		flag = datamodel.Record{}
		found = false
	}

	var detail datamodel.EvaluationDetail
	var err error
	switch {
	case !found && !c.store.IsInitialized():
		detail = datamodel.NewEvaluationError(defaultValue, datamodel.ErrorClientNotReady)
		err = fmt.Errorf("flag %q: client has no flag data yet", key)
	case !found:
		detail = datamodel.NewEvaluationError(defaultValue, datamodel.ErrorFlagNotFound)
		err = fmt.Errorf("flag %q not found", key)
	default:
		detail, err = c.runEvaluator(flag, ctx, defaultValue)
	}

	if coerce != nil && detail.Reason.Kind != datamodel.ReasonError {
		if v, ok := coerce(detail.Value); ok {
			detail.Value = v
		} else {
			detail = datamodel.NewEvaluationError(defaultValue, datamodel.ErrorWrongType)
			err = fmt.Errorf("flag %q evaluated to an unexpected type", key)
		}
	}

	c.recordEvaluation(key, flag, ctx, detail, defaultValue, includeReason)
	return detail, err
}

// runEvaluator invokes the configured evaluator, converting a missing
// evaluator or a panic into an error detail.
func (c *Client) runEvaluator(flag datamodel.Record, ctx datamodel.Context, defaultValue any) (detail datamodel.EvaluationDetail, err error) {
	if c.evaluator == nil {
		return datamodel.NewEvaluationError(defaultValue, datamodel.ErrorMalformedFlag),
			fmt.Errorf("flag %q: no evaluator configured", flag.Key)
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("evaluator panicked",
				zap.String("flag", flag.Key),
				zap.Any("panic", r),
			)
			detail = datamodel.NewEvaluationError(defaultValue, datamodel.ErrorException)
			err = fmt.Errorf("flag %q: evaluation panicked", flag.Key)
		}
	}()

	segments := func(segmentKey string) (datamodel.Record, bool) {
		rec, ok := c.store.Get(datamodel.KindSegments, segmentKey)
		if !ok || rec.Deleted {
			return datamodel.Record{}, false
		}
		return rec, true
	}

	return c.evaluator.Evaluate(flag, ctx, segments), nil
}

func (c *Client) recordEvaluation(key string, flag datamodel.Record, ctx datamodel.Context, detail datamodel.EvaluationDetail, defaultValue any, includeReason bool) {
	if c.events == nil {
		return
	}

	var settings eventSettings
	if len(flag.Data) > 0 {
		_ = json.Unmarshal(flag.Data, &settings)
	}

	c.events.RecordEvaluation(events.EvaluationData{
		FlagKey:              key,
		Context:              ctx,
		Value:                detail.Value,
		VariationIndex:       detail.VariationIndex,
		Default:              defaultValue,
		Version:              flag.Version,
		Reason:               detail.Reason,
		IncludeReason:        includeReason,
		TrackEvents:          settings.TrackEvents,
		DebugEventsUntilDate: settings.DebugEventsUntilDate,
		ExcludeFromSummaries: settings.ExcludeFromSummaries,
		CreationDate:         events.Now(),
	})
}

// Identify registers a context with the analytics pipeline without
// evaluating anything.
func (c *Client) Identify(ctx datamodel.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !ctx.Valid() {
		return fmt.Errorf("context is invalid: kind %q key %q", ctx.Kind, ctx.Key)
	}
	if c.events != nil {
		c.events.RecordIdentify(events.IdentifyData{Context: ctx, CreationDate: events.Now()})
	}
	return nil
}

// TrackEvent reports an application-defined event.
func (c *Client) TrackEvent(key string, ctx datamodel.Context) error {
	return c.track(key, ctx, nil, nil)
}

// TrackMetric reports an application-defined event with a numeric value and
// optional extra data.
func (c *Client) TrackMetric(key string, ctx datamodel.Context, value float64, data any) error {
	return c.track(key, ctx, &value, data)
}

func (c *Client) track(key string, ctx datamodel.Context, metric *float64, data any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !ctx.Valid() {
		return fmt.Errorf("context is invalid: kind %q key %q", ctx.Kind, ctx.Key)
	}
	if c.events != nil {
		c.events.RecordCustom(events.CustomData{
			Key:          key,
			Context:      ctx,
			Data:         data,
			MetricValue:  metric,
			CreationDate: events.Now(),
		})
	}
	return nil
}

// Flush requests an immediate delivery of buffered analytics events.
func (c *Client) Flush() {
	if c.events != nil {
		c.events.Flush()
	}
}

// Initialized reports whether the client has received a full data sync.
func (c *Client) Initialized() bool {
	return c.syncManager.IsInitialized()
}

// SyncStatus returns the current data source status. It never blocks.
func (c *Client) SyncStatus() datamodel.SyncStatus {
	return c.syncManager.Status()
}

// StatusChanges subscribes to data source status transitions. The channel is
// closed when the client closes. Release it with StopStatusChanges.
func (c *Client) StatusChanges() <-chan datamodel.SyncStatus {
	return c.syncManager.StatusChanges()
}

// StopStatusChanges releases a subscription obtained from StatusChanges.
func (c *Client) StopStatusChanges(ch <-chan datamodel.SyncStatus) {
	c.broadcaster.Unsubscribe(ch)
}

// AllFlags returns the keys of every live flag in the local store, sorted.
func (c *Client) AllFlags() []string {
	all := c.store.All(datamodel.KindFlags)
	keys := make([]string, 0, len(all))
	for key, rec := range all {
		if rec.Deleted {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close shuts the client down: the data source stops first so no further
// updates arrive, then buffered analytics events get a final flush. Safe to
// call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.syncManager.Close(); err != nil {
			c.logger.Warn("error stopping data source", zap.Error(err))
		}
		if c.events != nil {
			c.events.Close()
		}
		if c.cfg.PersistentStore != nil {
			if err := c.cfg.PersistentStore.Close(); err != nil {
				c.logger.Warn("error closing persistent store", zap.Error(err))
			}
		}
		c.logger.Info("client closed")
	})
	return nil
}
