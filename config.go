package flagwire

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flagwire/flagwire/datamodel"
)

// DataSourceMode selects how the client receives flag data.
type DataSourceMode string

const (
	// ModeStreaming keeps a persistent event-stream connection open and
	// applies changes as they arrive. This is the default.
	ModeStreaming DataSourceMode = "streaming"

	// ModePolling fetches the full state at a fixed interval.
	ModePolling DataSourceMode = "polling"

	// ModeNone runs without a remote feed. The store is populated from the
	// persistent store when one is configured, otherwise it starts empty.
	ModeNone DataSourceMode = "none"
)

// Default endpoints and tuning values.
const (
	DefaultStreamingBaseURL = "https://stream.flagwire.io"
	DefaultPollingBaseURL   = "https://sdk.flagwire.io"
	DefaultEventsBaseURL    = "https://events.flagwire.io"

	DefaultInitialRetryDelay    = time.Second
	DefaultMaxRetryDelay        = 30 * time.Second
	DefaultBackoffResetInterval = time.Minute

	// MinPollInterval is the floor for polling; shorter configured intervals
	// are clamped up to it.
	MinPollInterval     = 30 * time.Second
	DefaultPollInterval = 30 * time.Second

	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second

	// DefaultReadTimeout is how long the stream may stay silent, heartbeats
	// included, before the connection is recycled.
	DefaultReadTimeout = 5 * time.Minute

	DefaultEventCapacity       = 500
	DefaultFlushInterval       = 30 * time.Second
	DefaultContextKeysCapacity = 1000
	DefaultBatchSizeLimit      = 1024 * 1024
)

// ServiceEndpoints are the base URLs of the flag delivery and analytics
// services. Override all three when pointing at a relay or a dev instance.
type ServiceEndpoints struct {
	Streaming string
	Polling   string
	Events    string
}

// DataSourceConfig controls the flag data feed.
type DataSourceConfig struct {
	Mode DataSourceMode

	// InitialRetryDelay seeds the streaming reconnect backoff.
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps the streaming reconnect backoff.
	MaxRetryDelay time.Duration

	// PollInterval is the polling cadence, clamped to MinPollInterval.
	PollInterval time.Duration
}

// EventsConfig controls analytics event delivery.
type EventsConfig struct {
	// Disabled turns off analytics entirely; all Record and Track calls
	// become no-ops.
	Disabled bool

	// Capacity bounds the in-memory event buffer between flushes.
	Capacity int

	FlushInterval time.Duration

	// ContextKeysCapacity bounds the per-window context dedup set.
	ContextKeysCapacity int

	// BatchSizeLimit splits flush payloads that would exceed this many bytes.
	BatchSizeLimit int

	// EnableCompression gzips event payloads.
	EnableCompression bool

	// MaxSendsPerSecond rate-limits deliveries to the analytics endpoint;
	// 0 means unlimited.
	MaxSendsPerSecond int
}

// NetworkConfig holds transport-level timeouts shared by all connections.
type NetworkConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// ReadTimeout applies to the streaming connection's silence watchdog.
	ReadTimeout time.Duration
}

// ApplicationInfo identifies the hosting application to the service. Both
// fields are optional; when set they are sent on every request as a tags
// header.
type ApplicationInfo struct {
	ID      string
	Version string
}

// tagValue reports whether s is safe to place in the tags header.
func tagValue(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_':
		default:
			return false
		}
	}
	return true
}

func (a ApplicationInfo) headerValue() string {
	var tags []string
	if tagValue(a.ID) {
		tags = append(tags, "application-id/"+a.ID)
	}
	if tagValue(a.Version) {
		tags = append(tags, "application-version/"+a.Version)
	}
	return strings.Join(tags, " ")
}

// Config is the client configuration. The zero value plus an SDK key is a
// working production setup; every section defaults independently.
type Config struct {
	Endpoints   ServiceEndpoints
	DataSource  DataSourceConfig
	Events      EventsConfig
	Network     NetworkConfig
	Application ApplicationInfo

	// PersistentStore, when set, mirrors every store mutation and can warm
	// the client before the first full sync.
	PersistentStore datamodel.PersistentStore

	// Evaluator turns flag definitions into values. Required for the
	// Variation methods; with no evaluator every evaluation serves the
	// default value with a MALFORMED_FLAG reason.
	Evaluator Evaluator

	Logger *zap.Logger
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Endpoints.Streaming == "" {
		c.Endpoints.Streaming = DefaultStreamingBaseURL
	}
	if c.Endpoints.Polling == "" {
		c.Endpoints.Polling = DefaultPollingBaseURL
	}
	if c.Endpoints.Events == "" {
		c.Endpoints.Events = DefaultEventsBaseURL
	}

	if c.DataSource.Mode == "" {
		c.DataSource.Mode = ModeStreaming
	}
	if c.DataSource.InitialRetryDelay <= 0 {
		c.DataSource.InitialRetryDelay = DefaultInitialRetryDelay
	}
	if c.DataSource.MaxRetryDelay <= 0 {
		c.DataSource.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.DataSource.PollInterval <= 0 {
		c.DataSource.PollInterval = DefaultPollInterval
	}
	if c.DataSource.PollInterval < MinPollInterval {
		c.DataSource.PollInterval = MinPollInterval
	}

	if c.Events.Capacity <= 0 {
		c.Events.Capacity = DefaultEventCapacity
	}
	if c.Events.FlushInterval <= 0 {
		c.Events.FlushInterval = DefaultFlushInterval
	}
	if c.Events.ContextKeysCapacity <= 0 {
		c.Events.ContextKeysCapacity = DefaultContextKeysCapacity
	}
	if c.Events.BatchSizeLimit <= 0 {
		c.Events.BatchSizeLimit = DefaultBatchSizeLimit
	}

	if c.Network.ConnectTimeout <= 0 {
		c.Network.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Network.RequestTimeout <= 0 {
		c.Network.RequestTimeout = DefaultRequestTimeout
	}
	if c.Network.ReadTimeout <= 0 {
		c.Network.ReadTimeout = DefaultReadTimeout
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	switch c.DataSource.Mode {
	case ModeStreaming, ModePolling, ModeNone:
	default:
		return fmt.Errorf("%w: unknown data source mode %q", ErrInvalidConfig, c.DataSource.Mode)
	}

	for name, raw := range map[string]string{
		"streaming": c.Endpoints.Streaming,
		"polling":   c.Endpoints.Polling,
		"events":    c.Endpoints.Events,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s endpoint %q is not an absolute URL", ErrInvalidConfig, name, raw)
		}
	}
	return nil
}
