// Package aggregator dispatches channel lookups to provider adapters and
// normalizes their heterogeneous responses into one canonical metadata shape.
// Every payload is validated against the adapter's declared schema before the
// mapping step may touch it.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"livesight/internal/observability/metrics"
)

// ChannelStatus is the canonical metadata shape produced by every provider
// adapter. Provider-specific fields are discarded during mapping; this is the
// only representation that crosses the provider boundary.
type ChannelStatus struct {
	Live      bool   `json:"online"`
	NSFW      bool   `json:"nsfw"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	Viewers   uint32 `json:"viewers"`
}

// Adapter is the per-provider capability contract: build and issue the
// upstream request, declare the response schema, and map a validated payload
// to ChannelStatus.
type Adapter interface {
	// Service returns the provider tag the adapter serves.
	Service() string
	// Fetch performs the provider-specific network call and returns the raw
	// response body. Non-2xx statuses and transport errors are reported as
	// *UpstreamError before the body is ever interpreted.
	Fetch(ctx context.Context, name string) (json.RawMessage, error)
	// Schema returns the compiled structural schema the raw response must
	// satisfy before Map may run.
	Schema() *gojsonschema.Schema
	// Map converts a schema-validated payload into canonical metadata.
	Map(raw json.RawMessage) (ChannelStatus, error)
}

// ErrUnknownService indicates a service tag with no registered adapter. The
// HTTP layer surfaces it as a 404; it is a caller error, not a lookup
// failure.
var ErrUnknownService = errors.New("unknown service")

// SchemaError reports an upstream payload that failed the adapter's declared
// schema. The offending payload and the violated constraints are retained for
// logging; mapping is never attempted on such a payload.
type SchemaError struct {
	Service    string
	Payload    json.RawMessage
	Violations []string
}

func (e *SchemaError) Error() string {
	msg := "response failed schema validation"
	for _, v := range e.Violations {
		msg += ": " + v
	}
	return msg
}

// UpstreamError reports a transport failure, a non-2xx status, or a
// post-validation decode failure from a provider. Status is zero when the
// request never produced a response.
type UpstreamError struct {
	Service string
	Status  int
	Err     error
}

func (e *UpstreamError) Error() string {
	return "upstream request failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Aggregator routes lookups to the adapter registered for each service tag.
// The adapter set is fixed at construction; there is no dynamic registration.
type Aggregator struct {
	adapters map[string]Adapter
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Config configures an Aggregator.
type Config struct {
	Adapters []Adapter
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// New builds an Aggregator over the provided adapters.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	adapters := make(map[string]Adapter, len(cfg.Adapters))
	for _, adapter := range cfg.Adapters {
		adapters[adapter.Service()] = adapter
	}
	return &Aggregator{adapters: adapters, logger: logger, metrics: recorder}
}

// Services returns the service tags with a registered adapter.
func (a *Aggregator) Services() []string {
	services := make([]string, 0, len(a.adapters))
	for service := range a.adapters {
		services = append(services, service)
	}
	return services
}

// Lookup fetches, validates, and maps the named channel through the adapter
// registered for the service tag.
func (a *Aggregator) Lookup(ctx context.Context, service, name string) (ChannelStatus, error) {
	adapter, ok := a.adapters[service]
	if !ok {
		return ChannelStatus{}, ErrUnknownService
	}
	a.metrics.ObserveLookup(service)

	raw, err := adapter.Fetch(ctx, name)
	if err != nil {
		a.metrics.ObserveLookupFailure(service, "upstream")
		a.logger.Warn("provider fetch failed", "service", service, "channel", name, "error", err)
		return ChannelStatus{}, err
	}

	if schema := adapter.Schema(); schema != nil {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			// The body was not even parseable JSON.
			a.metrics.ObserveLookupFailure(service, "upstream")
			return ChannelStatus{}, &UpstreamError{Service: service, Err: err}
		}
		if !result.Valid() {
			violations := make([]string, 0, len(result.Errors()))
			for _, violation := range result.Errors() {
				violations = append(violations, violation.String())
			}
			serr := &SchemaError{Service: service, Payload: raw, Violations: violations}
			a.metrics.ObserveLookupFailure(service, "schema")
			a.logger.Warn("provider response failed schema validation",
				"service", service,
				"channel", name,
				"violations", violations,
				"payload", string(raw))
			return ChannelStatus{}, serr
		}
	}

	status, err := adapter.Map(raw)
	if err != nil {
		a.metrics.ObserveLookupFailure(service, "decode")
		a.logger.Warn("provider payload mapping failed", "service", service, "channel", name, "error", err)
		return ChannelStatus{}, &UpstreamError{Service: service, Err: err}
	}
	return status, nil
}
