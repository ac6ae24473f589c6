package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xeipuuv/gojsonschema"

	"livesight/internal/observability/metrics"
)

type fakeAdapter struct {
	service  string
	payload  json.RawMessage
	fetchErr error
	schema   *gojsonschema.Schema
	mapErr   error
	mapped   bool
}

func (f *fakeAdapter) Service() string { return f.service }

func (f *fakeAdapter) Fetch(context.Context, string) (json.RawMessage, error) {
	return f.payload, f.fetchErr
}

func (f *fakeAdapter) Schema() *gojsonschema.Schema { return f.schema }

func (f *fakeAdapter) Map(raw json.RawMessage) (ChannelStatus, error) {
	f.mapped = true
	if f.mapErr != nil {
		return ChannelStatus{}, f.mapErr
	}
	var status ChannelStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return ChannelStatus{}, err
	}
	return status, nil
}

func mustSchema(t *testing.T, document string) *gojsonschema.Schema {
	t.Helper()
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func TestLookupUnknownService(t *testing.T) {
	t.Parallel()

	agg := New(Config{Metrics: metrics.New()})
	_, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
}

func TestLookupMapsValidPayload(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		service: "twitch",
		payload: json.RawMessage(`{"online":true,"nsfw":false,"title":"hi","thumbnail":"t.jpg","viewers":42}`),
		schema:  mustSchema(t, `{"type":"object","required":["online"]}`),
	}
	agg := New(Config{Adapters: []Adapter{adapter}, Metrics: metrics.New()})

	status, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	want := ChannelStatus{Live: true, Title: "hi", Thumbnail: "t.jpg", Viewers: 42}
	if status != want {
		t.Fatalf("unexpected status %+v, want %+v", status, want)
	}
}

func TestLookupSchemaFailureShortCircuitsMap(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		service: "twitch",
		payload: json.RawMessage(`{"viewers":"not-a-number"}`),
		schema:  mustSchema(t, `{"type":"object","required":["online"],"properties":{"viewers":{"type":"integer"}}}`),
	}
	recorder := metrics.New()
	agg := New(Config{Adapters: []Adapter{adapter}, Metrics: recorder})

	_, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	var serr *SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if adapter.mapped {
		t.Fatal("Map ran on a payload that failed validation")
	}
	if len(serr.Violations) == 0 {
		t.Fatal("SchemaError carried no violations")
	}
	if string(serr.Payload) != string(adapter.payload) {
		t.Fatalf("SchemaError payload %q does not match response", serr.Payload)
	}
	_, failures := recorder.LookupCounts()
	if failures["twitch"]["schema"] != 1 {
		t.Fatalf("expected one schema failure, got %v", failures)
	}
}

func TestLookupFetchErrorPropagates(t *testing.T) {
	t.Parallel()

	upstream := &UpstreamError{Service: "twitch", Status: 503, Err: errors.New("service unavailable")}
	adapter := &fakeAdapter{service: "twitch", fetchErr: upstream}
	recorder := metrics.New()
	agg := New(Config{Adapters: []Adapter{adapter}, Metrics: recorder})

	_, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if uerr.Status != 503 {
		t.Fatalf("unexpected status %d", uerr.Status)
	}
	_, failures := recorder.LookupCounts()
	if failures["twitch"]["upstream"] != 1 {
		t.Fatalf("expected one upstream failure, got %v", failures)
	}
}

func TestLookupMapErrorWrappedAsUpstream(t *testing.T) {
	t.Parallel()

	cause := errors.New("viewers field not numeric")
	adapter := &fakeAdapter{
		service: "twitch",
		payload: json.RawMessage(`{"online":true}`),
		schema:  mustSchema(t, `{"type":"object"}`),
		mapErr:  cause,
	}
	agg := New(Config{Adapters: []Adapter{adapter}, Metrics: metrics.New()})

	_, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}
