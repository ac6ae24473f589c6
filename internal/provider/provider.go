// Package provider implements the per-service adapters that talk to upstream
// streaming APIs. Each adapter owns its request shape, response schema, and
// field mapping; everything else goes through the shared fetch helper.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"livesight/internal/aggregator"
)

// Config carries the upstream credentials and shared plumbing for all
// adapters.
type Config struct {
	TwitchToken    string
	TwitchClientID string
	YouTubeKey     string
	Client         *http.Client
}

// All constructs the full adapter set from one credential bundle.
func All(cfg Config) []aggregator.Adapter {
	client := cfg.Client
	if client == nil {
		// Lookups are interactive; fail fast rather than retry.
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return []aggregator.Adapter{
		NewTwitch(cfg.TwitchToken, cfg.TwitchClientID, client),
		NewYouTube(cfg.YouTubeKey, client),
		NewSmashcast(client),
		NewMixer(client),
	}
}

// getJSON issues a GET and returns the raw body. Transport failures and
// non-2xx statuses come back as *aggregator.UpstreamError; the body is never
// interpreted on a failed status.
func getJSON(ctx context.Context, client *http.Client, service, url string, mutate func(*http.Request)) (json.RawMessage, error) {
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &aggregator.UpstreamError{Service: service, Err: err}
	}
	if mutate != nil {
		mutate(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &aggregator.UpstreamError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &aggregator.UpstreamError{
			Service: service,
			Status:  resp.StatusCode,
			Err:     fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data))),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &aggregator.UpstreamError{Service: service, Status: resp.StatusCode, Err: err}
	}
	return json.RawMessage(body), nil
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// parseUint32 converts the numeric strings some providers use for counters.
// Parse failures are reported, never silently coerced to zero.
func parseUint32(field, raw string) (uint32, error) {
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return uint32(value), nil
}

// mustCompileSchema compiles the adapter schemas at init time. The documents
// are compile-time constants, so a failure here is a programming error.
func mustCompileSchema(document string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(document))
	if err != nil {
		panic(fmt.Sprintf("compile provider schema: %v", err))
	}
	return schema
}
