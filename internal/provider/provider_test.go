package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"livesight/internal/aggregator"
	"livesight/internal/observability/metrics"
)

func newAggregator(t *testing.T, adapters ...aggregator.Adapter) *aggregator.Aggregator {
	t.Helper()
	return aggregator.New(aggregator.Config{Adapters: adapters, Metrics: metrics.New()})
}

func TestTwitchLookup(t *testing.T) {
	t.Parallel()

	var gotAuth, gotClientID, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotClientID = r.Header.Get("Client-ID")
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"game":"Dota 2","viewers":1234,"preview":"https://cdn.example/p.jpg","channel":{"display_name":"jbpratt"}}`))
	}))
	defer server.Close()

	adapter := NewTwitch("sekrit", "client123", server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	status, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("unexpected Authorization header %q", gotAuth)
	}
	if gotClientID != "client123" {
		t.Fatalf("unexpected Client-ID header %q", gotClientID)
	}
	if gotAccept != "application/vnd.twitchtv.v5+json" {
		t.Fatalf("unexpected Accept header %q", gotAccept)
	}
	want := aggregator.ChannelStatus{Live: true, Title: "Dota 2", Thumbnail: "https://cdn.example/p.jpg", Viewers: 1234}
	if status != want {
		t.Fatalf("unexpected status %+v, want %+v", status, want)
	}
}

func TestTwitchNonOKStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Body is valid channel JSON, but a failed status must win.
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"game":"Dota 2","viewers":1,"preview":"p","channel":{"display_name":"x"}}`))
	}))
	defer server.Close()

	adapter := NewTwitch("sekrit", "client123", server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	_, err := agg.Lookup(context.Background(), "twitch", "jbpratt")
	var uerr *aggregator.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if uerr.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", uerr.Status)
	}
}

func TestYouTubeLookup(t *testing.T) {
	t.Parallel()

	var gotKey, gotID, gotPart string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("key")
		gotID = r.URL.Query().Get("id")
		gotPart = r.URL.Query().Get("part")
		w.Write([]byte(`{
			"items": [{
				"snippet": {"title": "melee vods", "thumbnails": {"medium": {"url": "https://i.ytimg.com/t.jpg"}}},
				"contentDetails": {"contentRating": {"ytRating": "ytAgeRestricted"}},
				"statistics": {"viewCount": "5021"}
			}],
			"pageInfo": {"totalResults": 1}
		}`))
	}))
	defer server.Close()

	adapter := NewYouTube("yt-key", server.Client())
	adapter.baseURL = server.URL
	agg := newAggregator(t, adapter)

	status, err := agg.Lookup(context.Background(), "youtube", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if gotKey != "yt-key" || gotID != "dQw4w9WgXcQ" {
		t.Fatalf("unexpected query key=%q id=%q", gotKey, gotID)
	}
	if !strings.Contains(gotPart, "liveStreamingDetails") {
		t.Fatalf("unexpected part parameter %q", gotPart)
	}
	want := aggregator.ChannelStatus{Live: true, NSFW: true, Title: "melee vods", Thumbnail: "https://i.ytimg.com/t.jpg", Viewers: 5021}
	if status != want {
		t.Fatalf("unexpected status %+v, want %+v", status, want)
	}
}

func TestYouTubeEmptyItemsFailsSchema(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"items": [], "pageInfo": {"totalResults": 0}}`))
	}))
	defer server.Close()

	adapter := NewYouTube("yt-key", server.Client())
	adapter.baseURL = server.URL
	agg := newAggregator(t, adapter)

	_, err := agg.Lookup(context.Background(), "youtube", "nope")
	var serr *aggregator.SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestYouTubeViewCountParseFailure(t *testing.T) {
	t.Parallel()

	// A schema-less path: decode directly to exercise the numeric guard
	// without the pattern constraint intercepting first.
	adapter := NewYouTube("yt-key", nil)
	_, err := adapter.Map([]byte(`{
		"items": [{
			"snippet": {"title": "t", "thumbnails": {"medium": {"url": "u"}}},
			"contentDetails": {"contentRating": {}},
			"statistics": {"viewCount": "many"}
		}],
		"pageInfo": {"totalResults": 1}
	}`))
	if err == nil || !strings.Contains(err.Error(), "viewCount") {
		t.Fatalf("expected viewCount parse error, got %v", err)
	}
}

func TestSmashcastLookup(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"livestream": [{
			"media_is_live": "1",
			"media_status": "ranked grind",
			"media_views": "77",
			"media_thumbnail": "/static/img/media/live/chan.jpg"
		}]}`))
	}))
	defer server.Close()

	adapter := NewSmashcast(server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	status, err := agg.Lookup(context.Background(), "smashcast", "chan")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	want := aggregator.ChannelStatus{
		Live:      true,
		Title:     "ranked grind",
		Thumbnail: "https://edge.sf.hitbox.tv/static/img/media/live/chan.jpg",
		Viewers:   77,
	}
	if status != want {
		t.Fatalf("unexpected status %+v, want %+v", status, want)
	}
}

func TestSmashcastOfflineFlag(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"livestream": [{
			"media_is_live": "0",
			"media_status": "offline",
			"media_views": "0",
			"media_thumbnail": "/t.jpg"
		}]}`))
	}))
	defer server.Close()

	adapter := NewSmashcast(server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	status, err := agg.Lookup(context.Background(), "smashcast", "chan")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if status.Live {
		t.Fatal("media_is_live=0 reported as live")
	}
}

func TestSmashcastEmptyLivestreamFailsSchema(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"livestream": []}`))
	}))
	defer server.Close()

	adapter := NewSmashcast(server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	_, err := agg.Lookup(context.Background(), "smashcast", "ghost")
	var serr *aggregator.SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SchemaError for empty livestream array, got %v", err)
	}
}

func TestMixerLookup(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{
			"name": "speedruns all day",
			"online": true,
			"audience": "18+",
			"viewersCurrent": 311,
			"thumbnail": {"url": "https://uploads.mixer.com/t.jpg"}
		}`))
	}))
	defer server.Close()

	adapter := NewMixer(server.Client())
	adapter.baseURL = server.URL + "/"
	agg := newAggregator(t, adapter)

	status, err := agg.Lookup(context.Background(), "mixer", "chan")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	want := aggregator.ChannelStatus{
		Live:      true,
		NSFW:      true,
		Title:     "speedruns all day",
		Thumbnail: "https://uploads.mixer.com/t.jpg",
		Viewers:   311,
	}
	if status != want {
		t.Fatalf("unexpected status %+v, want %+v", status, want)
	}
}

func TestMixerFamilyAudienceNotNSFW(t *testing.T) {
	t.Parallel()

	adapter := NewMixer(nil)
	status, err := adapter.Map([]byte(`{
		"name": "n", "online": false, "audience": "family",
		"viewersCurrent": 0, "thumbnail": {"url": "u"}
	}`))
	if err != nil {
		t.Fatalf("Map returned error: %v", err)
	}
	if status.NSFW || status.Live {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAllBuildsEveryAdapter(t *testing.T) {
	t.Parallel()

	adapters := All(Config{TwitchToken: "t", TwitchClientID: "c", YouTubeKey: "y"})
	services := make(map[string]bool, len(adapters))
	for _, adapter := range adapters {
		services[adapter.Service()] = true
	}
	for _, want := range []string{"twitch", "youtube", "smashcast", "mixer"} {
		if !services[want] {
			t.Fatalf("missing adapter for %s", want)
		}
	}
}
