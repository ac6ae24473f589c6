package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/xeipuuv/gojsonschema"

	"livesight/internal/aggregator"
)

const (
	smashcastBaseURL       = "https://api.smashcast.tv/media/live/"
	smashcastThumbnailHost = "https://edge.sf.hitbox.tv"
)

// The schema requires at least one livestream entry; an empty array means the
// channel does not exist and is treated as a contract violation, not as an
// offline channel.
var smashcastSchema = mustCompileSchema(`
{
  "type": "object",
  "properties": {
    "livestream": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "media_status": {"type": "string"},
          "media_is_live": {"type": "string"},
          "media_thumbnail": {"type": "string"},
          "media_views": {"type": "string", "pattern": "^[0-9]+$"}
        },
        "required": ["media_status", "media_is_live", "media_thumbnail", "media_views"]
      },
      "minItems": 1
    }
  },
  "required": ["livestream"]
}`)

type smashcastMedia struct {
	Livestream []struct {
		MediaIsLive    string `json:"media_is_live"`
		MediaStatus    string `json:"media_status"`
		MediaViews     string `json:"media_views"`
		MediaThumbnail string `json:"media_thumbnail"`
	} `json:"livestream"`
}

// Smashcast looks up channels through the public media endpoint. Liveness is
// the string flag "1" and thumbnails are relative paths on the CDN host.
type Smashcast struct {
	baseURL string
	client  *http.Client
}

// NewSmashcast builds the Smashcast adapter.
func NewSmashcast(client *http.Client) *Smashcast {
	return &Smashcast{baseURL: smashcastBaseURL, client: client}
}

func (s *Smashcast) Service() string { return "smashcast" }

func (s *Smashcast) Schema() *gojsonschema.Schema { return smashcastSchema }

func (s *Smashcast) Fetch(ctx context.Context, name string) (json.RawMessage, error) {
	return getJSON(ctx, s.client, s.Service(), s.baseURL+url.PathEscape(name), nil)
}

func (s *Smashcast) Map(raw json.RawMessage) (aggregator.ChannelStatus, error) {
	var media smashcastMedia
	if err := json.Unmarshal(raw, &media); err != nil {
		return aggregator.ChannelStatus{}, fmt.Errorf("decode smashcast media: %w", err)
	}
	if len(media.Livestream) == 0 {
		return aggregator.ChannelStatus{}, fmt.Errorf("smashcast response contained no livestream")
	}
	stream := media.Livestream[0]
	viewers, err := parseUint32("media_views", stream.MediaViews)
	if err != nil {
		return aggregator.ChannelStatus{}, err
	}
	return aggregator.ChannelStatus{
		Live:      stream.MediaIsLive == "1",
		NSFW:      false,
		Title:     stream.MediaStatus,
		Thumbnail: smashcastThumbnailHost + stream.MediaThumbnail,
		Viewers:   viewers,
	}, nil
}
