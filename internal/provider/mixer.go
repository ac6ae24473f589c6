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
	mixerBaseURL = "https://mixer.com/api/v1/channels/"
	// The audience rating Mixer uses for adult channels.
	mixerAdultAudience = "18+"
)

var mixerSchema = mustCompileSchema(`
{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "audience": {"type": "string"},
    "online": {"type": "boolean"},
    "thumbnail": {
      "type": "object",
      "properties": {
        "url": {"type": "string", "format": "uri"}
      },
      "required": ["url"]
    },
    "viewersCurrent": {"type": "integer"}
  },
  "required": ["name", "online", "thumbnail", "viewersCurrent", "audience"]
}`)

type mixerChannel struct {
	Name           string `json:"name"`
	Online         bool   `json:"online"`
	Audience       string `json:"audience"`
	ViewersCurrent uint32 `json:"viewersCurrent"`
	Thumbnail      struct {
		URL string `json:"url"`
	} `json:"thumbnail"`
}

// Mixer looks up channels through the unauthenticated channel endpoint. It is
// the only provider that reports liveness and maturity directly.
type Mixer struct {
	baseURL string
	client  *http.Client
}

// NewMixer builds the Mixer adapter.
func NewMixer(client *http.Client) *Mixer {
	return &Mixer{baseURL: mixerBaseURL, client: client}
}

func (m *Mixer) Service() string { return "mixer" }

func (m *Mixer) Schema() *gojsonschema.Schema { return mixerSchema }

func (m *Mixer) Fetch(ctx context.Context, name string) (json.RawMessage, error) {
	return getJSON(ctx, m.client, m.Service(), m.baseURL+url.PathEscape(name), nil)
}

func (m *Mixer) Map(raw json.RawMessage) (aggregator.ChannelStatus, error) {
	var channel mixerChannel
	if err := json.Unmarshal(raw, &channel); err != nil {
		return aggregator.ChannelStatus{}, fmt.Errorf("decode mixer channel: %w", err)
	}
	return aggregator.ChannelStatus{
		Live:      channel.Online,
		NSFW:      channel.Audience == mixerAdultAudience,
		Title:     channel.Name,
		Thumbnail: channel.Thumbnail.URL,
		Viewers:   channel.ViewersCurrent,
	}, nil
}
