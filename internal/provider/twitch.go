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

const twitchBaseURL = "https://api.twitch.tv/helix/"

var twitchSchema = mustCompileSchema(`
{
  "type": "object",
  "properties": {
    "game": {"type": "string"},
    "viewers": {"type": "integer"},
    "preview": {"type": "string"},
    "channel": {
      "type": "object",
      "properties": {
        "display_name": {"type": "string"}
      },
      "required": ["display_name"]
    }
  },
  "required": ["game", "viewers", "preview", "channel"]
}`)

type twitchChannel struct {
	Game    string `json:"game"`
	Viewers uint32 `json:"viewers"`
	Preview string `json:"preview"`
	Channel struct {
		DisplayName string `json:"display_name"`
	} `json:"channel"`
}

// Twitch looks up channels through the Twitch API using an app access token
// and client ID. A channel that resolves at all is reported live; the API
// exposes no maturity flag, so nsfw is always false.
type Twitch struct {
	baseURL  string
	token    string
	clientID string
	client   *http.Client
}

// NewTwitch builds the Twitch adapter.
func NewTwitch(token, clientID string, client *http.Client) *Twitch {
	return &Twitch{
		baseURL:  twitchBaseURL,
		token:    token,
		clientID: clientID,
		client:   client,
	}
}

func (t *Twitch) Service() string { return "twitch" }

func (t *Twitch) Schema() *gojsonschema.Schema { return twitchSchema }

func (t *Twitch) Fetch(ctx context.Context, name string) (json.RawMessage, error) {
	return getJSON(ctx, t.client, t.Service(), t.baseURL+url.PathEscape(name), func(req *http.Request) {
		setBearer(req, t.token)
		req.Header.Set("Client-ID", t.clientID)
		req.Header.Set("Accept", "application/vnd.twitchtv.v5+json")
	})
}

func (t *Twitch) Map(raw json.RawMessage) (aggregator.ChannelStatus, error) {
	var channel twitchChannel
	if err := json.Unmarshal(raw, &channel); err != nil {
		return aggregator.ChannelStatus{}, fmt.Errorf("decode twitch channel: %w", err)
	}
	return aggregator.ChannelStatus{
		Live:      true,
		NSFW:      false,
		Title:     channel.Game,
		Thumbnail: channel.Preview,
		Viewers:   channel.Viewers,
	}, nil
}
