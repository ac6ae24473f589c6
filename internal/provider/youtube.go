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

const youtubeBaseURL = "https://www.googleapis.com/youtube/v3/videos"

var youtubeSchema = mustCompileSchema(`
{
  "type": "object",
  "properties": {
    "pageInfo": {
      "type": "object",
      "properties": {
        "totalResults": {"type": "integer"}
      },
      "required": ["totalResults"]
    },
    "items": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "snippet": {
            "type": "object",
            "properties": {
              "title": {"type": "string"},
              "thumbnails": {
                "type": "object",
                "properties": {
                  "medium": {
                    "type": "object",
                    "properties": {
                      "url": {"type": "string", "format": "uri"}
                    },
                    "required": ["url"]
                  }
                },
                "required": ["medium"]
              }
            },
            "required": ["title", "thumbnails"]
          },
          "liveStreamingDetails": {
            "type": "object",
            "properties": {
              "concurrentViewers": {"type": "string", "pattern": "^[0-9]+$"}
            }
          },
          "statistics": {
            "type": "object",
            "properties": {
              "viewCount": {"type": "string", "pattern": "^[0-9]+$"}
            },
            "required": ["viewCount"]
          },
          "contentDetails": {
            "type": "object",
            "properties": {
              "contentRating": {
                "type": "object",
                "properties": {
                  "ytRating": {"type": "string"}
                }
              }
            }
          }
        },
        "required": ["snippet", "statistics", "contentDetails"]
      }
    }
  },
  "required": ["items", "pageInfo"]
}`)

type youtubeVideos struct {
	Items []struct {
		Snippet struct {
			Title      string `json:"title"`
			Thumbnails struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		ContentDetails struct {
			ContentRating struct {
				YTRating string `json:"ytRating"`
			} `json:"contentRating"`
		} `json:"contentDetails"`
		Statistics struct {
			ViewCount string `json:"viewCount"`
		} `json:"statistics"`
	} `json:"items"`
	PageInfo struct {
		TotalResults int64 `json:"totalResults"`
	} `json:"pageInfo"`
}

// YouTube looks up videos by ID through the Data API. The schema demands at
// least one result, so any payload that reaches Map describes a resolvable
// video; such a video is reported live. Age restriction maps to nsfw.
type YouTube struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewYouTube builds the YouTube adapter.
func NewYouTube(key string, client *http.Client) *YouTube {
	return &YouTube{baseURL: youtubeBaseURL, key: key, client: client}
}

func (y *YouTube) Service() string { return "youtube" }

func (y *YouTube) Schema() *gojsonschema.Schema { return youtubeSchema }

func (y *YouTube) Fetch(ctx context.Context, name string) (json.RawMessage, error) {
	query := url.Values{
		"id":   {name},
		"part": {"liveStreamingDetails,snippet,statistics,contentDetails"},
		"key":  {y.key},
	}
	return getJSON(ctx, y.client, y.Service(), y.baseURL+"?"+query.Encode(), nil)
}

func (y *YouTube) Map(raw json.RawMessage) (aggregator.ChannelStatus, error) {
	var videos youtubeVideos
	if err := json.Unmarshal(raw, &videos); err != nil {
		return aggregator.ChannelStatus{}, fmt.Errorf("decode youtube videos: %w", err)
	}
	if len(videos.Items) == 0 {
		return aggregator.ChannelStatus{}, fmt.Errorf("youtube response contained no items")
	}
	item := videos.Items[0]
	viewers, err := parseUint32("viewCount", item.Statistics.ViewCount)
	if err != nil {
		return aggregator.ChannelStatus{}, err
	}
	return aggregator.ChannelStatus{
		Live:      true,
		NSFW:      item.ContentDetails.ContentRating.YTRating == "ytAgeRestricted",
		Title:     item.Snippet.Title,
		Thumbnail: item.Snippet.Thumbnails.Medium.URL,
		Viewers:   viewers,
	}, nil
}
