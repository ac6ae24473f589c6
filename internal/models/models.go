package models

import "time"

// Stream is the canonical persisted record for a tracked stream source. It is
// keyed by the 48-bit identity derived from its (channel, service, path)
// triple, so the same source always maps to the same row.
type Stream struct {
	ID        uint64    `json:"id"`
	Service   string    `json:"service"`
	Channel   string    `json:"channel"`
	Path      string    `json:"path"`
	Hidden    bool      `json:"hidden"`
	AFKCount  int       `json:"afkCount"`
	Promoted  bool      `json:"promoted"`
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail"`
	Live      bool      `json:"live"`
	Viewers   uint32    `json:"viewers"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// User represents an authenticated viewer account provisioned through the
// Twitch OAuth flow.
type User struct {
	ID         string    `json:"id"`
	TwitchID   int64     `json:"twitchId"`
	Name       string    `json:"name"`
	StreamPath string    `json:"streamPath"`
	Service    string    `json:"service"`
	Channel    string    `json:"channel"`
	LastIP     string    `json:"lastIp"`
	LastSeen   time.Time `json:"lastSeen"`
	LeftChat   bool      `json:"leftChat"`
	IsBanned   bool      `json:"isBanned"`
	BanReason  string    `json:"banReason,omitempty"`
	IsAdmin    bool      `json:"isAdmin"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BannedStream blocks a (channel, service) pair from being looked up or bound.
type BannedStream struct {
	Channel   string    `json:"channel"`
	Service   string    `json:"service"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BannedIPRange bans every address strictly between Start and End. The
// endpoints themselves are not covered by the ban.
type BannedIPRange struct {
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
