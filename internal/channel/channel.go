// Package channel validates raw (channel, service, path) triples supplied by
// viewers and derives the stable numeric identity used as the storage key for
// stream records.
package channel

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"strings"
)

// services enumerates the supported provider tags. Order matters only for
// readability; membership checks are exact.
var services = []string{
	"advanced",
	"angelthump",
	"facebook",
	"m3u8",
	"smashcast",
	"twitch",
	"twitch-vod",
	"ustream",
	"vaughn",
	"youtube",
	"youtube-playlist",
}

// identityMask truncates the identity hash to 48 bits so it fits comfortably
// in a signed BIGINT column.
const identityMask = (uint64(1) << 48) - 1

var (
	pathPattern   = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]{1,64}$`)
)

// Channel is a normalized stream source. Construct it through Normalize; the
// zero value is not meaningful.
type Channel struct {
	Channel    string `json:"channel"`
	Service    string `json:"service"`
	StreamPath string `json:"streamPath"`
}

// ValidationError reports caller-supplied input that failed channel
// validation. The reason is human-readable and not intended for programmatic
// matching.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "channel failed validation: " + e.Reason
}

// ValidService reports whether the given tag belongs to the provider
// enumeration.
func ValidService(service string) bool {
	for _, s := range services {
		if s == service {
			return true
		}
	}
	return false
}

// Services returns a copy of the provider enumeration.
func Services() []string {
	return append([]string(nil), services...)
}

// IsURLService reports whether the service expects a raw URL instead of a
// channel handle.
func IsURLService(service string) bool {
	return service == "advanced" || service == "m3u8"
}

// Normalize validates the raw triple and produces a Channel. When rawPath is
// empty the stream path is finalized to "/{service}/{channel}".
func Normalize(rawChannel, service, rawPath string) (Channel, error) {
	if !ValidService(service) {
		return Channel{}, &ValidationError{Reason: fmt.Sprintf("invalid service: %s", service)}
	}
	name, err := normalizeName(service, rawChannel)
	if err != nil {
		return Channel{}, err
	}
	if rawPath != "" && !pathPattern.MatchString(rawPath) {
		return Channel{}, &ValidationError{Reason: fmt.Sprintf("invalid stream path: %s", rawPath)}
	}
	path := rawPath
	if path == "" {
		path = "/" + service + "/" + name
	}
	return Channel{Channel: name, Service: service, StreamPath: path}, nil
}

func normalizeName(service, raw string) (string, error) {
	if IsURLService(service) {
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() {
			return "", &ValidationError{Reason: fmt.Sprintf("invalid advanced url: %s", raw)}
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return "", &ValidationError{Reason: "invalid advanced url schema. must be http or https"}
		}
		return parsed.String(), nil
	}
	if !handlePattern.MatchString(raw) {
		return "", &ValidationError{Reason: "invalid channel"}
	}
	// A handle that collides with a provider tag is lowercased so it can
	// never be confused with the service enumeration.
	for _, s := range services {
		if strings.EqualFold(raw, s) {
			return strings.ToLower(raw), nil
		}
	}
	return raw, nil
}

// IdentityOf derives the 48-bit identity for a channel: FNV-1a 64 over the
// three normalized fields joined by NUL, masked to the low 48 bits.
//
// The identity is a durable storage key. Changing the hash function or the
// field encoding would silently orphan every persisted stream record, so this
// definition is version-pinned by a regression test and must not change.
func IdentityOf(c Channel) uint64 {
	h := fnv.New64a()
	h.Write([]byte(c.Channel))
	h.Write([]byte{0})
	h.Write([]byte(c.Service))
	h.Write([]byte{0})
	h.Write([]byte(c.StreamPath))
	return h.Sum64() & identityMask
}
