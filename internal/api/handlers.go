// Package api implements the HTTP handlers for channel lookups and service
// health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"livesight/internal/aggregator"
	"livesight/internal/channel"
	"livesight/internal/models"
	"livesight/internal/storage"
)

// Lookuper resolves a (service, name) pair to canonical channel metadata.
type Lookuper interface {
	Lookup(ctx context.Context, service, name string) (aggregator.ChannelStatus, error)
}

// Repo is the slice of storage the handlers need.
type Repo interface {
	Ping(ctx context.Context) error
	UpsertStream(ctx context.Context, stream models.Stream) (models.Stream, error)
	TouchStreamStatus(ctx context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error)
	IsStreamBanned(ctx context.Context, channelName, service string) (bool, error)
}

// Handler bundles the lookup pipeline with its persistence side effects.
type Handler struct {
	lookuper Lookuper
	repo     Repo
	logger   *slog.Logger
}

// NewHandler builds an API handler.
func NewHandler(lookuper Lookuper, repo Repo, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{lookuper: lookuper, repo: repo, logger: logger}
}

// Healthz reports liveness, including storage reachability when available.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChannelLookup serves GET /{service}/{name}. The name segment may itself
// contain slashes for URL-backed services, so only the first separator
// splits.
func (h *Handler) ChannelLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	service, name := parts[0], parts[1]

	if !channel.ValidService(service) {
		writeError(w, http.StatusNotFound, errors.New("unknown service"))
		return
	}
	normalized, err := channel.Normalize(name, service, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if h.repo != nil {
		banned, err := h.repo.IsStreamBanned(ctx, normalized.Channel, normalized.Service)
		if err != nil {
			h.logger.Error("stream ban check failed", "error", err)
		} else if banned {
			// Banned channels are indistinguishable from missing ones.
			writeError(w, http.StatusNotFound, errors.New("not found"))
			return
		}
	}

	status, err := h.lookuper.Lookup(ctx, normalized.Service, normalized.Channel)
	if err != nil {
		switch {
		case errors.Is(err, aggregator.ErrUnknownService):
			writeError(w, http.StatusNotFound, errors.New("unknown service"))
		default:
			var verr *channel.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeError(w, http.StatusBadGateway, errors.New("upstream lookup failed"))
		}
		return
	}

	h.persistLookup(ctx, normalized, status)
	writeJSON(w, http.StatusOK, status)
}

// persistLookup records the canonical result keyed by channel identity.
// Persistence failures are logged, not surfaced; the lookup already
// succeeded.
func (h *Handler) persistLookup(ctx context.Context, normalized channel.Channel, status aggregator.ChannelStatus) {
	if h.repo == nil {
		return
	}
	id := channel.IdentityOf(normalized)
	_, err := h.repo.UpsertStream(ctx, models.Stream{
		ID:      id,
		Service: normalized.Service,
		Channel: normalized.Channel,
		Path:    normalized.StreamPath,
	})
	if err != nil {
		h.logger.Error("stream upsert failed", "error", err)
		return
	}
	if _, err := h.repo.TouchStreamStatus(ctx, id, status.Title, status.Thumbnail, status.Live, status.Viewers); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("stream status write failed", "error", err)
	}
}
