package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"livesight/internal/models"
)

// dataset is the on-disk shape of the JSON store. Stream keys are decimal
// renderings of the 48-bit identity because JSON object keys are strings.
type dataset struct {
	Streams        map[string]models.Stream `json:"streams"`
	Users          map[string]models.User   `json:"users"`
	BannedStreams  []models.BannedStream    `json:"bannedStreams"`
	BannedIPRanges []models.BannedIPRange   `json:"bannedIpRanges"`
}

// Storage is the JSON-file Repository driver. All reads and writes go through
// a single RWMutex; every mutation is persisted atomically via a temp-file
// rename.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func newDataset() dataset {
	return dataset{
		Streams: make(map[string]models.Stream),
		Users:   make(map[string]models.User),
	}
}

// NewStorage opens (or creates) the JSON store at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return &StorageError{Op: "load", Err: fmt.Errorf("create data dir: %w", err)}
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return &StorageError{Op: "load", Err: err}
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return &StorageError{Op: "load", Err: err}
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "persist", Err: fmt.Errorf("create data dir: %w", err)}
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return &StorageError{Op: "persist", Err: err}
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return &StorageError{Op: "persist", Err: err}
	}
	if err := tmpFile.Sync(); err != nil {
		return &StorageError{Op: "persist", Err: err}
	}
	if err := tmpFile.Close(); err != nil {
		return &StorageError{Op: "persist", Err: err}
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return &StorageError{Op: "persist", Err: err}
	}
	success = true
	return nil
}

func streamKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// Ping reports whether the store is usable.
func (s *Storage) Ping(context.Context) error {
	return nil
}

// UpsertStream inserts the stream if it is new, otherwise refreshes the
// normalized triple on the existing record while preserving its counters.
func (s *Storage) UpsertStream(_ context.Context, stream models.Stream) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(stream.ID)
	now := s.now()
	if existing, ok := s.data.Streams[key]; ok {
		existing.Service = stream.Service
		existing.Channel = stream.Channel
		existing.Path = stream.Path
		existing.UpdatedAt = now
		s.data.Streams[key] = existing
		if err := s.persist(); err != nil {
			return models.Stream{}, err
		}
		return existing, nil
	}
	stream.CreatedAt = now
	stream.UpdatedAt = now
	s.data.Streams[key] = stream
	if err := s.persist(); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

// GetStream returns the stream record for the given identity.
func (s *Storage) GetStream(_ context.Context, id uint64) (models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[streamKey(id)]
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	return stream, nil
}

// ListStreams returns all stream records ordered by identity.
func (s *Storage) ListStreams(context.Context) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streams := make([]models.Stream, 0, len(s.data.Streams))
	for _, stream := range s.data.Streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams, nil
}

// TouchStreamStatus writes lookup results onto the stream record.
func (s *Storage) TouchStreamStatus(_ context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(id)
	stream, ok := s.data.Streams[key]
	if !ok {
		return models.Stream{}, ErrNotFound
	}
	stream.Title = title
	stream.Thumbnail = thumbnail
	stream.Live = live
	stream.Viewers = viewers
	stream.UpdatedAt = s.now()
	s.data.Streams[key] = stream
	if err := s.persist(); err != nil {
		return models.Stream{}, err
	}
	return stream, nil
}

// SetStreamAFK adjusts the AFK counter by delta, clamping at zero.
func (s *Storage) SetStreamAFK(_ context.Context, id uint64, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(id)
	stream, ok := s.data.Streams[key]
	if !ok {
		return ErrNotFound
	}
	stream.AFKCount += delta
	if stream.AFKCount < 0 {
		stream.AFKCount = 0
	}
	stream.UpdatedAt = s.now()
	s.data.Streams[key] = stream
	return s.persist()
}

// GetUser returns the user record for the given id.
func (s *Storage) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

// UpsertUser inserts or replaces the user record keyed by its id.
func (s *Storage) UpsertUser(_ context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		return models.User{}, &StorageError{Op: "upsert user", Err: errors.New("user id required")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.data.Users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// IsStreamBanned reports whether the (channel, service) pair is banned.
func (s *Storage) IsStreamBanned(_ context.Context, channel, service string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ban := range s.data.BannedStreams {
		if ban.Channel == channel && ban.Service == service {
			return true, nil
		}
	}
	return false, nil
}

// AddBannedStream records a stream ban.
func (s *Storage) AddBannedStream(_ context.Context, ban models.BannedStream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ban.CreatedAt = now
	ban.UpdatedAt = now
	s.data.BannedStreams = append(s.data.BannedStreams, ban)
	return s.persist()
}

// IsIPBanned reports whether addr falls strictly between the endpoints of any
// banned range. The endpoints themselves are not banned.
func (s *Storage) IsIPBanned(_ context.Context, addr string) (bool, error) {
	candidate := net.ParseIP(addr)
	if candidate == nil {
		return false, &StorageError{Op: "ip ban check", Err: fmt.Errorf("invalid address %q", addr)}
	}
	candidate = candidate.To16()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ban := range s.data.BannedIPRanges {
		if ipStrictlyBetween(candidate, ban.Start, ban.End) {
			return true, nil
		}
	}
	return false, nil
}

// AddBannedIPRange records an IP range ban.
func (s *Storage) AddBannedIPRange(_ context.Context, ban models.BannedIPRange) error {
	if net.ParseIP(ban.Start) == nil || net.ParseIP(ban.End) == nil {
		return &StorageError{Op: "add ip ban", Err: fmt.Errorf("invalid range %q-%q", ban.Start, ban.End)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ban.CreatedAt = now
	ban.UpdatedAt = now
	s.data.BannedIPRanges = append(s.data.BannedIPRanges, ban)
	return s.persist()
}

// Close flushes the store. The JSON driver persists on every write, so close
// is a no-op.
func (s *Storage) Close(context.Context) error {
	return nil
}

func ipStrictlyBetween(candidate net.IP, start, end string) bool {
	lower := net.ParseIP(start)
	upper := net.ParseIP(end)
	if lower == nil || upper == nil {
		return false
	}
	lower = lower.To16()
	upper = upper.To16()
	return bytes.Compare(lower, candidate) < 0 && bytes.Compare(candidate, upper) < 0
}
