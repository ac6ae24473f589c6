package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"livesight/internal/models"
)

type fakeSweepStore struct {
	mu      sync.Mutex
	streams []models.Stream
	touched []uint64
	listErr error
}

func (f *fakeSweepStore) ListStreams(context.Context) ([]models.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.Stream(nil), f.streams...), nil
}

func (f *fakeSweepStore) TouchStreamStatus(_ context.Context, id uint64, title, thumbnail string, live bool, viewers uint32) (models.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if live || viewers != 0 {
		panic("sweeper must only mark streams offline")
	}
	f.touched = append(f.touched, id)
	for i := range f.streams {
		if f.streams[i].ID == id {
			f.streams[i].Live = false
			f.streams[i].Viewers = 0
		}
	}
	return models.Stream{ID: id}, nil
}

func (f *fakeSweepStore) touchedIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.touched...)
}

type fakeTicker struct {
	ch chan time.Time
}

func (f fakeTicker) C() <-chan time.Time { return f.ch }
func (f fakeTicker) Stop()               {}

func TestSweepOnceMarksStaleStreamsOffline(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeSweepStore{streams: []models.Stream{
		{ID: 1, Live: true, UpdatedAt: now.Add(-10 * time.Minute)},
		{ID: 2, Live: true, UpdatedAt: now.Add(-time.Minute)},
		{ID: 3, Live: false, UpdatedAt: now.Add(-time.Hour)},
	}}

	sweepOnce(context.Background(), nil, store, 5*time.Minute, now)

	touched := store.touchedIDs()
	if len(touched) != 1 || touched[0] != 1 {
		t.Fatalf("expected only stream 1 swept, got %v", touched)
	}
}

func TestStreamSweeperRunsOnTicks(t *testing.T) {
	t.Parallel()

	store := &fakeSweepStore{streams: []models.Stream{
		{ID: 7, Live: true, UpdatedAt: time.Now().Add(-time.Hour)},
	}}
	ticker := fakeTicker{ch: make(chan time.Time, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runStreamSweeperWithTicker(ctx, nil, store, time.Minute, 5*time.Minute, func(time.Duration) sweepTicker {
			return ticker
		}, time.Now)
	}()

	ticker.ch <- time.Now()
	deadline := time.After(2 * time.Second)
	for len(store.touchedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never processed the tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}

func TestStreamSweeperDisabledWithoutInterval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runStreamSweeper(ctx, nil, &fakeSweepStore{}, 0, time.Minute)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled sweeper did not exit on cancellation")
	}
}
