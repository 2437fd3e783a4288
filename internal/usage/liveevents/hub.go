// Package liveevents fans pass results out to live subscribers per meter.
package liveevents

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

const (
	DefaultBacklog          = 20
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidMeterID = errors.New("invalid_meter_id")
)

// PassEvent is the live view of one finished pass.
type PassEvent struct {
	MeterID    string    `json:"meter_id"`
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	Appended   int       `json:"appended"`
	Anomalies  int       `json:"anomalies"`
	HeldBack   int       `json:"held_back"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type Hub struct {
	mu               sync.RWMutex
	meters           map[string]*meterStream
	backlog          int
	subscriberBuffer int
}

type meterStream struct {
	mu     sync.Mutex
	recent []PassEvent
	subs   map[uint64]chan PassEvent
	nextID uint64
}

type Subscription struct {
	hub     *Hub
	meterID string
	id      uint64
	ch      chan PassEvent
	once    sync.Once
}

func NewHub() *Hub {
	return &Hub{
		meters:           make(map[string]*meterStream),
		backlog:          DefaultBacklog,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish records the event in the meter's backlog and offers it to every
// subscriber. Slow subscribers miss events rather than block the driver.
func (h *Hub) Publish(event PassEvent) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(event.MeterID)
	if id == "" {
		return
	}

	stream := h.stream(id)
	stream.mu.Lock()
	stream.recent = append(stream.recent, event)
	if len(stream.recent) > h.backlog {
		stream.recent = stream.recent[len(stream.recent)-h.backlog:]
	}
	targets := make([]chan PassEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		targets = append(targets, ch)
	}
	stream.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a subscription and a copy of the meter's backlog.
func (h *Hub) Subscribe(meterID string) (*Subscription, []PassEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	id := strings.TrimSpace(meterID)
	if id == "" {
		return nil, nil, ErrInvalidMeterID
	}

	stream := h.stream(id)
	stream.mu.Lock()
	subID := stream.nextID
	stream.nextID++
	ch := make(chan PassEvent, h.subscriberBuffer)
	stream.subs[subID] = ch
	backlog := append([]PassEvent(nil), stream.recent...)
	stream.mu.Unlock()

	return &Subscription{hub: h, meterID: id, id: subID, ch: ch}, backlog, nil
}

func (h *Hub) stream(meterID string) *meterStream {
	h.mu.RLock()
	current := h.meters[meterID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if current = h.meters[meterID]; current == nil {
		current = &meterStream{subs: make(map[uint64]chan PassEvent)}
		h.meters[meterID] = current
	}
	return current
}

func (h *Hub) unsubscribe(meterID string, id uint64) {
	h.mu.RLock()
	stream := h.meters[meterID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	stream.mu.Unlock()
}

func (s *Subscription) Events() <-chan PassEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.meterID, s.id)
	})
}
