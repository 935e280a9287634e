// Package events carries association and activity events from the network
// state to external sinks such as Redis and the SQL ledger.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeStationProvisioned Type = "station.provisioned"
	TypeDeviceRegistered   Type = "device.registered"
	TypeDeviceConnected    Type = "device.connected"
	TypeDeviceDisconnected Type = "device.disconnected"
	TypeConnectRejected    Type = "device.connect_rejected"
	TypeDeviceMoved        Type = "device.moved"
	TypeHandover           Type = "handover.switched"
	TypeHandoverFailed     Type = "handover.failed"
	TypeDataSent           Type = "device.data_sent"
)

// Event is one observable change in the network.
type Event struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	At                time.Time `json:"at"`
	DeviceID          string    `json:"device_id,omitempty"`
	StationID         string    `json:"station_id,omitempty"`
	PreviousStationID string    `json:"previous_station_id,omitempty"`
	Kind              string    `json:"kind,omitempty"`
	Battery           int       `json:"battery"`
	Signal            float64   `json:"signal,omitempty"`
	X                 float64   `json:"x"`
	Y                 float64   `json:"y"`
	Detail            string    `json:"detail,omitempty"`
}

// New returns an event of type t stamped with at and a fresh ID.
func New(t Type, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, At: at}
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout publishes every event to all sinks and joins their errors. A failing
// sink does not stop delivery to the others.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Buffer keeps the most recent events in memory.
type Buffer struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewBuffer returns a buffer holding at most limit events; limit <= 0 means
// 1024.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 1024
	}
	return &Buffer{limit: limit}
}

func (b *Buffer) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if over := len(b.events) - b.limit; over > 0 {
		b.events = append(b.events[:0:0], b.events[over:]...)
	}
	return nil
}

// Recent returns up to n of the latest events, oldest first. n <= 0 returns
// everything retained.
func (b *Buffer) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if n > 0 && n < len(b.events) {
		start = len(b.events) - n
	}
	out := make([]Event, len(b.events)-start)
	copy(out, b.events[start:])
	return out
}

// Len returns the number of retained events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
