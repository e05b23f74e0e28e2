package realtime

import (
	"context"
	"errors"
	"sync"

	v1 "whisper/shared/contracts/chat/v1"
)

// Event kinds.
const (
	EventRoom = "room"
	EventUser = "user"
)

// Event is one fan-out unit: an envelope for every session in a room, or
// for every session of a user.
type Event struct {
	Kind     string      `json:"kind"`
	Target   string      `json:"target"`
	Envelope v1.Envelope `json:"envelope"`
}

// Bus carries events to every server process, this one included. Delivery
// is at most once.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(Event)) error
	Close() error
}

// LocalBus delivers synchronously inside one process.
type LocalBus struct {
	mu      sync.RWMutex
	onEvent func(Event)
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	fn := b.onEvent
	b.mu.RUnlock()
	if fn == nil {
		return errors.New("realtime: local bus has no forwarder")
	}
	fn(ev)
	return nil
}

func (b *LocalBus) StartForwarder(_ context.Context, onEvent func(Event)) error {
	if onEvent == nil {
		return errors.New("realtime: onEvent callback required")
	}
	b.mu.Lock()
	b.onEvent = onEvent
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }
