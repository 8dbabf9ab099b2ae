package realtime

import (
	"context"
	"sync"

	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

const (
	// eventBacklog bounds how far fan-out may fall behind the step runner.
	// When it fills, raw output lines are shed so the runner keeps moving;
	// step and terminal events always queue.
	eventBacklog = 256
	// subscriberBacklog is the per-subscriber buffer; slow subscribers lose
	// events rather than slow anyone down.
	subscriberBacklog = 64
)

// DurableSink persists an event into the installation record. Persist errors
// are the sink's problem (fail-soft); the broadcaster never retries.
type DurableSink interface {
	Persist(ctx context.Context, event domain.Event)
}

// Broadcaster fans the per-installation event stream out to the durable sink
// and to live subscribers. It is an injected dependency, never resolved from
// global state. Fan-out runs on its own goroutine so step execution is never
// slowed by subscribers; per-installation ordering is preserved because a
// single goroutine drains the queue.
type Broadcaster struct {
	log  *logger.Logger
	sink DurableSink
	bus  *RedisBus // optional, nil disables cross-process fan-out

	events chan domain.Event

	mu          sync.RWMutex
	subscribers map[uint]map[chan domain.Event]struct{}

	done chan struct{}
}

func NewBroadcaster(sink DurableSink, bus *RedisBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		log:         log,
		sink:        sink,
		bus:         bus,
		events:      make(chan domain.Event, eventBacklog),
		subscribers: make(map[uint]map[chan domain.Event]struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the fan-out loop; it stops when ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-b.events:
				b.dispatch(ctx, event)
			}
		}
	}()
}

// Emit enqueues an event for fan-out. Order is preserved per installation.
// Raw output is droppable when the backlog is full; everything else blocks
// until there is room.
func (b *Broadcaster) Emit(event domain.Event) {
	if _, droppable := event.(domain.OutputEvent); droppable {
		select {
		case b.events <- event:
		case <-b.done:
		default:
			b.log.Debugw("broadcaster_shed_output", "installation_id", event.InstallationID())
		}
		return
	}

	select {
	case b.events <- event:
	case <-b.done:
		b.log.Warnw("broadcaster_stopped_dropping_event", "installation_id", event.InstallationID())
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, event domain.Event) {
	if b.sink != nil {
		b.sink.Persist(ctx, event)
	}

	b.mu.RLock()
	subs := b.subscribers[event.InstallationID()]
	for ch := range subs {
		// Best-effort: no subscriber or a full buffer means the event is
		// dropped, not queued.
		select {
		case ch <- event:
		default:
		}
	}
	b.mu.RUnlock()

	if b.bus != nil {
		if err := b.bus.Publish(ctx, event); err != nil {
			b.log.Warnw("broadcaster_bus_publish_failed", "installation_id", event.InstallationID(), "error", err)
		}
	}
}

// Subscribe registers a live subscriber for one installation's topic and
// returns the event channel plus an unsubscribe function.
func (b *Broadcaster) Subscribe(installationID uint) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBacklog)

	b.mu.Lock()
	if b.subscribers[installationID] == nil {
		b.subscribers[installationID] = make(map[chan domain.Event]struct{})
	}
	b.subscribers[installationID][ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if subs, ok := b.subscribers[installationID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(b.subscribers, installationID)
			}
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}
