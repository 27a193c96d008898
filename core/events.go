package core

// events.go - the Event Bus: two single-threaded ordered streams,
// rxEvent (inbound chain messages) and txEvent (outbound messages), plus
// the State Store's own named mutation events. Handlers run synchronously,
// in registration order, in the same logical task as the emitter. There
// is no cross-thread delivery and no cancellation.
//
// The bus itself persists nothing: dispatch is the useful side effect
// (driving the Management Plane). State Store events are emitted by
// state_store.go and carry their own persistence trigger.

import "sync"

// EventKind names one of the fixed event kinds used across the State
// Store, Block Listener and Management/txEvent surfaces.
type EventKind string

const (
	// State Store events.
	EventUpdatedBlockchain            EventKind = "updatedBlockchain"
	EventInsertedOriginator           EventKind = "insertedOriginator"
	EventUpdatedOriginator            EventKind = "updatedOriginator"
	EventRemovedOriginator            EventKind = "removedOriginator"
	EventInsertedOriginatorAuthToken  EventKind = "insertedOriginatorAuthToken"
	EventUpdatedOriginatorAuthToken   EventKind = "updatedOriginatorAuthToken"
	EventInsertedInQueue              EventKind = "insertedInQueue"
	EventUpdatedQueue                 EventKind = "updatedQueue"
	EventRemovedFromQueue             EventKind = "removedFromQueue"
	EventInsertedKey                  EventKind = "insertedKey"
	EventUpdatedKey                   EventKind = "updatedKey"
	EventRemovedKey                   EventKind = "removedKey"
	EventClosed                       EventKind = "closed"
	EventSaved                        EventKind = "saved"

	// rxEvent stream.
	EventMessageReceived  EventKind = "messageReceived"
	EventMessageProcessed EventKind = "messageProcessed"
	EventMessageUpdated   EventKind = "messageUpdated"

	// txEvent stream.
	EventMessageCommitted EventKind = "messageCommitted"
)

// Handler receives an emitted event's kind and payload. Handlers must not
// block indefinitely; the bus makes no attempt to time them out.
type Handler func(kind EventKind, payload any)

// Bus is an ordered, single-threaded, named-event stream. Two instances
// carry message traffic, rxEvent and txEvent; the State Store additionally
// uses a Bus for its own mutation events.
type Bus struct {
	mu       sync.Mutex
	handlers map[EventKind][]Handler
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]Handler)}
}

// On registers handler for kind, appended after any previously registered
// handlers for the same kind.
func (b *Bus) On(kind EventKind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// Emit dispatches payload to every handler registered for kind, in
// registration order, synchronously on the calling goroutine. An emitter
// may safely call Emit again (on this bus or another) from within a
// handler; re-entrant emission is how rxEvent(messageUpdated) and
// txEvent(messageCommitted) chain through the Management Plane.
func (b *Bus) Emit(kind EventKind, payload any) {
	b.mu.Lock()
	handlers := append([]Handler(nil), b.handlers[kind]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(kind, payload)
	}
}

// KeyEvent is the payload for insertedKey/updatedKey/removedKey.
type KeyEvent struct {
	Bucket string
	ID     string
}

// QueueEvent is the payload for insertedInQueue/updatedQueue/removedFromQueue.
type QueueEvent struct {
	Queue string
	Entry any
}

// OriginatorEvent is the payload for originator mutation events.
type OriginatorEvent struct {
	Originator *Originator
}
