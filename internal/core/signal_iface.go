package core

import "context"

// RelayEvent is an outbound event on the relay channel.
// The set of implementations is closed and lives in adapters/relay.
type RelayEvent interface {
	EventName() string
}

// RelayChannel abstracts the room relay transport.
// Owned by the adapter; the adapter must Close() it.
type RelayChannel interface {
	// Connected reports whether the channel is currently usable.
	Connected() bool
	Emit(ctx context.Context, ev RelayEvent) error
}
