package core

import (
	"context"

	"github.com/dkeye/intercom/internal/domain"
)

// Frame is a raw outbound payload (marshalled JSON event).
type Frame []byte

// ConnID identifies one open signaling connection. Opaque to the core;
// the transport adapter mints it.
type ConnID string

// SignalConnection abstracts the client messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// GroupLookup is the slice of the persistent store the coordinator needs:
// resolving a group to its gateway room id and default mute policy.
type GroupLookup interface {
	GroupByID(ctx context.Context, id domain.GroupID) (*domain.Group, error)
}
