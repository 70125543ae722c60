// Package transport defines the channel abstraction that moves replication
// deltas between devices, and holds its three implementations in
// subpackages: the durable local log (always present), the direct peer
// channel (lowest latency, needs both ends online), and the relay network
// (asynchronous store-and-forward).
//
// Channels are interchangeable and independent: the sync coordinator starts
// whichever are configured, and the failure of one never blocks another.
package transport

import (
	"context"

	"github.com/linkmesh/linkmesh/internal/store"
)

// State is a coarse transport lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Status is a point-in-time snapshot of one transport.
type Status struct {
	// Name identifies the transport ("locallog", "peer", "relay").
	Name string

	// State is the coarse lifecycle state.
	State State

	// Detail is a human-readable elaboration (last error, peer address).
	Detail string

	// Pending counts local changes not yet confirmed delivered through this
	// transport. Only meaningful for store-and-forward transports.
	Pending int
}

// Transport is one replication channel.
//
// Start begins forwarding local-origin store deltas outward and applying
// inbound deltas to the store; it returns once the transport is running in
// the background. Stop is cooperative and idempotent.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Status() Status
	Stop() error
}

// ApplyFunc applies inbound records to the replicated store, tagged with the
// originating node. It returns the number of records that changed state.
type ApplyFunc func(origin store.Origin, records []store.WireRecord) (int, error)
