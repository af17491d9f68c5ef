package vss

import "context"

// DefaultTreePath is the wildcard used to pull the full signal tree.
const DefaultTreePath = "Vehicle.*"

// DefaultPaths are the signals subscribed to when none are configured.
var DefaultPaths = []string{
	"Vehicle.CurrentLocation.Altitude",
	"Vehicle.CurrentLocation.Latitude",
	"Vehicle.CurrentLocation.Longitude",
	"Vehicle.Speed",
}

// DeltaHandler receives the raw payload of one batch of changed signals.
// It is called from the source's own goroutine.
type DeltaHandler func(payload []byte)

// Subscription is a live delta subscription.
type Subscription interface {
	Close() error
}

// Source is a vehicle signal broker.
type Source interface {
	// Tree returns a snapshot of all signals matching the wildcard path, as
	// accepted by FlattenTree.
	Tree(ctx context.Context, wildcard string) ([]byte, error)
	// SubscribeDeltas registers h for changes of the given paths. Payloads
	// are accepted by FlattenDelta.
	SubscribeDeltas(ctx context.Context, paths []string, h DeltaHandler) (Subscription, error)
	Close() error
}
