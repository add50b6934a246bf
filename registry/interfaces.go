package registry

import "context"

// ExtensionRegistry is the catalog the host consults when it needs to know
// which extensions exist and which of them participate in an activation
// event. Implementations must be safe for concurrent use.
type ExtensionRegistry interface {
	// Register adds a descriptor to the catalog. Registering an identifier
	// that is already present fails with ErrExtensionExists.
	Register(ctx context.Context, d *ExtensionDescriptor) error

	// Deregister removes an extension by identifier. Removing an unknown
	// identifier fails with ErrExtensionNotFound.
	Deregister(ctx context.Context, id string) error

	// Delta applies a batch of additions and removals atomically and
	// returns what actually changed. Removals are applied before additions
	// so a descriptor can be replaced in a single call.
	Delta(ctx context.Context, toAdd []*ExtensionDescriptor, toRemove []string) (*ExtensionDelta, error)

	// Extension looks up a descriptor by identifier.
	Extension(id string) (*ExtensionDescriptor, bool)

	// Extensions returns all registered descriptors in registration order.
	Extensions() []*ExtensionDescriptor

	// ByActivationEvent returns the extensions whose manifests declare the
	// given activation event, in registration order.
	ByActivationEvent(event string) []*ExtensionDescriptor

	// ActivationEvents returns the distinct activation event names declared
	// by at least one registered extension.
	ActivationEvents() []string

	// ContributionsFor collects the contribution values registered
	// extensions supply for one extension point, in registration order.
	ContributionsFor(pointID string) []Contribution

	// Count returns the number of registered extensions.
	Count() int

	// Version returns a counter that increases on every successful
	// mutation. Callers use it to invalidate caches derived from the
	// catalog.
	Version() uint64
}

// ExtensionDelta reports the outcome of a Delta call: the descriptors that
// were actually added and the ones that were actually removed.
type ExtensionDelta struct {
	Added   []*ExtensionDescriptor `json:"added,omitempty"`
	Removed []*ExtensionDescriptor `json:"removed,omitempty"`
}

// Empty reports whether the delta changed nothing.
func (d *ExtensionDelta) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Removed) == 0)
}

// Contribution pairs an extension with the value it contributes to an
// extension point.
type Contribution struct {
	Extension *ExtensionDescriptor
	Value     any
}
