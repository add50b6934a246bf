package exthost

import (
	"context"

	"github.com/GoCodeAlone/exthost/profiling"
	"github.com/GoCodeAlone/exthost/registry"
)

// NullExtensionService is the inert ExtensionService for hosts that run
// with extensions disabled. Every operation succeeds without doing
// anything: lifecycle transitions are no-ops, activation events are
// accepted and ignored, queries return empty results, and no events are
// ever emitted. Only profiling reports its honest inability.
type NullExtensionService struct{}

// NullService is a ready-to-use inert service.
var NullService = NullExtensionService{}

// Start does nothing.
func (NullExtensionService) Start(ctx context.Context) error { return nil }

// Stop does nothing.
func (NullExtensionService) Stop(ctx context.Context) error { return nil }

// Restart does nothing.
func (NullExtensionService) Restart(ctx context.Context) error { return nil }

// Started always reports false.
func (NullExtensionService) Started() bool { return false }

// ActivateByEvent accepts and ignores the event.
func (NullExtensionService) ActivateByEvent(ctx context.Context, event string) error { return nil }

// WhenInstalledExtensionsRegistered reports true immediately: the empty
// extension set is always registered.
func (NullExtensionService) WhenInstalledExtensionsRegistered(ctx context.Context) (bool, error) {
	return true, nil
}

// Settled returns an already closed channel; nothing is ever in flight.
func (NullExtensionService) Settled(event string) <-chan struct{} { return closedSettled }

// Extensions returns no descriptors.
func (NullExtensionService) Extensions() []*registry.ExtensionDescriptor { return nil }

// Extension reports every identifier as unknown.
func (NullExtensionService) Extension(id string) (*registry.ExtensionDescriptor, bool) {
	return nil, false
}

// ExtensionsStatus returns an empty snapshot.
func (NullExtensionService) ExtensionsStatus() map[string]ExtensionStatus {
	return map[string]ExtensionStatus{}
}

// ActivationRecord reports no record for any extension.
func (NullExtensionService) ActivationRecord(id string) (ActivationRecord, bool) {
	return ActivationRecord{}, false
}

// ReadExtensionPointContributions returns no contributions.
func (NullExtensionService) ReadExtensionPointContributions(ctx context.Context, pointID string) ([]registry.Contribution, error) {
	return nil, nil
}

// InspectPort reports the unavailable sentinel.
func (NullExtensionService) InspectPort() int { return 0 }

// Responsive always reports true; an absent host cannot hang.
func (NullExtensionService) Responsive() bool { return true }

// CanAddExtension always reports false.
func (NullExtensionService) CanAddExtension(d *registry.ExtensionDescriptor) bool { return false }

// CanRemoveExtension always reports false.
func (NullExtensionService) CanRemoveExtension(d *registry.ExtensionDescriptor) bool { return false }

// DeltaExtensions changes nothing and reports an empty delta.
func (NullExtensionService) DeltaExtensions(ctx context.Context, toAdd []*registry.ExtensionDescriptor, toRemove []string) (*registry.ExtensionDelta, error) {
	return &registry.ExtensionDelta{}, nil
}

// CanProfileExtensionHost always reports false.
func (NullExtensionService) CanProfileExtensionHost() bool { return false }

// StartExtensionHostProfile fails with ErrUnsupported.
func (NullExtensionService) StartExtensionHostProfile(ctx context.Context) (*profiling.Session, error) {
	return nil, profiling.ErrUnsupported
}

// RegisterObserver accepts and discards the registration.
func (NullExtensionService) RegisterObserver(observer Observer, eventTypes ...string) error {
	return nil
}

// UnregisterObserver does nothing.
func (NullExtensionService) UnregisterObserver(observer Observer) error { return nil }

// NotifyObservers drops the event; there are no observers.
func (NullExtensionService) NotifyObservers(ctx context.Context, event CloudEvent) error { return nil }

// GetObservers returns no observers.
func (NullExtensionService) GetObservers() []ObserverInfo { return nil }

var _ ExtensionService = NullExtensionService{}
