package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Static errors for registry package
var (
	ErrDescriptorNil      = errors.New("extension descriptor is nil")
	ErrIdentifierEmpty    = errors.New("extension identifier is empty")
	ErrIdentifierReserved = errors.New("extension identifier is reserved")
	ErrUUIDInvalid        = errors.New("extension marketplace uuid is malformed")
	ErrExtensionExists    = errors.New("extension already registered")
	ErrExtensionNotFound  = errors.New("extension not found")
)

// StdRegistry is the default in-memory ExtensionRegistry. It keeps
// descriptors in registration order and maintains an activation event index
// so event dispatch does not scan the whole catalog.
type StdRegistry struct {
	mu         sync.RWMutex
	extensions map[string]*ExtensionDescriptor
	order      []string
	byEvent    map[string][]string
	version    uint64
}

// NewStdRegistry creates an empty extension catalog.
func NewStdRegistry() *StdRegistry {
	return &StdRegistry{
		extensions: make(map[string]*ExtensionDescriptor),
		byEvent:    make(map[string][]string),
	}
}

// Register adds a descriptor to the catalog.
func (r *StdRegistry) Register(ctx context.Context, d *ExtensionDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.registerLocked(d); err != nil {
		return err
	}
	r.version++
	return nil
}

// Deregister removes an extension by identifier.
func (r *StdRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.deregisterLocked(id); err != nil {
		return err
	}
	r.version++
	return nil
}

// Delta applies removals then additions under a single lock so readers never
// observe a half-applied batch. On error nothing is changed.
func (r *StdRegistry) Delta(ctx context.Context, toAdd []*ExtensionDescriptor, toRemove []string) (*ExtensionDelta, error) {
	for _, d := range toAdd {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the whole batch before touching state.
	for _, id := range toRemove {
		if _, ok := r.extensions[CanonicalID(id)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
		}
	}
	removedSet := make(map[string]bool, len(toRemove))
	for _, id := range toRemove {
		removedSet[CanonicalID(id)] = true
	}
	for _, d := range toAdd {
		key := d.Identifier()
		if _, ok := r.extensions[key]; ok && !removedSet[key] {
			return nil, fmt.Errorf("%w: %s", ErrExtensionExists, d.ID)
		}
	}

	delta := &ExtensionDelta{}
	for _, id := range toRemove {
		removed, err := r.deregisterLocked(id)
		if err != nil {
			return nil, err
		}
		delta.Removed = append(delta.Removed, removed)
	}
	for _, d := range toAdd {
		if err := r.registerLocked(d); err != nil {
			return nil, err
		}
		delta.Added = append(delta.Added, d)
	}

	if !delta.Empty() {
		r.version++
	}
	return delta, nil
}

// Extension looks up a descriptor by identifier.
func (r *StdRegistry) Extension(id string) (*ExtensionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.extensions[CanonicalID(id)]
	return d, ok
}

// Extensions returns all registered descriptors in registration order.
func (r *StdRegistry) Extensions() []*ExtensionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ExtensionDescriptor, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.extensions[key])
	}
	return out
}

// ByActivationEvent returns the extensions declaring the given event.
func (r *StdRegistry) ByActivationEvent(event string) []*ExtensionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.byEvent[event]
	if len(keys) == 0 {
		return nil
	}
	out := make([]*ExtensionDescriptor, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.extensions[key])
	}
	return out
}

// ActivationEvents returns the distinct declared event names, sorted.
func (r *StdRegistry) ActivationEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byEvent))
	for event := range r.byEvent {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// ContributionsFor collects contribution values for one extension point.
func (r *StdRegistry) ContributionsFor(pointID string) []Contribution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Contribution
	for _, key := range r.order {
		d := r.extensions[key]
		if d.Contributes == nil {
			continue
		}
		if value, ok := d.Contributes[pointID]; ok {
			out = append(out, Contribution{Extension: d, Value: value})
		}
	}
	return out
}

// Count returns the number of registered extensions.
func (r *StdRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.extensions)
}

// Version returns the mutation counter.
func (r *StdRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *StdRegistry) registerLocked(d *ExtensionDescriptor) error {
	key := d.Identifier()
	if _, ok := r.extensions[key]; ok {
		return fmt.Errorf("%w: %s", ErrExtensionExists, d.ID)
	}

	r.extensions[key] = d
	r.order = append(r.order, key)
	for _, event := range d.ActivationEvents {
		r.byEvent[event] = append(r.byEvent[event], key)
	}
	return nil
}

func (r *StdRegistry) deregisterLocked(id string) (*ExtensionDescriptor, error) {
	key := CanonicalID(id)
	d, ok := r.extensions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, id)
	}

	delete(r.extensions, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for _, event := range d.ActivationEvents {
		keys := r.byEvent[event]
		for i, k := range keys {
			if k == key {
				r.byEvent[event] = append(keys[:i], keys[i+1:]...)
				break
			}
		}
		if len(r.byEvent[event]) == 0 {
			delete(r.byEvent, event)
		}
	}
	return d, nil
}

// Compile-time check that StdRegistry satisfies the registry contract.
var _ ExtensionRegistry = (*StdRegistry)(nil)
