// Package registry maintains the catalog of installed extensions and the
// index from activation events to the extensions that declared them.
package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NullExtensionID is the identifier of the descriptor returned by
// NullDescriptor. It is reserved and cannot be registered.
const NullExtensionID = "null.extension"

// Activation event names with special meaning to the host. GlobalActivation
// ("*") marks an extension for activation as soon as the host starts.
// StartupFinishedActivation defers activation until the host reports that
// eager startup work has completed.
const (
	GlobalActivation          = "*"
	StartupFinishedActivation = "onStartupFinished"
)

// ExtensionManifest carries the subset of an extension's manifest that the
// host needs to schedule activation and process contributions.
type ExtensionManifest struct {
	// Name is the extension's short name, unique within a publisher.
	Name string `json:"name"`

	// Publisher is the publishing namespace, e.g. "gocodealone".
	Publisher string `json:"publisher"`

	// Version is the extension's declared semantic version.
	Version string `json:"version"`

	// Engine is the host engine constraint the extension declares, e.g.
	// "^1.80.0". The host records it; compatibility checking happens at
	// discovery time.
	Engine string `json:"engine,omitempty"`

	// DisplayName is the human-readable name shown in status surfaces.
	DisplayName string `json:"displayName,omitempty"`

	// Description is a short summary of what the extension does.
	Description string `json:"description,omitempty"`

	// ActivationEvents lists the event names whose dispatch should trigger
	// activation of this extension.
	ActivationEvents []string `json:"activationEvents,omitempty"`

	// ExtensionDependencies lists identifiers of extensions that must be
	// activated before this one.
	ExtensionDependencies []string `json:"extensionDependencies,omitempty"`

	// Contributes maps extension point identifiers to the raw contribution
	// values this extension supplies for them.
	Contributes map[string]any `json:"contributes,omitempty"`

	// EnabledAPIProposals lists proposed API surfaces the extension opts
	// into. A non-empty list means the extension cannot activate unless the
	// host allows proposed API use for it.
	EnabledAPIProposals []string `json:"enabledApiProposals,omitempty"`
}

// ExtensionDescriptor describes one installed extension. Descriptors are
// treated as immutable once registered; mutating a registered descriptor is
// undefined behavior.
type ExtensionDescriptor struct {
	ExtensionManifest

	// ID is the full identifier in "publisher.name" form. Identifier
	// comparison is case-insensitive throughout the host.
	ID string `json:"id"`

	// UUID is the marketplace-assigned identity, empty for extensions that
	// never went through a marketplace.
	UUID string `json:"uuid,omitempty"`

	// Path is the extension's install location on disk, if any.
	Path string `json:"path,omitempty"`

	// IsBuiltin marks extensions that ship with the host itself.
	IsBuiltin bool `json:"isBuiltin,omitempty"`

	// IsUnderDevelopment marks extensions loaded from a development
	// workspace rather than an install.
	IsUnderDevelopment bool `json:"isUnderDevelopment,omitempty"`

	// EnableProposedAPI grants the extension access to proposed API
	// surfaces. Extensions that opt into proposals without this grant
	// cannot activate.
	EnableProposedAPI bool `json:"enableProposedApi,omitempty"`
}

// CanonicalID normalizes an extension identifier for lookup and comparison.
// Identifiers differing only in case refer to the same extension.
func CanonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// SameExtension reports whether two identifiers refer to the same extension.
func SameExtension(a, b string) bool {
	return CanonicalID(a) == CanonicalID(b)
}

// Identifier returns the descriptor's canonical identifier.
func (d *ExtensionDescriptor) Identifier() string {
	return CanonicalID(d.ID)
}

// RequiresProposedAPI reports whether the extension opts into proposed API
// surfaces and therefore needs explicit host permission to activate.
func (d *ExtensionDescriptor) RequiresProposedAPI() bool {
	return len(d.EnabledAPIProposals) > 0
}

// HasActivationEvent reports whether the manifest declares the given
// activation event verbatim.
func (d *ExtensionDescriptor) HasActivationEvent(event string) bool {
	for _, e := range d.ActivationEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Validate checks that the descriptor is complete enough to register.
func (d *ExtensionDescriptor) Validate() error {
	if d == nil {
		return ErrDescriptorNil
	}
	if CanonicalID(d.ID) == "" {
		return ErrIdentifierEmpty
	}
	if SameExtension(d.ID, NullExtensionID) {
		return fmt.Errorf("%w: %q is reserved", ErrIdentifierReserved, NullExtensionID)
	}
	if d.UUID != "" {
		if _, err := uuid.Parse(d.UUID); err != nil {
			return fmt.Errorf("%w: %q", ErrUUIDInvalid, d.UUID)
		}
	}
	return nil
}

// NullDescriptor returns the placeholder descriptor used by hosts that have
// no real extension to refer to. It declares nothing and activates nothing.
func NullDescriptor() *ExtensionDescriptor {
	return &ExtensionDescriptor{
		ID: NullExtensionID,
		ExtensionManifest: ExtensionManifest{
			Name:      "extension",
			Publisher: "null",
			Version:   "0.0.0",
		},
	}
}
