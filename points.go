package exthost

import (
	"context"

	"github.com/GoCodeAlone/exthost/registry"
)

// ExtensionPointHandler consumes the ordered contributions supplied for one
// extension point. The host invokes handlers during every registration
// cycle, after the installed extension set has been discovered. Diagnostics
// about individual contributions go through the collector, which attributes
// them to the contributing extension's status.
type ExtensionPointHandler func(ctx context.Context, contributions []registry.Contribution, collector *MessageCollector) error

// ExtensionPoint binds a contribution point identifier to the handler that
// processes its contributions.
type ExtensionPoint struct {
	ID      string
	Handler ExtensionPointHandler
}

// MessageCollector routes diagnostics raised while processing one extension
// point into the contributing extensions' status entries. All messages from
// one registration cycle land in a single status update.
type MessageCollector struct {
	batch   *StatusBatch
	pointID string
}

// NewMessageCollector binds a collector to a status batch and an extension
// point identifier.
func NewMessageCollector(batch *StatusBatch, pointID string) *MessageCollector {
	return &MessageCollector{batch: batch, pointID: pointID}
}

// Info records an informational message against an extension.
func (c *MessageCollector) Info(extensionID, message string) {
	c.batch.AddMessage(extensionID, SeverityInfo, c.pointID, message)
}

// Warn records a warning against an extension.
func (c *MessageCollector) Warn(extensionID, message string) {
	c.batch.AddMessage(extensionID, SeverityWarning, c.pointID, message)
}

// Error records an error against an extension.
func (c *MessageCollector) Error(extensionID, message string) {
	c.batch.AddMessage(extensionID, SeverityError, c.pointID, message)
}
