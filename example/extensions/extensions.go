// Package extensions bundles the demo extensions the example host serves: a
// telemetry extension that activates as soon as the host starts, a linter
// that waits for a language event, and a spellchecker that fails on purpose
// so the status surfaces have something to show.
package extensions

import (
	"context"
	"errors"
	"time"

	"github.com/GoCodeAlone/exthost"
	"github.com/GoCodeAlone/exthost/registry"
)

var errDictionaryMissing = errors.New("dictionary file missing")

// Wire registers the demo activators with the runtime and returns the
// matching descriptors for discovery.
func Wire(rt *exthost.InProcessRuntime, logger exthost.Logger) []*registry.ExtensionDescriptor {
	rt.RegisterActivator("demo.telemetry", func(ctx context.Context) error {
		logger.Info("Telemetry extension ready")
		return nil
	})

	rt.RegisterActivator("demo.linter", func(ctx context.Context) error {
		// Simulate loading grammars.
		select {
		case <-time.After(150 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		logger.Info("Linter extension ready")
		return nil
	})

	rt.RegisterActivator("demo.spellcheck", func(ctx context.Context) error {
		return errDictionaryMissing
	})

	return []*registry.ExtensionDescriptor{
		{
			ID: "demo.telemetry",
			ExtensionManifest: registry.ExtensionManifest{
				Name:             "telemetry",
				Publisher:        "demo",
				Version:          "1.0.0",
				DisplayName:      "Demo Telemetry",
				ActivationEvents: []string{registry.GlobalActivation},
			},
		},
		{
			ID: "demo.linter",
			ExtensionManifest: registry.ExtensionManifest{
				Name:             "linter",
				Publisher:        "demo",
				Version:          "0.4.2",
				DisplayName:      "Demo Linter",
				ActivationEvents: []string{"onLanguage:go", "onCommand:lint"},
			},
		},
		{
			ID: "demo.spellcheck",
			ExtensionManifest: registry.ExtensionManifest{
				Name:                  "spellcheck",
				Publisher:             "demo",
				Version:               "0.1.0",
				DisplayName:           "Demo Spellcheck",
				ActivationEvents:      []string{"onCommand:spellcheck"},
				ExtensionDependencies: []string{"demo.telemetry"},
			},
		},
	}
}
