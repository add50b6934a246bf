package exthost

import (
	"errors"
)

// Host errors
var (
	// Construction errors
	ErrLoggerNotSet       = errors.New("logger not set")
	ErrRuntimeRequired    = errors.New("extension runtime is required")
	ErrRegistryRequired   = errors.New("extension registry is required")
	ErrConfigValueInvalid = errors.New("invalid host config value")

	// Lifecycle errors
	ErrHostNotStarted    = errors.New("extension host is not started")
	ErrRuntimeNotStarted = errors.New("extension runtime is not started")
	ErrActivatorPoolBusy = errors.New("activation pool rejected the task")
	ErrActivatorMissing  = errors.New("no activator registered for extension")

	// Activation errors
	ErrExtensionNil        = errors.New("extension descriptor is nil")
	ErrExtensionUnknown    = errors.New("extension is not registered")
	ErrNullExtension       = errors.New("the null extension cannot be activated")
	ErrProposedAPIDisabled = errors.New("proposed API is not enabled for extension")

	// Observer errors
	ErrObserverNil = errors.New("observer is nil")

	// Responsiveness errors
	ErrProbeScheduleInvalid = errors.New("responsiveness probe schedule is invalid")

	// Configuration errors
	ErrConfigFileUnsupported = errors.New("unsupported config file extension")
)
