package exthost

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the env tag of every HostConfig field when
// looking up environment overrides, e.g. EXTHOST_PROBE_SCHEDULE.
const EnvPrefix = "EXTHOST_"

// Duration is a time.Duration that marshals to and from strings like
// "250ms" or "1m30s" in config files and environment variables.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats the duration in time.Duration notation.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a duration string. TOML and env overrides use this.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText formats the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a duration string from a YAML scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decoding duration: %w", err)
	}
	return d.UnmarshalText([]byte(raw))
}

// HostConfig configures a StdExtensionService. The zero value is not
// usable directly; start from DefaultHostConfig or LoadHostConfig, both of
// which fill defaults for anything left unset.
type HostConfig struct {
	// Name identifies the host in logs and event sources.
	Name string `toml:"name" yaml:"name" env:"NAME"`

	// ActivateOnStartup controls whether extensions declaring the "*" and
	// "onStartupFinished" activation events are activated when the host
	// starts.
	ActivateOnStartup bool `toml:"activate_on_startup" yaml:"activate_on_startup" env:"ACTIVATE_ON_STARTUP"`

	// ProbeSchedule is the responsiveness probe schedule in cron notation,
	// typically an "@every" descriptor.
	ProbeSchedule string `toml:"probe_schedule" yaml:"probe_schedule" env:"PROBE_SCHEDULE"`

	// ProbeTimeout bounds a single responsiveness probe.
	ProbeTimeout Duration `toml:"probe_timeout" yaml:"probe_timeout" env:"PROBE_TIMEOUT"`

	// ParticipantCacheSize bounds the per-event activation participant
	// cache.
	ParticipantCacheSize int `toml:"participant_cache_size" yaml:"participant_cache_size" env:"PARTICIPANT_CACHE_SIZE"`

	// RestartOnCrash controls whether an unexpected runtime exit schedules
	// an automatic restart.
	RestartOnCrash bool `toml:"restart_on_crash" yaml:"restart_on_crash" env:"RESTART_ON_CRASH"`

	// CrashWindow and CrashThreshold bound automatic restarts: more than
	// CrashThreshold crashes inside CrashWindow and the host stays
	// stopped.
	CrashWindow    Duration `toml:"crash_window" yaml:"crash_window" env:"CRASH_WINDOW"`
	CrashThreshold int      `toml:"crash_threshold" yaml:"crash_threshold" env:"CRASH_THRESHOLD"`

	// CrashBackoffInitial seeds the exponential delay between automatic
	// restarts.
	CrashBackoffInitial Duration `toml:"crash_backoff_initial" yaml:"crash_backoff_initial" env:"CRASH_BACKOFF_INITIAL"`

	// DevReloadDebounce is how long the development reloader waits after
	// the last file change before restarting the host.
	DevReloadDebounce Duration `toml:"dev_reload_debounce" yaml:"dev_reload_debounce" env:"DEV_RELOAD_DEBOUNCE"`

	// HistoryPath, when set, opens a SQLite history sink at this path
	// unless one was supplied explicitly.
	HistoryPath string `toml:"history_path" yaml:"history_path" env:"HISTORY_PATH"`
}

// DefaultHostConfig returns the configuration a host runs with when the
// caller specifies nothing.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Name:                 "exthost",
		ActivateOnStartup:    true,
		ProbeSchedule:        "@every 10s",
		ProbeTimeout:         Duration(2 * time.Second),
		ParticipantCacheSize: 128,
		RestartOnCrash:       true,
		CrashWindow:          Duration(5 * time.Minute),
		CrashThreshold:       3,
		CrashBackoffInitial:  Duration(time.Second),
		DevReloadDebounce:    Duration(500 * time.Millisecond),
	}
}

// Normalize fills defaults for zero-valued fields. Booleans are left
// alone: false is a meaningful setting, so their defaults only apply when
// starting from DefaultHostConfig.
func (c *HostConfig) Normalize() {
	defaults := DefaultHostConfig()
	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.ProbeSchedule == "" {
		c.ProbeSchedule = defaults.ProbeSchedule
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
	if c.ParticipantCacheSize <= 0 {
		c.ParticipantCacheSize = defaults.ParticipantCacheSize
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = defaults.CrashWindow
	}
	if c.CrashThreshold <= 0 {
		c.CrashThreshold = defaults.CrashThreshold
	}
	if c.CrashBackoffInitial <= 0 {
		c.CrashBackoffInitial = defaults.CrashBackoffInitial
	}
	if c.DevReloadDebounce <= 0 {
		c.DevReloadDebounce = defaults.DevReloadDebounce
	}
}

// Validate checks the configuration for values that cannot work. It does
// not fill defaults; call Normalize first when loading partial input.
func (c *HostConfig) Validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe_timeout must be positive", ErrConfigValueInvalid)
	}
	if c.ParticipantCacheSize <= 0 {
		return fmt.Errorf("%w: participant_cache_size must be positive", ErrConfigValueInvalid)
	}
	if c.CrashThreshold <= 0 {
		return fmt.Errorf("%w: crash_threshold must be positive", ErrConfigValueInvalid)
	}
	if _, err := cron.ParseStandard(c.ProbeSchedule); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrProbeScheduleInvalid, c.ProbeSchedule, err)
	}
	return nil
}

// LoadHostConfig reads a TOML or YAML config file, applies EXTHOST_
// environment overrides on top, fills defaults and validates the result.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading host config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing TOML host config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing YAML host config %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("%w: %s", ErrConfigFileUnsupported, path)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites fields whose EXTHOST_-prefixed environment
// variable is set. Values are converted to the field's type; durations use
// time.ParseDuration notation.
func (c *HostConfig) ApplyEnvOverrides() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(EnvPrefix + tag)
		if !ok {
			continue
		}
		if err := setConfigField(v.Field(i), raw); err != nil {
			return fmt.Errorf("env override %s%s: %w", EnvPrefix, tag, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(Duration(0))

// setConfigField converts raw to the field's type and assigns it.
func setConfigField(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		var d Duration
		if err := d.UnmarshalText([]byte(raw)); err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	converted, err := cast.FromType(raw, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %v: %w", raw, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}
