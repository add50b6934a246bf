package exthost

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultHostConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultHostConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "exthost", cfg.Name)
	assert.True(t, cfg.ActivateOnStartup)
	assert.True(t, cfg.RestartOnCrash)
	assert.Equal(t, "@every 10s", cfg.ProbeSchedule)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout.Std())
	assert.Equal(t, 3, cfg.CrashThreshold)
	assert.Empty(t, cfg.HistoryPath)
}

func TestHostConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := HostConfig{ActivateOnStartup: false, RestartOnCrash: false}
	cfg.Normalize()

	defaults := DefaultHostConfig()
	assert.Equal(t, defaults.Name, cfg.Name)
	assert.Equal(t, defaults.ProbeSchedule, cfg.ProbeSchedule)
	assert.Equal(t, defaults.ProbeTimeout, cfg.ProbeTimeout)
	assert.Equal(t, defaults.ParticipantCacheSize, cfg.ParticipantCacheSize)
	assert.Equal(t, defaults.CrashWindow, cfg.CrashWindow)

	assert.False(t, cfg.ActivateOnStartup, "false booleans survive normalization")
	assert.False(t, cfg.RestartOnCrash)

	// Explicit values are left alone.
	cfg2 := HostConfig{Name: "renderer", ProbeTimeout: Duration(time.Second)}
	cfg2.Normalize()
	assert.Equal(t, "renderer", cfg2.Name)
	assert.Equal(t, time.Second, cfg2.ProbeTimeout.Std())
}

func TestHostConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*HostConfig)
		want   error
	}{
		{"zero_probe_timeout", func(c *HostConfig) { c.ProbeTimeout = 0 }, ErrConfigValueInvalid},
		{"zero_cache_size", func(c *HostConfig) { c.ParticipantCacheSize = 0 }, ErrConfigValueInvalid},
		{"zero_crash_threshold", func(c *HostConfig) { c.CrashThreshold = 0 }, ErrConfigValueInvalid},
		{"bad_probe_schedule", func(c *HostConfig) { c.ProbeSchedule = "whenever" }, ErrProbeScheduleInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultHostConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoadHostConfigTOML(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "host.toml", `
name = "renderer-host"
activate_on_startup = false
probe_schedule = "@every 30s"
probe_timeout = "5s"
crash_threshold = 7
history_path = "/tmp/history.db"
`)

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "renderer-host", cfg.Name)
	assert.False(t, cfg.ActivateOnStartup)
	assert.Equal(t, "@every 30s", cfg.ProbeSchedule)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout.Std())
	assert.Equal(t, 7, cfg.CrashThreshold)
	assert.Equal(t, "/tmp/history.db", cfg.HistoryPath)

	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultHostConfig().ParticipantCacheSize, cfg.ParticipantCacheSize)
	assert.True(t, cfg.RestartOnCrash)
}

func TestLoadHostConfigYAML(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "host.yaml", `
name: worker-host
probe_timeout: 750ms
crash_window: 2m
dev_reload_debounce: 100ms
`)

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-host", cfg.Name)
	assert.Equal(t, 750*time.Millisecond, cfg.ProbeTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.CrashWindow.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.DevReloadDebounce.Std())
}

func TestLoadHostConfigErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing_file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadHostConfig(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})

	t.Run("unsupported_extension", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "host.json", `{}`)
		_, err := LoadHostConfig(path)
		assert.ErrorIs(t, err, ErrConfigFileUnsupported)
	})

	t.Run("malformed_toml", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "host.toml", `name = [broken`)
		_, err := LoadHostConfig(path)
		assert.Error(t, err)
	})

	t.Run("invalid_value", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "host.toml", `probe_schedule = "often"`)
		_, err := LoadHostConfig(path)
		assert.ErrorIs(t, err, ErrProbeScheduleInvalid)
	})
}

func TestLoadHostConfigEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, "host.toml", `
name = "from-file"
probe_timeout = "5s"
`)

	t.Setenv("EXTHOST_NAME", "from-env")
	t.Setenv("EXTHOST_PROBE_TIMEOUT", "250ms")
	t.Setenv("EXTHOST_ACTIVATE_ON_STARTUP", "false")
	t.Setenv("EXTHOST_CRASH_THRESHOLD", "9")

	cfg, err := LoadHostConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Name, "environment beats the file")
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeTimeout.Std())
	assert.False(t, cfg.ActivateOnStartup)
	assert.Equal(t, 9, cfg.CrashThreshold)
}

func TestApplyEnvOverridesRejectsBadValues(t *testing.T) {
	t.Setenv("EXTHOST_PROBE_TIMEOUT", "soon")

	cfg := DefaultHostConfig()
	err := cfg.ApplyEnvOverrides()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTHOST_PROBE_TIMEOUT")
}

func TestDurationMarshalling(t *testing.T) {
	t.Parallel()

	d := Duration(90 * time.Second)
	assert.Equal(t, "1m30s", d.String())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var parsed Duration
	require.NoError(t, parsed.UnmarshalText([]byte("2h45m")))
	assert.Equal(t, 2*time.Hour+45*time.Minute, parsed.Std())

	assert.Error(t, parsed.UnmarshalText([]byte("a while")))

	var fromYAML struct {
		Wait Duration `yaml:"wait"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("wait: 1500ms"), &fromYAML))
	assert.Equal(t, 1500*time.Millisecond, fromYAML.Wait.Std())
}
