package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/advanced-controlnet/logutil"
)

func withoutConfigFile(t *testing.T) {
	t.Helper()
	t.Setenv("CONTROL_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	t.Cleanup(ReloadConfigFile)
	ReloadConfigFile()
}

func TestConfig(t *testing.T) {
	withoutConfigFile(t)

	t.Setenv("CONTROL_DEBUG", "")
	LoadConfig()
	require.Equal(t, 0, Debug)
	require.Equal(t, slog.LevelInfo, LogLevel())

	t.Setenv("CONTROL_DEBUG", "false")
	LoadConfig()
	require.Equal(t, 0, Debug)

	t.Setenv("CONTROL_DEBUG", "1")
	LoadConfig()
	require.Equal(t, 1, Debug)
	require.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("CONTROL_DEBUG", "2")
	LoadConfig()
	require.Equal(t, logutil.LevelTrace, LogLevel())

	t.Setenv("CONTROL_DEBUG", "yes please")
	LoadConfig()
	require.Equal(t, 1, Debug)

	t.Setenv("CONTROL_FP16", "1")
	t.Setenv("CONTROL_KEYFRAME_SCHEDULE", "true")
	t.Setenv("CONTROL_LATENT_STRENGTH", "maybe")
	LoadConfig()
	require.True(t, FP16)
	require.True(t, KeyframeSchedule)
	require.False(t, LatentStrength)
}

func TestMaxLoaders(t *testing.T) {
	withoutConfigFile(t)

	cases := map[string]int{
		"":      2,
		"4":     4,
		"'8'":   8,
		"0":     2,
		"-1":    2,
		"three": 2,
	}

	for value, want := range cases {
		t.Setenv("CONTROL_MAX_LOADERS", value)
		LoadConfig()
		assert.Equal(t, want, MaxLoaders, "CONTROL_MAX_LOADERS=%q", value)
	}
}

func TestModels(t *testing.T) {
	withoutConfigFile(t)

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)

	t.Setenv("CONTROL_MODELS", "")
	LoadConfig()
	assert.Equal(t, filepath.Join(home, ".controlnet", "models"), Models)

	t.Setenv("CONTROL_MODELS", `"/srv/controlnet"`)
	LoadConfig()
	assert.Equal(t, "/srv/controlnet", Models)
}

func TestConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[models]
path = "/data/controlnet"
max_loaders = 6
fp16 = true

[keyframes]
schedule = true

[logging]
debug = 2
`), 0o600))

	t.Setenv("CONTROL_CONFIG", p)
	t.Setenv("CONTROL_MODELS", "")
	t.Setenv("CONTROL_MAX_LOADERS", "")
	t.Setenv("CONTROL_FP16", "")
	t.Setenv("CONTROL_KEYFRAME_SCHEDULE", "")
	t.Setenv("CONTROL_LATENT_STRENGTH", "")
	t.Setenv("CONTROL_DEBUG", "")
	t.Cleanup(ReloadConfigFile)
	ReloadConfigFile()

	assert.Equal(t, p, ConfigPath())
	assert.Equal(t, "/data/controlnet", Models)
	assert.Equal(t, 6, MaxLoaders)
	assert.True(t, FP16)
	assert.True(t, KeyframeSchedule)
	assert.False(t, LatentStrength)
	assert.Equal(t, 2, Debug)

	t.Setenv("CONTROL_MAX_LOADERS", "1")
	LoadConfig()
	assert.Equal(t, 1, MaxLoaders, "the environment overrides the file")
}

func TestConfigFileInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte("[models\n"), 0o600))

	t.Setenv("CONTROL_CONFIG", p)
	t.Cleanup(ReloadConfigFile)
	ReloadConfigFile()

	assert.Empty(t, ConfigPath())
	assert.Empty(t, GetConfigValue("CONTROL_MODELS"))
}

func TestExampleConfig(t *testing.T) {
	var cfg Config
	_, err := toml.Decode(GenerateExampleConfig(), &cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Models.MaxLoaders)
	require.NotNil(t, cfg.Keyframes.Schedule)
	assert.False(t, *cfg.Keyframes.Schedule)
}

func TestAsMap(t *testing.T) {
	withoutConfigFile(t)

	m := AsMap()
	for k, v := range m {
		assert.Equal(t, k, v.Name)
		assert.NotEmpty(t, v.Description, k)
	}

	assert.Contains(t, Values(), "CONTROL_MODELS")
}
