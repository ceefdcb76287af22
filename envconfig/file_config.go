package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Models struct {
		Path       string `toml:"path"`
		MaxLoaders int    `toml:"max_loaders"`
		FP16       *bool  `toml:"fp16"`
	} `toml:"models"`

	Keyframes struct {
		Schedule       *bool `toml:"schedule"`
		LatentStrength *bool `toml:"latent_strength"`
	} `toml:"keyframes"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	if p := clean("CONTROL_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "controlnet", "config.toml"))
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "controlnet", "config.toml"))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "controlnet", "config.toml"),
			filepath.Join(home, ".controlnet", "config.toml"),
		)
	}

	return paths
}

// loadFileConfig loads the first available configuration file
func loadFileConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

func fileConfig() *Config {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadFileConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	return config
}

// ConfigPath returns the configuration file in use, if any.
func ConfigPath() string {
	fileConfig()
	return configPath
}

// ReloadConfigFile forgets the loaded configuration file and reloads every
// setting.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	cfg := fileConfig()
	if cfg == nil {
		return ""
	}

	optional := func(b *bool) string {
		if b == nil {
			return ""
		}
		return strconv.FormatBool(*b)
	}

	switch key {
	case "CONTROL_MODELS":
		return cfg.Models.Path
	case "CONTROL_MAX_LOADERS":
		if cfg.Models.MaxLoaders > 0 {
			return strconv.Itoa(cfg.Models.MaxLoaders)
		}
	case "CONTROL_FP16":
		return optional(cfg.Models.FP16)
	case "CONTROL_KEYFRAME_SCHEDULE":
		return optional(cfg.Keyframes.Schedule)
	case "CONTROL_LATENT_STRENGTH":
		return optional(cfg.Keyframes.LatentStrength)
	case "CONTROL_DEBUG":
		if cfg.Logging.Debug > 0 {
			return strconv.Itoa(cfg.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# ControlNet configuration file
# Environment variables take precedence over values set here.

[models]
# Checkpoint directory (default: ~/.controlnet/models)
path = "/path/to/models"
# Checkpoints loaded in parallel (default: 2)
max_loaders = 2
# Run guidance networks in half precision (default: false)
fp16 = false

[keyframes]
# Select timestep keyframes by schedule progress (default: false)
schedule = false
# Multiply latent keyframe slots by their strength (default: false)
latent_strength = false

[logging]
# 1 for debug, 2 for trace (default: 0)
debug = 0
`
}
