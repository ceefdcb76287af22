package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmorganca/advanced-controlnet/logutil"
)

var (
	// Set via CONTROL_DEBUG in the environment. 1 logs debug, 2 logs trace.
	Debug int
	// Set via CONTROL_MODELS in the environment
	Models string
	// Set via CONTROL_FP16 in the environment
	FP16 bool
	// Set via CONTROL_KEYFRAME_SCHEDULE in the environment
	KeyframeSchedule bool
	// Set via CONTROL_LATENT_STRENGTH in the environment
	LatentStrength bool
	// Set via CONTROL_MAX_LOADERS in the environment
	MaxLoaders int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CONTROL_CONFIG":            {"CONTROL_CONFIG", ConfigPath(), "Path to a TOML configuration file"},
		"CONTROL_DEBUG":             {"CONTROL_DEBUG", Debug, "Show additional debug information (e.g. CONTROL_DEBUG=1, 2 for trace)"},
		"CONTROL_FP16":              {"CONTROL_FP16", FP16, "Run guidance networks in half precision"},
		"CONTROL_KEYFRAME_SCHEDULE": {"CONTROL_KEYFRAME_SCHEDULE", KeyframeSchedule, "Select timestep keyframes by schedule progress instead of using the first"},
		"CONTROL_LATENT_STRENGTH":   {"CONTROL_LATENT_STRENGTH", LatentStrength, "Multiply latent keyframe slots by their strength"},
		"CONTROL_MAX_LOADERS":       {"CONTROL_MAX_LOADERS", MaxLoaders, "Maximum number of checkpoints loaded in parallel (default 2)"},
		"CONTROL_MODELS":            {"CONTROL_MODELS", Models, "The path to the checkpoint directory"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup returns the environment value of key, falling back to the
// configuration file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}

	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := lookup("CONTROL_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	Models = lookup("CONTROL_MODELS")
	if Models == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Models = filepath.Join(home, ".controlnet", "models")
		} else {
			slog.Error("failed to lookup home directory", "error", err)
		}
	}

	FP16 = boolValue("CONTROL_FP16")
	KeyframeSchedule = boolValue("CONTROL_KEYFRAME_SCHEDULE")
	LatentStrength = boolValue("CONTROL_LATENT_STRENGTH")

	MaxLoaders = 2
	if ml := lookup("CONTROL_MAX_LOADERS"); ml != "" {
		m, err := strconv.Atoi(ml)
		if err != nil || m <= 0 {
			slog.Error("invalid setting must be greater than zero", "CONTROL_MAX_LOADERS", ml, "error", err)
		} else {
			MaxLoaders = m
		}
	}
}

func boolValue(key string) bool {
	s := lookup(key)
	if s == "" {
		return false
	}

	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Error("invalid setting, ignoring", key, s, "error", err)
		return false
	}

	return b
}

// LogLevel maps CONTROL_DEBUG to a log level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
