// Package config loads the YAML configuration file and applies
// environment overrides. API keys are never stored in the file; they
// come from the provider's usual environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type AudioConfig struct {
	Device        string  `yaml:"device"`
	CaptureRate   int     `yaml:"capture_rate"`
	Channels      int     `yaml:"channels"`
	GateThreshold float64 `yaml:"gate_threshold"`
	GateHoldMS    int     `yaml:"gate_hold_ms"`
}

type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type STTConfig struct {
	// Provider is deepgram, elevenlabs, groq or openai; empty picks the
	// first provider with an API key set.
	Provider        string          `yaml:"provider"`
	Language        string          `yaml:"language"`
	Model           string          `yaml:"model"`
	Format          string          `yaml:"format"`
	ChunkDurationMS int             `yaml:"chunk_duration_ms"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

type PostProcessConfig struct {
	// Backend is none, openai, claude, gemini, custom or exec.
	Backend   string `yaml:"backend"`
	Model     string `yaml:"model"`
	Endpoint  string `yaml:"endpoint"` // custom backend only
	Command   string `yaml:"command"`  // exec backend only
	TimeoutMS int    `yaml:"timeout_ms"`
}

type OutputConfig struct {
	// Sink is clipboard or stdout.
	Sink string `yaml:"sink"`
}

type Config struct {
	Audio       AudioConfig       `yaml:"audio"`
	STT         STTConfig         `yaml:"stt"`
	PostProcess PostProcessConfig `yaml:"post_process"`
	Output      OutputConfig      `yaml:"output"`
	Dictionary  []string          `yaml:"dictionary"`
	LogDir      string            `yaml:"log_dir"`
}

func Default() Config {
	return Config{
		Audio: AudioConfig{
			CaptureRate:   48000,
			Channels:      1,
			GateThreshold: 0.02,
			GateHoldMS:    400,
		},
		STT: STTConfig{
			Language:        "en",
			Format:          "wav",
			ChunkDurationMS: 3000,
			Reconnect: ReconnectConfig{
				MaxAttempts: 10,
				BaseDelayMS: 1000,
				MaxDelayMS:  30000,
			},
		},
		PostProcess: PostProcessConfig{
			Backend:   "none",
			TimeoutMS: 30000,
		},
		Output: OutputConfig{
			Sink: "clipboard",
		},
	}
}

// Load reads the config file at path (optional; empty path means
// defaults only), applies PARLA_* environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Audio.Device, "PARLA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.CaptureRate, "PARLA_AUDIO_CAPTURE_RATE")
	overrideInt(&cfg.Audio.Channels, "PARLA_AUDIO_CHANNELS")
	overrideFloat(&cfg.Audio.GateThreshold, "PARLA_AUDIO_GATE_THRESHOLD")
	overrideInt(&cfg.Audio.GateHoldMS, "PARLA_AUDIO_GATE_HOLD_MS")
	overrideString(&cfg.STT.Provider, "PARLA_STT_PROVIDER")
	overrideString(&cfg.STT.Language, "PARLA_STT_LANGUAGE")
	overrideString(&cfg.STT.Model, "PARLA_STT_MODEL")
	overrideString(&cfg.STT.Format, "PARLA_STT_FORMAT")
	overrideInt(&cfg.STT.ChunkDurationMS, "PARLA_STT_CHUNK_DURATION_MS")
	overrideInt(&cfg.STT.Reconnect.MaxAttempts, "PARLA_STT_RECONNECT_MAX_ATTEMPTS")
	overrideInt(&cfg.STT.Reconnect.BaseDelayMS, "PARLA_STT_RECONNECT_BASE_DELAY_MS")
	overrideInt(&cfg.STT.Reconnect.MaxDelayMS, "PARLA_STT_RECONNECT_MAX_DELAY_MS")
	overrideString(&cfg.PostProcess.Backend, "PARLA_POST_PROCESS_BACKEND")
	overrideString(&cfg.PostProcess.Model, "PARLA_POST_PROCESS_MODEL")
	overrideString(&cfg.PostProcess.Endpoint, "PARLA_POST_PROCESS_ENDPOINT")
	overrideString(&cfg.PostProcess.Command, "PARLA_POST_PROCESS_COMMAND")
	overrideInt(&cfg.PostProcess.TimeoutMS, "PARLA_POST_PROCESS_TIMEOUT_MS")
	overrideString(&cfg.Output.Sink, "PARLA_OUTPUT_SINK")
	overrideStringSlice(&cfg.Dictionary, "PARLA_DICTIONARY")
	overrideString(&cfg.LogDir, "PARLA_LOG_PATH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var terms []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				terms = append(terms, s)
			}
		}
		if len(terms) > 0 {
			*target = terms
		}
	}
}

func validate(cfg Config) error {
	switch cfg.STT.Provider {
	case "", "deepgram", "elevenlabs", "groq", "openai":
	default:
		return fmt.Errorf("stt.provider %q is not one of deepgram, elevenlabs, groq, openai", cfg.STT.Provider)
	}
	switch cfg.STT.Format {
	case "wav", "flac":
	default:
		return fmt.Errorf("stt.format %q is not one of wav, flac", cfg.STT.Format)
	}
	switch cfg.PostProcess.Backend {
	case "none", "openai", "claude", "gemini", "custom", "exec":
	default:
		return fmt.Errorf("post_process.backend %q is not one of none, openai, claude, gemini, custom, exec", cfg.PostProcess.Backend)
	}
	if cfg.PostProcess.Backend == "exec" && strings.TrimSpace(cfg.PostProcess.Command) == "" {
		return fmt.Errorf("post_process.command is required for the exec backend")
	}
	if cfg.PostProcess.Backend == "custom" && strings.TrimSpace(cfg.PostProcess.Endpoint) == "" {
		return fmt.Errorf("post_process.endpoint is required for the custom backend")
	}
	switch cfg.Output.Sink {
	case "clipboard", "stdout":
	default:
		return fmt.Errorf("output.sink %q is not one of clipboard, stdout", cfg.Output.Sink)
	}
	if cfg.Audio.CaptureRate <= 0 {
		return fmt.Errorf("audio.capture_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be positive")
	}
	if cfg.STT.ChunkDurationMS <= 0 {
		return fmt.Errorf("stt.chunk_duration_ms must be positive")
	}
	if cfg.STT.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("stt.reconnect.max_attempts must be positive")
	}
	if cfg.PostProcess.TimeoutMS <= 0 {
		return fmt.Errorf("post_process.timeout_ms must be positive")
	}
	return nil
}
