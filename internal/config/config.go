package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	Blob        BlobConfig      `yaml:"blob"`
	Synth       SynthConfig     `yaml:"synth"`
	Assembly    AssemblyConfig  `yaml:"assembly"`
	Notify      NotifyConfig    `yaml:"notify"`
	Trigger     TriggerConfig   `yaml:"trigger"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BlobConfig struct {
	Root             string `yaml:"root"`
	URLSigningSecret string `yaml:"url_signing_secret"`
	SignedURLTTLMin  int    `yaml:"signed_url_ttl_minutes"`
}

type SynthConfig struct {
	Mode           string  `yaml:"mode"` // mock, exec, elevenlabs
	Command        string  `yaml:"command"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	ModelID        string  `yaml:"model_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Stability      float64 `yaml:"stability"`
	Similarity     float64 `yaml:"similarity_boost"`
	Style          float64 `yaml:"style"`
	SpeakerBoost   bool    `yaml:"use_speaker_boost"`
}

type AssemblyConfig struct {
	MaxConcurrency  int               `yaml:"max_concurrency"`
	DefaultVoice    string            `yaml:"default_voice"`
	SegmentDuration float64           `yaml:"segment_duration_seconds"`
	DedupeInFlight  bool              `yaml:"dedupe_in_flight"`
	Components      map[string]string `yaml:"components"`
}

type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type TriggerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

func Default() Config {
	return Config{
		ServiceName: "haven-audio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		JobStore: JobStoreConfig{
			Path: "./data/haven-jobs.db",
		},
		Blob: BlobConfig{
			Root:            "./data/blobs",
			SignedURLTTLMin: 60,
		},
		Synth: SynthConfig{
			Mode:           "mock",
			BaseURL:        "https://api.elevenlabs.io",
			ModelID:        "eleven_multilingual_v2",
			TimeoutSeconds: 60,
			Stability:      0.5,
			Similarity:     0.75,
			Style:          0.0,
			SpeakerBoost:   true,
		},
		Assembly: AssemblyConfig{
			MaxConcurrency:  4,
			DefaultVoice:    "EXAVITQu4vr4xnSDxMaL",
			SegmentDuration: 3.5,
			DedupeInFlight:  true,
			Components:      baseComponents(),
		},
		Notify: NotifyConfig{
			Enabled:       true,
			SubjectPrefix: "notify.user",
		},
		Trigger: TriggerConfig{
			Enabled: true,
			Subject: "assembly.request",
		},
	}
}

// baseComponents is the built-in dictionary of reusable protocol fragments.
// Client component keys not present here are spoken literally.
func baseComponents() map[string]string {
	return map[string]string{
		"greeting_morning":   "Good morning. Take a moment to settle in.",
		"greeting_evening":   "Good evening. Let yourself arrive here fully.",
		"breath_in":          "Breathe in slowly through your nose.",
		"breath_out":         "And let it go, slowly, through your mouth.",
		"body_scan_intro":    "Bring your attention gently to your body.",
		"grounding_feet":     "Notice the ground beneath your feet.",
		"affirmation_safe":   "You are safe in this moment.",
		"affirmation_enough": "You are enough, exactly as you are.",
		"closing_return":     "When you are ready, return your attention to the room.",
		"closing_thanks":     "Thank you for taking this time for yourself.",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "HAVEN_SERVICE_NAME")
	overrideString(&cfg.Environment, "HAVEN_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HAVEN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HAVEN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HAVEN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HAVEN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HAVEN_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "HAVEN_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "HAVEN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HAVEN_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HAVEN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HAVEN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HAVEN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HAVEN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "HAVEN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "HAVEN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.JobStore.Path, "HAVEN_JOB_STORE_PATH")
	overrideBool(&cfg.JobStore.VacuumOnStart, "HAVEN_JOB_STORE_VACUUM_ON_START")
	overrideString(&cfg.Blob.Root, "HAVEN_BLOB_ROOT")
	overrideString(&cfg.Blob.URLSigningSecret, "HAVEN_BLOB_URL_SIGNING_SECRET")
	overrideInt(&cfg.Blob.SignedURLTTLMin, "HAVEN_BLOB_SIGNED_URL_TTL_MINUTES")
	overrideString(&cfg.Synth.Mode, "HAVEN_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "HAVEN_SYNTH_COMMAND")
	overrideString(&cfg.Synth.APIKey, "HAVEN_SYNTH_API_KEY")
	overrideString(&cfg.Synth.BaseURL, "HAVEN_SYNTH_BASE_URL")
	overrideString(&cfg.Synth.ModelID, "HAVEN_SYNTH_MODEL_ID")
	overrideInt(&cfg.Synth.TimeoutSeconds, "HAVEN_SYNTH_TIMEOUT_SECONDS")
	overrideFloat(&cfg.Synth.Stability, "HAVEN_SYNTH_STABILITY")
	overrideFloat(&cfg.Synth.Similarity, "HAVEN_SYNTH_SIMILARITY_BOOST")
	overrideFloat(&cfg.Synth.Style, "HAVEN_SYNTH_STYLE")
	overrideBool(&cfg.Synth.SpeakerBoost, "HAVEN_SYNTH_USE_SPEAKER_BOOST")
	overrideInt(&cfg.Assembly.MaxConcurrency, "HAVEN_ASSEMBLY_MAX_CONCURRENCY")
	overrideString(&cfg.Assembly.DefaultVoice, "HAVEN_ASSEMBLY_DEFAULT_VOICE")
	overrideFloat(&cfg.Assembly.SegmentDuration, "HAVEN_ASSEMBLY_SEGMENT_DURATION_SECONDS")
	overrideBool(&cfg.Assembly.DedupeInFlight, "HAVEN_ASSEMBLY_DEDUPE_IN_FLIGHT")
	overrideBool(&cfg.Notify.Enabled, "HAVEN_NOTIFY_ENABLED")
	overrideString(&cfg.Notify.SubjectPrefix, "HAVEN_NOTIFY_SUBJECT_PREFIX")
	overrideBool(&cfg.Trigger.Enabled, "HAVEN_TRIGGER_ENABLED")
	overrideString(&cfg.Trigger.Subject, "HAVEN_TRIGGER_SUBJECT")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	if cfg.Blob.Root == "" {
		return errors.New("blob.root must not be empty")
	}
	if cfg.Blob.SignedURLTTLMin <= 0 {
		return errors.New("blob.signed_url_ttl_minutes must be positive")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec", "elevenlabs":
	default:
		return errors.New("synth.mode must be one of mock|exec|elevenlabs")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.Mode == "elevenlabs" && cfg.Synth.BaseURL == "" {
		return errors.New("synth.base_url must be set when mode=elevenlabs")
	}
	if cfg.Synth.TimeoutSeconds <= 0 {
		return errors.New("synth.timeout_seconds must be positive")
	}
	if cfg.Assembly.MaxConcurrency <= 0 {
		return errors.New("assembly.max_concurrency must be >= 1")
	}
	if cfg.Assembly.DefaultVoice == "" {
		return errors.New("assembly.default_voice must not be empty")
	}
	if cfg.Assembly.SegmentDuration <= 0 {
		return errors.New("assembly.segment_duration_seconds must be positive")
	}
	if cfg.Notify.Enabled && cfg.Notify.SubjectPrefix == "" {
		return errors.New("notify.subject_prefix must not be empty")
	}
	if cfg.Trigger.Enabled && cfg.Trigger.Subject == "" {
		return errors.New("trigger.subject must not be empty")
	}
	return nil
}
