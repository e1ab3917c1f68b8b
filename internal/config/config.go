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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceExporter is otlp, stdout or none. Empty picks otlp when an
	// endpoint is set and stdout otherwise.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Recognition RecognitionConfig `yaml:"recognition"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig controls how remote recognizer nodes are tracked on the bus.
type NodeConfig struct {
	ID               string `yaml:"id"`
	HeartbeatTimeout int    `yaml:"heartbeat_timeout_ms"`
	Capability       string `yaml:"capability"`
}

type RecognitionConfig struct {
	Engine          string   `yaml:"engine"` // mock, exec, bus
	Command         string   `yaml:"command"`
	DefaultLanguage string   `yaml:"default_language"`
	Continuous      bool     `yaml:"continuous"`
	InterimResults  bool     `yaml:"interim_results"`
	RestartDelayMS  int      `yaml:"restart_delay_ms"`
	StartTimeoutMS  int      `yaml:"start_timeout_ms"`
	MockPhrases     []string `yaml:"mock_phrases"`
	MockIntervalMS  int      `yaml:"mock_interval_ms"`
	MockConfidence  float64  `yaml:"mock_confidence"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:               "loqa-scribe-1",
			HeartbeatTimeout: 6000,
			Capability:       "stt.stream",
		},
		Recognition: RecognitionConfig{
			Engine:          "mock",
			DefaultLanguage: "en-US",
			Continuous:      true,
			InterimResults:  true,
			RestartDelayMS:  100,
			StartTimeoutMS:  2000,
			MockPhrases: []string{
				"hello world",
				"this transcript is generated by the mock recognizer",
			},
			MockIntervalMS: 1500,
			MockConfidence: 0.9,
		},
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Node.Capability, "LOQA_NODE_CAPABILITY")
	overrideString(&cfg.Recognition.Engine, "LOQA_RECOGNITION_ENGINE")
	overrideString(&cfg.Recognition.Command, "LOQA_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.DefaultLanguage, "LOQA_RECOGNITION_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Recognition.Continuous, "LOQA_RECOGNITION_CONTINUOUS")
	overrideBool(&cfg.Recognition.InterimResults, "LOQA_RECOGNITION_INTERIM_RESULTS")
	overrideInt(&cfg.Recognition.RestartDelayMS, "LOQA_RECOGNITION_RESTART_DELAY_MS")
	overrideInt(&cfg.Recognition.StartTimeoutMS, "LOQA_RECOGNITION_START_TIMEOUT_MS")
	overrideStringSlice(&cfg.Recognition.MockPhrases, "LOQA_RECOGNITION_MOCK_PHRASES")
	overrideInt(&cfg.Recognition.MockIntervalMS, "LOQA_RECOGNITION_MOCK_INTERVAL_MS")
	overrideFloat(&cfg.Recognition.MockConfidence, "LOQA_RECOGNITION_MOCK_CONFIDENCE")
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
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
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
	if cfg.Recognition.DefaultLanguage == "" {
		return errors.New("recognition.default_language must not be empty")
	}
	if cfg.Recognition.RestartDelayMS < 0 {
		return errors.New("recognition.restart_delay_ms must be >= 0")
	}
	switch cfg.Recognition.Engine {
	case "mock":
		if cfg.Recognition.MockIntervalMS <= 0 {
			return errors.New("recognition.mock_interval_ms must be positive")
		}
		if cfg.Recognition.MockConfidence < 0 || cfg.Recognition.MockConfidence > 1 {
			return errors.New("recognition.mock_confidence must be within [0,1]")
		}
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when engine=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when engine=bus")
		}
		if cfg.Recognition.StartTimeoutMS <= 0 {
			return errors.New("recognition.start_timeout_ms must be positive when engine=bus")
		}
		if cfg.Node.Capability == "" {
			return errors.New("node.capability must not be empty when engine=bus")
		}
		if cfg.Node.HeartbeatTimeout <= 0 {
			return errors.New("node.heartbeat_timeout_ms must be positive")
		}
	default:
		return errors.New("recognition.engine must be one of mock|exec|bus")
	}
	return nil
}
