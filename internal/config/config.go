package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	BackendVision    = "vision"
	BackendTesseract = "tesseract"

	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

type Config struct {
	ListenAddr      string
	LogLevel        string
	UpstreamBaseURL string
	UpstreamAPIKey  string
	CorrectionModel string
	VisionModel     string
	APIToken        string
	MaxUploadBytes  int64
	RequestTimeout  time.Duration

	RecognitionBackend   string
	TesseractLanguages   []string
	RecognitionTimeout   time.Duration
	CorrectionTimeout    time.Duration
	CorrectionMaxInput   int
	CorrectionRetries    int
	CorrectionMaxTokens  int
	CorrectionTemp       float64
	CorrectionCacheSize  int
	CorrectionCacheTTL   time.Duration
	CorrectionMinSpacing time.Duration

	SampleSkipN         int
	RecognitionDeadline time.Duration
	CorrectionDeadline  time.Duration
	MinBoxConfidence    float64
	MinAvgConfidence    float64
	DebounceWindow      int
	DebounceMinVotes    int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	IdleInterval        time.Duration

	MQTTBroker       string
	MQTTTopic        string
	MQTTClientID     string
	MQTTQoS          byte
	MQTTEncoding     string
	MQTTPollInterval time.Duration
}

// envConfig is populated from defaults, then the optional YAML file, then the
// environment. Later sources win.
type envConfig struct {
	ListenAddr            string   `env:"LISTEN_ADDR" yaml:"listen_addr"`
	LogLevel              string   `env:"LOG_LEVEL" yaml:"log_level"`
	UpstreamBaseURL       string   `env:"UPSTREAM_BASE_URL" yaml:"upstream_base_url"`
	UpstreamAPIKey        string   `env:"UPSTREAM_API_KEY" yaml:"upstream_api_key"`
	CorrectionModel       string   `env:"CORRECTION_MODEL" yaml:"correction_model"`
	VisionModel           string   `env:"VISION_MODEL" yaml:"vision_model"`
	APIToken              string   `env:"API_TOKEN" yaml:"api_token"`
	MaxUploadBytes        int64    `env:"MAX_UPLOAD_BYTES" yaml:"max_upload_bytes"`
	RequestTimeoutSeconds int      `env:"REQUEST_TIMEOUT_SECONDS" yaml:"request_timeout_seconds"`
	RecognitionBackend    string   `env:"RECOGNITION_BACKEND" yaml:"recognition_backend"`
	TesseractLanguages    []string `env:"TESSERACT_LANGUAGES" envSeparator:"," yaml:"tesseract_languages"`

	RecognitionTimeoutSeconds int     `env:"RECOGNITION_TIMEOUT_SECONDS" yaml:"recognition_timeout_seconds"`
	CorrectionTimeoutSeconds  int     `env:"CORRECTION_TIMEOUT_SECONDS" yaml:"correction_timeout_seconds"`
	CorrectionMaxInputChars   int     `env:"CORRECTION_MAX_INPUT_CHARS" yaml:"correction_max_input_chars"`
	CorrectionRetries         int     `env:"CORRECTION_RETRIES" yaml:"correction_retries"`
	CorrectionMaxTokens       int     `env:"CORRECTION_MAX_TOKENS" yaml:"correction_max_tokens"`
	CorrectionTemperature     float64 `env:"CORRECTION_TEMPERATURE" yaml:"correction_temperature"`
	CorrectionCacheSize       int     `env:"CORRECTION_CACHE_SIZE" yaml:"correction_cache_size"`
	CorrectionCacheTTLSeconds int     `env:"CORRECTION_CACHE_TTL_SECONDS" yaml:"correction_cache_ttl_seconds"`
	CorrectionMinIntervalMS   int     `env:"CORRECTION_MIN_INTERVAL_MS" yaml:"correction_min_interval_ms"`

	SampleSkipN            int     `env:"SAMPLE_SKIP_N" yaml:"sample_skip_n"`
	OCRDeadlineMS          int     `env:"OCR_DEADLINE_MS" yaml:"ocr_deadline_ms"`
	LLMDeadlineMS          int     `env:"LLM_DEADLINE_MS" yaml:"llm_deadline_ms"`
	MinBoxConfidence       float64 `env:"MIN_BOX_CONFIDENCE" yaml:"min_box_confidence"`
	MinAvgConfidence       float64 `env:"MIN_AVG_CONFIDENCE" yaml:"min_avg_confidence"`
	DebounceWindowN        int     `env:"DEBOUNCE_WINDOW_N" yaml:"debounce_window_n"`
	DebounceMinVotesK      int     `env:"DEBOUNCE_MIN_VOTES_K" yaml:"debounce_min_votes_k"`
	BreakerThresholdT      int     `env:"BREAKER_THRESHOLD_T" yaml:"breaker_threshold_t"`
	BreakerCooldownSeconds int     `env:"BREAKER_COOLDOWN_SECONDS" yaml:"breaker_cooldown_seconds"`
	IdleIntervalMS         int     `env:"IDLE_INTERVAL_MS" yaml:"idle_interval_ms"`

	MQTTBroker         string `env:"MQTT_BROKER" yaml:"mqtt_broker"`
	MQTTTopic          string `env:"MQTT_TOPIC" yaml:"mqtt_topic"`
	MQTTClientID       string `env:"MQTT_CLIENT_ID" yaml:"mqtt_client_id"`
	MQTTQoS            int    `env:"MQTT_QOS" yaml:"mqtt_qos"`
	MQTTEncoding       string `env:"MQTT_ENCODING" yaml:"mqtt_encoding"`
	MQTTPollIntervalMS int    `env:"MQTT_POLL_INTERVAL_MS" yaml:"mqtt_poll_interval_ms"`
}

func defaultEnvConfig() envConfig {
	return envConfig{
		ListenAddr:            ":8080",
		LogLevel:              "info",
		UpstreamBaseURL:       "http://127.0.0.1:1234/v1",
		CorrectionModel:       "qwen3-vl-8b",
		MaxUploadBytes:        10 << 20,
		RequestTimeoutSeconds: 60,
		RecognitionBackend:    BackendVision,
		TesseractLanguages:    []string{"eng"},

		RecognitionTimeoutSeconds: 20,
		CorrectionTimeoutSeconds:  60,
		CorrectionMaxInputChars:   800,
		CorrectionRetries:         2,
		CorrectionMaxTokens:       280,
		CorrectionTemperature:     0.2,
		CorrectionCacheSize:       200,
		CorrectionCacheTTLSeconds: 600,
		CorrectionMinIntervalMS:   1000,

		SampleSkipN:            2,
		OCRDeadlineMS:          15000,
		LLMDeadlineMS:          20000,
		MinBoxConfidence:       0.40,
		MinAvgConfidence:       0.35,
		DebounceWindowN:        3,
		DebounceMinVotesK:      2,
		BreakerThresholdT:      3,
		BreakerCooldownSeconds: 30,
		IdleIntervalMS:         10,

		MQTTTopic:          "lenscribe/display",
		MQTTClientID:       "lenscribe",
		MQTTEncoding:       EncodingJSON,
		MQTTPollIntervalMS: 200,
	}
}

// Load builds the configuration. path names an optional YAML file; when empty
// CONFIG_FILE is consulted. Environment variables override the file.
func Load(path string) (Config, error) {
	raw := defaultEnvConfig()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := raw.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (raw envConfig) normalize() Config {
	languages := make([]string, 0, len(raw.TesseractLanguages))
	for _, lang := range raw.TesseractLanguages {
		if lang = strings.TrimSpace(lang); lang != "" {
			languages = append(languages, lang)
		}
	}
	visionModel := strings.TrimSpace(raw.VisionModel)
	if visionModel == "" {
		visionModel = strings.TrimSpace(raw.CorrectionModel)
	}

	return Config{
		ListenAddr:      strings.TrimSpace(raw.ListenAddr),
		LogLevel:        strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		UpstreamBaseURL: strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:  strings.TrimSpace(raw.UpstreamAPIKey),
		CorrectionModel: strings.TrimSpace(raw.CorrectionModel),
		VisionModel:     visionModel,
		APIToken:        strings.TrimSpace(raw.APIToken),
		MaxUploadBytes:  raw.MaxUploadBytes,
		RequestTimeout:  time.Duration(raw.RequestTimeoutSeconds) * time.Second,

		RecognitionBackend:   strings.ToLower(strings.TrimSpace(raw.RecognitionBackend)),
		TesseractLanguages:   languages,
		RecognitionTimeout:   time.Duration(raw.RecognitionTimeoutSeconds) * time.Second,
		CorrectionTimeout:    time.Duration(raw.CorrectionTimeoutSeconds) * time.Second,
		CorrectionMaxInput:   raw.CorrectionMaxInputChars,
		CorrectionRetries:    raw.CorrectionRetries,
		CorrectionMaxTokens:  raw.CorrectionMaxTokens,
		CorrectionTemp:       raw.CorrectionTemperature,
		CorrectionCacheSize:  raw.CorrectionCacheSize,
		CorrectionCacheTTL:   time.Duration(raw.CorrectionCacheTTLSeconds) * time.Second,
		CorrectionMinSpacing: time.Duration(raw.CorrectionMinIntervalMS) * time.Millisecond,

		SampleSkipN:         raw.SampleSkipN,
		RecognitionDeadline: time.Duration(raw.OCRDeadlineMS) * time.Millisecond,
		CorrectionDeadline:  time.Duration(raw.LLMDeadlineMS) * time.Millisecond,
		MinBoxConfidence:    raw.MinBoxConfidence,
		MinAvgConfidence:    raw.MinAvgConfidence,
		DebounceWindow:      raw.DebounceWindowN,
		DebounceMinVotes:    raw.DebounceMinVotesK,
		BreakerThreshold:    raw.BreakerThresholdT,
		BreakerCooldown:     time.Duration(raw.BreakerCooldownSeconds) * time.Second,
		IdleInterval:        time.Duration(raw.IdleIntervalMS) * time.Millisecond,

		MQTTBroker:       strings.TrimSpace(raw.MQTTBroker),
		MQTTTopic:        strings.TrimSpace(raw.MQTTTopic),
		MQTTClientID:     strings.TrimSpace(raw.MQTTClientID),
		MQTTQoS:          byte(raw.MQTTQoS),
		MQTTEncoding:     strings.ToLower(strings.TrimSpace(raw.MQTTEncoding)),
		MQTTPollInterval: time.Duration(raw.MQTTPollIntervalMS) * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.CorrectionModel == "" {
		return errors.New("CORRECTION_MODEL must not be empty")
	}
	switch c.RecognitionBackend {
	case BackendVision, BackendTesseract:
	default:
		return fmt.Errorf("RECOGNITION_BACKEND must be %q or %q, got %q", BackendVision, BackendTesseract, c.RecognitionBackend)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.RecognitionTimeout <= 0 {
		return errors.New("RECOGNITION_TIMEOUT_SECONDS must be > 0")
	}
	if c.CorrectionTimeout <= 0 {
		return errors.New("CORRECTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.CorrectionRetries < 0 {
		return errors.New("CORRECTION_RETRIES must be >= 0")
	}
	if c.CorrectionMinSpacing < 0 {
		return errors.New("CORRECTION_MIN_INTERVAL_MS must be >= 0")
	}
	if c.SampleSkipN < 1 {
		return errors.New("SAMPLE_SKIP_N must be >= 1")
	}
	if c.RecognitionDeadline <= 0 {
		return errors.New("OCR_DEADLINE_MS must be > 0")
	}
	if c.CorrectionDeadline <= 0 {
		return errors.New("LLM_DEADLINE_MS must be > 0")
	}
	if c.MinBoxConfidence < 0 || c.MinBoxConfidence > 1 {
		return errors.New("MIN_BOX_CONFIDENCE must be within [0,1]")
	}
	if c.MinAvgConfidence < 0 || c.MinAvgConfidence > 1 {
		return errors.New("MIN_AVG_CONFIDENCE must be within [0,1]")
	}
	if c.DebounceWindow < 1 {
		return errors.New("DEBOUNCE_WINDOW_N must be >= 1")
	}
	if c.DebounceMinVotes < 1 || c.DebounceMinVotes > c.DebounceWindow {
		return errors.New("DEBOUNCE_MIN_VOTES_K must be between 1 and DEBOUNCE_WINDOW_N")
	}
	if c.BreakerThreshold < 1 {
		return errors.New("BREAKER_THRESHOLD_T must be >= 1")
	}
	if c.BreakerCooldown <= 0 {
		return errors.New("BREAKER_COOLDOWN_SECONDS must be > 0")
	}
	if c.IdleInterval <= 0 {
		return errors.New("IDLE_INTERVAL_MS must be > 0")
	}
	if c.MQTTBroker != "" {
		if c.MQTTTopic == "" {
			return errors.New("MQTT_TOPIC must not be empty when MQTT_BROKER is set")
		}
		if c.MQTTQoS > 2 {
			return errors.New("MQTT_QOS must be 0, 1 or 2")
		}
		switch c.MQTTEncoding {
		case EncodingJSON, EncodingMsgpack:
		default:
			return fmt.Errorf("MQTT_ENCODING must be %q or %q, got %q", EncodingJSON, EncodingMsgpack, c.MQTTEncoding)
		}
		if c.MQTTPollInterval <= 0 {
			return errors.New("MQTT_POLL_INTERVAL_MS must be > 0")
		}
	}
	return nil
}
