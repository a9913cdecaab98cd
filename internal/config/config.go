package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr   string
	LogLevel   string
	LogFile    string
	Production bool

	GeminiAPIKey         string
	GeminiChatModel      string
	GeminiEmbeddingModel string

	JWTSecret string
	TokenTTL  time.Duration

	StoreBackend  string // sqlite, redis or memory
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DeepgramAPIKey string
	DeepgramModel  string
	Language       string
	CaptureHints   []string

	FFmpegPath        string
	AudioInputFormat  string
	AudioInputDevice  string
	SampleRate        int
	MicrophoneGranted bool
	SpeechGranted     bool

	GoogleBooksAPIKey string
	CatalogLanguage   string

	FanOutTimeout time.Duration

	// DotEnvLoaded reports whether a .env file was found.
	DotEnvLoaded bool
}

// fileConfig is the optional YAML overlay. Environment variables win over it.
type fileConfig struct {
	Capture struct {
		Hints    []string `yaml:"hints"`
		Language string   `yaml:"language"`
	} `yaml:"capture"`
	Gemini struct {
		ChatModel      string `yaml:"chat_model"`
		EmbeddingModel string `yaml:"embedding_model"`
	} `yaml:"gemini"`
	Catalog struct {
		Language string `yaml:"language"`
	} `yaml:"catalog"`
}

// Load reads .env, the optional YAML file named by COMPANION_CONFIG_FILE and
// the environment.
func Load() (Config, error) {
	loaded := godotenv.Load() == nil

	var file fileConfig
	if path := getEnv("COMPANION_CONFIG_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:   getEnv("HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:   getEnv("LOG_LEVEL", "INFO"),
		LogFile:    getEnv("LOG_FILE", ""),
		Production: getEnv("APP_ENV", "development") == "production",

		GeminiAPIKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiChatModel:      getEnv("GEMINI_CHAT_MODEL", orDefault(file.Gemini.ChatModel, "gemini-1.5-flash-latest")),
		GeminiEmbeddingModel: getEnv("GEMINI_EMBEDDING_MODEL", orDefault(file.Gemini.EmbeddingModel, "text-embedding-004")),

		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  getEnvAsDuration("TOKEN_TTL", 24*time.Hour),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", "sqlite")),
		DatabaseURL:   getEnv("DATABASE_URL", "reading_companion.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "companion"),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:  getEnv("DEEPGRAM_MODEL", "nova-2"),
		Language:       getEnv("CAPTURE_LANGUAGE", orDefault(file.Capture.Language, "en-US")),
		CaptureHints:   file.Capture.Hints,

		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		AudioInputFormat:  getEnv("AUDIO_INPUT_FORMAT", "pulse"),
		AudioInputDevice:  getEnv("AUDIO_INPUT_DEVICE", "default"),
		SampleRate:        getEnvAsInt("AUDIO_SAMPLE_RATE", 16000),
		MicrophoneGranted: getEnvAsBool("MICROPHONE_GRANTED", true),
		SpeechGranted:     getEnvAsBool("SPEECH_RECOGNITION_GRANTED", true),

		GoogleBooksAPIKey: getEnv("GOOGLE_BOOKS_API_KEY", ""),
		CatalogLanguage:   getEnv("CATALOG_LANGUAGE", file.Catalog.Language),

		FanOutTimeout: getEnvAsDuration("FANOUT_TIMEOUT", 90*time.Second),

		DotEnvLoaded: loaded,
	}
	if hints := getEnv("CAPTURE_HINTS", ""); hints != "" {
		cfg.CaptureHints = splitList(hints)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY environment variable is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET environment variable is required"))
	}
	switch c.StoreBackend {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
