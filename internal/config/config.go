package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Classifier providers.
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Session    SessionConfig    `yaml:"session"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Classifier ClassifierConfig `yaml:"classifier"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Web        WebConfig        `yaml:"web"`
	Log        LogConfig        `yaml:"log"`
}

type DatabaseConfig struct {
	Driver        string        `yaml:"driver"`          // postgres, sqlite or memory
	URL           string        `yaml:"url"`             // PostgreSQL URL or SQLite file path
	MaxOpenConns  int           `yaml:"max_open_conns"`  // Maximum open connections (default 25)
	MaxIdleConns  int           `yaml:"max_idle_conns"`  // Maximum idle connections (default 5)
	Timeout       time.Duration `yaml:"timeout"`         // Upper bound for a single store call
	HNSWIndexPath string        `yaml:"hnsw_index_path"` // Path to persist the identity HNSW index (optional)
}

type MatcherConfig struct {
	Tolerance     float64 `yaml:"tolerance"`      // Maximum Euclidean distance for a match (default 0.6)
	Dim           int     `yaml:"dim"`            // Encoding dimension produced by the encoder
	HNSWThreshold int     `yaml:"hnsw_threshold"` // Registry size above which the HNSW index pre-filters candidates (0 = never)
}

type AttendanceConfig struct {
	TimeZone string `yaml:"timezone"` // IANA zone used to derive the attendance date
}

// Location resolves the configured time zone, defaulting to UTC.
func (c AttendanceConfig) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

type SessionConfig struct {
	Secret string        `yaml:"secret"` // HMAC secret for cookies; random when empty
	TTL    time.Duration `yaml:"ttl"`
}

type EmbeddingConfig struct {
	URL     string        `yaml:"url"` // defaults to http://localhost:8000
	Timeout time.Duration `yaml:"timeout"`
}

type ClassifierConfig struct {
	Provider     string        `yaml:"provider"` // http, openai or gemini
	URL          string        `yaml:"url"`      // model server for the http provider
	Timeout      time.Duration `yaml:"timeout"`
	MaxImageSize int           `yaml:"max_image_size"`
	Workers      int           `yaml:"workers"` // batch detection concurrency
}

type OpenAIConfig struct {
	Token string `yaml:"token"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// envString returns the env value for key, or def when unset or empty.
func envString(key, def string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return def
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat is envInt for positive floats.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Defaults returns the configuration embedded in the binary.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// Embedded file, so this only fails on a broken build.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile layers a YAML file between the embedded defaults and the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = envString("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.Timeout = envDuration("DATABASE_TIMEOUT", c.Database.Timeout)
	c.Database.HNSWIndexPath = envString("HNSW_INDEX_PATH", c.Database.HNSWIndexPath)

	c.Matcher.Tolerance = envFloat("MATCH_TOLERANCE", c.Matcher.Tolerance)
	c.Matcher.Dim = envInt("EMBEDDING_DIM", c.Matcher.Dim)
	c.Matcher.HNSWThreshold = envInt("HNSW_THRESHOLD", c.Matcher.HNSWThreshold)

	c.Attendance.TimeZone = envString("ATTENDANCE_TIMEZONE", c.Attendance.TimeZone)

	c.Session.Secret = envString("WEB_SESSION_SECRET", c.Session.Secret)
	c.Session.TTL = envDuration("SESSION_TTL", c.Session.TTL)

	c.Embedding.URL = envString("EMBEDDING_URL", c.Embedding.URL)
	c.Embedding.Timeout = envDuration("EMBEDDING_TIMEOUT", c.Embedding.Timeout)

	c.Classifier.Provider = envString("CLASSIFIER_PROVIDER", c.Classifier.Provider)
	c.Classifier.URL = envString("CLASSIFIER_URL", c.Classifier.URL)
	c.Classifier.Timeout = envDuration("CLASSIFIER_TIMEOUT", c.Classifier.Timeout)
	c.Classifier.MaxImageSize = envInt("CLASSIFIER_MAX_IMAGE_SIZE", c.Classifier.MaxImageSize)
	c.Classifier.Workers = envInt("CLASSIFIER_WORKERS", c.Classifier.Workers)

	c.OpenAI.Token = envString("OPENAI_TOKEN", c.OpenAI.Token)
	c.Gemini.APIKey = envString("GEMINI_API_KEY", c.Gemini.APIKey)

	c.Web.Host = envString("WEB_HOST", c.Web.Host)
	c.Web.Port = envInt("WEB_PORT", c.Web.Port)
	c.Web.AllowedOrigins = envList("WEB_ALLOWED_ORIGINS", c.Web.AllowedOrigins)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

// Validate reports configuration that would make the service misbehave at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the %s driver", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Matcher.Tolerance <= 0 {
		errs = append(errs, errors.New("match tolerance must be positive"))
	}
	if c.Matcher.Dim <= 0 {
		errs = append(errs, errors.New("embedding dimension must be positive"))
	}
	if _, err := c.Attendance.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Classifier.Provider {
	case ProviderHTTP:
	case ProviderOpenAI:
		if c.OpenAI.Token == "" {
			errs = append(errs, errors.New("OPENAI_TOKEN is required for the openai classifier"))
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini classifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider))
	}
	return errors.Join(errs...)
}
