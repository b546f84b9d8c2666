package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the server and the terminal client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Generation  GenerationConfig          `json:"generation"`
	Client      ClientConfig              `json:"client"`
	Log         LogConfig                 `json:"log"`
}

type BasicConfig struct {
	ServerAddress       string   `json:"server_address"`
	Database            string   `json:"database"`
	Mode                string   `json:"mode"`
	StaticDir           string   `json:"static_dir"`
	PublicBaseURL       string   `json:"public_base_url"`
	AllowedOrigins      []string `json:"allowed_origins"`
	MinWorkers          int      `json:"min_workers"`
	MaxWorkers          int      `json:"max_workers"`
	QueueSize           int      `json:"queue_size"`
	WorkerIdleTimeout   int      `json:"worker_idle_timeout"`   // minutes
	AvatarCleanInterval int      `json:"avatar_clean_interval"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type GenerationConfig struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	StreamTimeout int     `json:"stream_timeout_seconds"`
}

type ClientConfig struct {
	APIBaseURL        string  `json:"api_base_url"`
	RequestTimeout    int     `json:"request_timeout_seconds"`
	StreamIdleTimeout int     `json:"stream_idle_timeout_seconds"`
	Temperature       float64 `json:"temperature"`
}

type LogConfig struct {
	Level      string `json:"level"`
	LogPath    string `json:"log_path"`
	FileName   string `json:"file_name"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
}

const defaultTemperature = 0.7

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and environment overrides. A missing default file is not
// an error; an explicitly named one is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && !isMemoryDSN(sqlite.DSN) && !filepath.IsAbs(sqlite.DSN) {
		sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
		cfg.Databases["sqlite3"] = sqlite
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ANIMEHOME_DB"); v != "" {
		cfg.BasicConfig.Database = v
	}
	if v := os.Getenv("ANIMEHOME_ADDR"); v != "" {
		cfg.BasicConfig.ServerAddress = v
	}
	if v := os.Getenv("ANIMEHOME_API_URL"); v != "" {
		cfg.Client.APIBaseURL = v
	}
	if v := os.Getenv("MODEL_PROVIDER"); v != "" {
		cfg.Generation.Provider = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.Generation.Model = v
	}
	if v := os.Getenv("MODEL_TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse MODEL_TEMPERATURE: %w", err)
		}
		cfg.Generation.Temperature = t
	}

	provider := cfg.Generation.Provider
	if provider == "" {
		provider = "openai"
	}
	prov := cfg.Providers[provider]
	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		prov.APIKey = v
	}
	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		prov.BaseURL = v
	}
	if prov != (ProviderConfig{}) {
		if cfg.Providers == nil {
			cfg.Providers = make(map[string]ProviderConfig)
		}
		cfg.Providers[provider] = prov
	}
	return nil
}

func applyDefaults(cfg *Config) {
	b := &cfg.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8000"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.StaticDir == "" {
		b.StaticDir = "static"
	}
	if b.PublicBaseURL == "" {
		b.PublicBaseURL = "http://localhost:8000"
	}
	b.PublicBaseURL = strings.TrimRight(b.PublicBaseURL, "/")
	if len(b.AllowedOrigins) == 0 {
		b.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://localhost:8000",
			"http://127.0.0.1:8000",
		}
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers * 4
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}

	if cfg.Databases == nil {
		cfg.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := cfg.Databases["sqlite3"]; !ok {
		cfg.Databases["sqlite3"] = DatabaseConfig{DSN: "data/animehome.db"}
	}

	g := &cfg.Generation
	if g.Provider == "" {
		g.Provider = "openai"
	}
	if g.Model == "" {
		g.Model = cfg.Providers[g.Provider].Model
	}
	if g.Model == "" {
		g.Model = "qwen-max"
	}
	if g.Temperature == 0 {
		g.Temperature = defaultTemperature
	}
	if g.StreamTimeout <= 0 {
		g.StreamTimeout = 120
	}

	c := &cfg.Client
	if c.APIBaseURL == "" {
		c.APIBaseURL = "http://127.0.0.1:8000"
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = 60
	}
	if c.Temperature == 0 {
		c.Temperature = g.Temperature
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.LogPath == "" {
		cfg.Log.LogPath = "logs"
	}
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:")
}
