package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Reply   ReplyConfig
	Mail    MailConfig
	Worker  WorkerConfig
	Dedup   DedupConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port       int
	AdminToken string
}

type StorageConfig struct {
	DataDir string
}

type ReplyConfig struct {
	APIKey  string
	Model   string
	BaseURL string // empty means the provider default
}

type MailConfig struct {
	APIKey      string
	FromAddress string
	FromName    string
	Domain      string // Message-ID domain for outbound mail
	BaseURL     string // empty means the provider default
}

type WorkerConfig struct {
	PollInterval time.Duration
}

type DedupConfig struct {
	Window time.Duration
	TTL    time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Reply: ReplyConfig{
			Model: "anthropic/claude-3.5-haiku",
		},
		Mail: MailConfig{
			FromName: "Quillpost",
			Domain:   "mail.quillpost.app",
		},
		Worker: WorkerConfig{
			PollInterval: 10 * time.Second,
		},
		Dedup: DedupConfig{
			Window: 10 * time.Minute,
			TTL:    24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".mailroom")
}

// Load reads configuration from a .env file (if present) and MAILROOM_*
// environment variables layered over the defaults. Env vars win over the
// .env file, which godotenv guarantees by never overriding existing vars.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if v := getenv("MAILROOM_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MAILROOM_PORT %q: %w", v, err)
		}
		cfg.Server.Port = p
	}
	if v := getenv("MAILROOM_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := getenv("MAILROOM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("MAILROOM_OPENROUTER_API_KEY"); v != "" {
		cfg.Reply.APIKey = v
	}
	if v := getenv("MAILROOM_REPLY_MODEL"); v != "" {
		cfg.Reply.Model = v
	}
	if v := getenv("MAILROOM_REPLY_BASE_URL"); v != "" {
		cfg.Reply.BaseURL = v
	}
	if v := getenv("MAILROOM_SENDGRID_API_KEY"); v != "" {
		cfg.Mail.APIKey = v
	}
	if v := getenv("MAILROOM_FROM_ADDRESS"); v != "" {
		cfg.Mail.FromAddress = v
	}
	if v := getenv("MAILROOM_FROM_NAME"); v != "" {
		cfg.Mail.FromName = v
	}
	if v := getenv("MAILROOM_MAIL_DOMAIN"); v != "" {
		cfg.Mail.Domain = v
	}
	if v := getenv("MAILROOM_MAIL_BASE_URL"); v != "" {
		cfg.Mail.BaseURL = v
	}
	if v := getenv("MAILROOM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	var err error
	if cfg.Worker.PollInterval, err = durationEnv(getenv, "MAILROOM_POLL_INTERVAL", cfg.Worker.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.Dedup.Window, err = durationEnv(getenv, "MAILROOM_DEDUP_WINDOW", cfg.Dedup.Window); err != nil {
		return Config{}, err
	}
	if cfg.Dedup.TTL, err = durationEnv(getenv, "MAILROOM_DEDUP_TTL", cfg.Dedup.TTL); err != nil {
		return Config{}, err
	}

	if cfg.Reply.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: set MAILROOM_OPENROUTER_API_KEY")
	}
	if cfg.Mail.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: set MAILROOM_SENDGRID_API_KEY")
	}
	if cfg.Mail.FromAddress == "" {
		return Config{}, fmt.Errorf("missing required config: set MAILROOM_FROM_ADDRESS")
	}
	if cfg.Server.AdminToken == "" {
		return Config{}, fmt.Errorf("missing required config: set MAILROOM_ADMIN_TOKEN")
	}

	return cfg, nil
}

func durationEnv(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
