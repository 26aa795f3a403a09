package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Bus     BusConfig     `mapstructure:"bus"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Layout  LayoutConfig  `mapstructure:"layout"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Analyze AnalyzeConfig `mapstructure:"analyze"`
	Segment SegmentConfig `mapstructure:"segment"`
	Parse   ParseConfig   `mapstructure:"parse"`
	API     APIConfig     `mapstructure:"api"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the record store. A postgres:// URL uses Postgres;
// anything else is a SQLite data directory.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BusConfig struct {
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	ParseQueue     string `mapstructure:"parse_queue"`
	AnalyzeQueue   string `mapstructure:"analyze_queue"`
	NotifyExchange string `mapstructure:"notify_exchange"`
}

type MailboxConfig struct {
	Provider string `mapstructure:"provider"`
	// Address is the monitored mailbox, used for recipient roles and as the
	// Graph user.
	Address  string `mapstructure:"address"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`

	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
}

type IngestConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	PageSize int           `mapstructure:"page_size"`
	MarkRead bool          `mapstructure:"mark_read"`
	Filter   string        `mapstructure:"filter"`
}

type BlobConfig struct {
	Driver           string        `mapstructure:"driver"`
	Dir              string        `mapstructure:"dir"`
	BaseURL          string        `mapstructure:"base_url"`
	SigningKey       string        `mapstructure:"signing_key"`
	ConnectionString string        `mapstructure:"connection_string"`
	Container        string        `mapstructure:"container"`
	URLTTL           time.Duration `mapstructure:"url_ttl"`
}

type LayoutConfig struct {
	Provider string `mapstructure:"provider"`
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

type LLMConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	AzureAPIVersion string `mapstructure:"azure_api_version"`
}

type AnalyzeConfig struct {
	Summarize       bool     `mapstructure:"summarize"`
	ArchiveCC       bool     `mapstructure:"archive_cc"`
	IdentifierHints []string `mapstructure:"identifier_hints"`
}

type SegmentConfig struct {
	Strategy          string  `mapstructure:"strategy"`
	TitleFraction     float64 `mapstructure:"title_fraction"`
	TitledConfidence  float64 `mapstructure:"titled_confidence"`
	UnknownConfidence float64 `mapstructure:"unknown_confidence"`
}

// ParseConfig lists the attachment kinds the Parse stage keeps. Extensions
// are given without the leading dot.
type ParseConfig struct {
	Extensions   []string `mapstructure:"extensions"`
	ContentTypes []string `mapstructure:"content_types"`
}

type APIConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

const envPrefix = "EMAIL_AGENT"

// Load reads configuration into v from path, or from email-agent.{yaml,toml,json}
// in the working directory or $XDG_CONFIG_HOME/email-agent when path is empty.
//
// Environment variables (EMAIL_AGENT_<SECTION>_<KEY>) override file values.
// Secrets still empty after that are looked up in the OS keyring.
func Load(v *viper.Viper, path string) (Config, error) {
	return loadWith(v, path, newSystemKeyring())
}

func loadWith(v *viper.Viper, path string, kr Keyring) (Config, error) {
	for key, def := range defaults(defaultDataDir()) {
		v.SetDefault(key, def)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("email-agent")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	for _, s := range specs {
		if !s.secret || v.GetString(s.key) != "" {
			continue
		}
		if val, err := kr.Get(s.key); err == nil && val != "" {
			v.Set(s.key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "email-agent-data"
		}
	}
	return filepath.Join(dir, "email-agent")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "email-agent")
}
