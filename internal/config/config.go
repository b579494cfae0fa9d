package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "LIVECHAT_"

// Config represents the application configuration
type Config struct {
	Server struct {
		BaseURL           string        `koanf:"base_url"`
		SocketPath        string        `koanf:"socket_path"`
		Timeout           time.Duration `koanf:"timeout"`
		RequestsPerSecond float64       `koanf:"requests_per_second"`
		Burst             int           `koanf:"burst"`
	} `koanf:"server"`

	Auth struct {
		Token string `koanf:"token"`
	} `koanf:"auth"`

	Session struct {
		ReconnectDelay time.Duration `koanf:"reconnect_delay"`
		HistoryTimeout time.Duration `koanf:"history_timeout"`
		AutoSelect     bool          `koanf:"auto_select"`
		SendQueue      int           `koanf:"send_queue"`
	} `koanf:"session"`

	Notifications struct {
		Capacity      int           `koanf:"capacity"`
		MaxBanners    int           `koanf:"max_banners"`
		BannerTimeout time.Duration `koanf:"banner_timeout"`
	} `koanf:"notifications"`

	Log struct {
		Level         string `koanf:"level"`
		Format        string `koanf:"format"`
		TranscriptDir string `koanf:"transcript_dir"`
	} `koanf:"log"`

	Devserver struct {
		Port      int    `koanf:"port"`
		JWTSecret string `koanf:"jwt_secret"`
	} `koanf:"devserver"`

	// Source is the config file that was loaded, empty when none was
	Source string `koanf:"-"`
}

// Defaults returns the built-in configuration values
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.base_url":              "http://localhost:8000",
		"server.socket_path":           "/ws/admin",
		"server.timeout":               "10s",
		"server.requests_per_second":   5.0,
		"server.burst":                 5,
		"session.reconnect_delay":      "5s",
		"session.history_timeout":      "15s",
		"session.auto_select":          true,
		"session.send_queue":           16,
		"notifications.capacity":       50,
		"notifications.max_banners":    3,
		"notifications.banner_timeout": "5s",
		"log.level":                    "info",
		"log.format":                   "console",
		"devserver.port":               8000,
		"devserver.jwt_secret":         "livechat-dev-secret",
	}
}

// DefaultPaths are searched, in order, when no config path is given
var DefaultPaths = []string{"./livechat.toml", "$HOME/.livechat.toml"}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	source := ""
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		source = configPath
	} else {
		for _, path := range DefaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					source = path
					break
				}
			}
		}
	}

	// Environment overrides: LIVECHAT_SERVER_BASE_URL -> server.base_url
	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	config.Source = source

	return &config, nil
}

// EnvKey maps an environment variable name to a config key. The first
// underscore after the prefix separates the section from the key.
func EnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# LiveChat Configuration

[server]
base_url = "http://localhost:8000"
socket_path = "/ws/admin"
timeout = "10s"
requests_per_second = 5
burst = 5

[auth]
# Operator access token; LIVECHAT_AUTH_TOKEN also works
token = ""

[session]
reconnect_delay = "5s"
history_timeout = "15s"
auto_select = true
send_queue = 16

[notifications]
capacity = 50
max_banners = 3
banner_timeout = "5s"

[log]
level = "info"
format = "console"
# transcript_dir = "chat_logs"

[devserver]
port = 8000
jwt_secret = "change-me"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(config.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid server.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https")
	}
	if !strings.HasPrefix(config.Server.SocketPath, "/") {
		return fmt.Errorf("server.socket_path must start with /")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"server.timeout", config.Server.Timeout},
		{"session.reconnect_delay", config.Session.ReconnectDelay},
		{"session.history_timeout", config.Session.HistoryTimeout},
		{"notifications.banner_timeout", config.Notifications.BannerTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}

	if config.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must not be negative")
	}
	if config.Session.SendQueue < 1 {
		return fmt.Errorf("session.send_queue must be at least 1")
	}
	if config.Notifications.Capacity < 1 {
		return fmt.Errorf("notifications.capacity must be at least 1")
	}
	if config.Notifications.MaxBanners < 1 {
		return fmt.Errorf("notifications.max_banners must be at least 1")
	}

	switch config.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}

	return nil
}
