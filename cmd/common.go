package cmd

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/auth"
	"github.com/livechat/internal/backend"
	"github.com/livechat/internal/config"
	"github.com/livechat/internal/conn"
	"github.com/livechat/internal/logging"
	"github.com/livechat/internal/notify"
	"github.com/livechat/internal/retry"
	"github.com/livechat/internal/session"
)

// tokenFlag overrides auth.token for a single invocation
var tokenFlag = &cli.StringFlag{
	Name:    "token",
	Aliases: []string{"t"},
	Usage:   "Operator access `TOKEN` (overrides auth.token)",
}

// loadConfig loads and validates the configuration and sets up logging
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Log.Level
	if c.Bool("verbose") {
		level = "debug"
	}
	if err := logging.Setup(level, cfg.Log.Format, c.App.ErrWriter); err != nil {
		return nil, err
	}
	if cfg.Source != "" {
		log.Debug().Str("path", cfg.Source).Msg("Loaded configuration")
	}
	return cfg, nil
}

// resolveToken picks the token from the flag or the config and warns
// about tokens that have visibly expired.
func resolveToken(c *cli.Context, cfg *config.Config) (string, error) {
	token := c.String("token")
	if token == "" {
		token = cfg.Auth.Token
	}
	if token == "" {
		return "", fmt.Errorf("no access token: set auth.token, LIVECHAT_AUTH_TOKEN or --token")
	}

	if info, err := auth.Inspect(token); err == nil {
		if info.Expired(time.Now()) {
			log.Warn().Time("expired_at", info.ExpiresAt).Msg("Access token has expired")
		}
	} else {
		log.Debug().Err(err).Msg("Token is not a JWT, using it as an opaque bearer")
	}
	return token, nil
}

func newBackendClient(cfg *config.Config) (*backend.Client, error) {
	return backend.NewClient(backend.Options{
		BaseURL:           cfg.Server.BaseURL,
		Timeout:           cfg.Server.Timeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	})
}

func newDialer(cfg *config.Config) (*conn.WebsocketDialer, error) {
	socketURL, err := conn.SocketURL(cfg.Server.BaseURL, cfg.Server.SocketPath)
	if err != nil {
		return nil, err
	}
	return &conn.WebsocketDialer{URL: socketURL}, nil
}

func sessionOptions(cfg *config.Config, client session.Backend, dialer conn.Dialer) session.Options {
	return session.Options{
		Backend:         client,
		Dialer:          dialer,
		ReconnectPolicy: retry.OneShot(cfg.Session.ReconnectDelay),
		SendQueue:       cfg.Session.SendQueue,
		HistoryTimeout:  cfg.Session.HistoryTimeout,
		SendTimeout:     cfg.Server.Timeout,
		AutoSelect:      cfg.Session.AutoSelect,
		Notifications: notify.Options{
			Capacity:      cfg.Notifications.Capacity,
			MaxBanners:    cfg.Notifications.MaxBanners,
			BannerTimeout: cfg.Notifications.BannerTimeout,
		},
		TranscriptDir: cfg.Log.TranscriptDir,
	}
}
