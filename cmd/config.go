package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a sample configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write the sample to `FILE`",
						Value:   "livechat.toml",
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Load and check the effective configuration",
				Action: runConfigValidate,
			},
			{
				Name:   "show",
				Usage:  "Print the effective configuration with secrets masked",
				Action: runConfigShow,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	path := c.String("output")

	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}

	if err := config.InitConfig(path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Wrote sample configuration to %s\n", path)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Configuration is valid (%s)\n", configSource(cfg))
	if cfg.Auth.Token == "" {
		fmt.Fprintln(c.App.Writer, "Note: auth.token is empty; chat and roster need --token")
	}
	return nil
}

func runConfigShow(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	printConfig(c.App.Writer, cfg)
	return nil
}

func configSource(cfg *config.Config) string {
	if cfg.Source == "" {
		return "built-in defaults and environment"
	}
	return cfg.Source
}

// printConfig lists every key in file order
func printConfig(w io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "# source: %s\n", configSource(cfg))
	rows := []struct {
		key   string
		value interface{}
	}{
		{"server.base_url", cfg.Server.BaseURL},
		{"server.socket_path", cfg.Server.SocketPath},
		{"server.timeout", cfg.Server.Timeout},
		{"server.requests_per_second", cfg.Server.RequestsPerSecond},
		{"server.burst", cfg.Server.Burst},
		{"auth.token", maskOptional(cfg.Auth.Token)},
		{"session.reconnect_delay", cfg.Session.ReconnectDelay},
		{"session.history_timeout", cfg.Session.HistoryTimeout},
		{"session.auto_select", cfg.Session.AutoSelect},
		{"session.send_queue", cfg.Session.SendQueue},
		{"notifications.capacity", cfg.Notifications.Capacity},
		{"notifications.max_banners", cfg.Notifications.MaxBanners},
		{"notifications.banner_timeout", cfg.Notifications.BannerTimeout},
		{"log.level", cfg.Log.Level},
		{"log.format", cfg.Log.Format},
		{"log.transcript_dir", cfg.Log.TranscriptDir},
		{"devserver.port", cfg.Devserver.Port},
		{"devserver.jwt_secret", maskOptional(cfg.Devserver.JWTSecret)},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r.key, r.value)
	}
}

func maskOptional(value string) string {
	if value == "" {
		return "(unset)"
	}
	return maskSecret(value)
}
