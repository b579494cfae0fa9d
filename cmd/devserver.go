package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/devserver"
)

// DevserverCommand returns the CLI command for starting the development backend
func DevserverCommand() *cli.Command {
	return &cli.Command{
		Name:  "devserver",
		Usage: "Start an in-memory chat backend for local development",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the development backend (default devserver.port)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			port := cfg.Devserver.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			server, err := devserver.NewServer(devserver.Options{
				Port:   port,
				Secret: cfg.Devserver.JWTSecret,
			})
			if err != nil {
				return err
			}

			token, err := server.DevToken()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Starting development backend on port %d...\n", port)
			fmt.Fprintf(c.App.Writer, "Operator token:\n  export LIVECHAT_AUTH_TOKEN=%s\n", token)
			fmt.Fprintf(c.App.Writer, "Simulate a user message:\n  curl -X POST localhost:%d/dev/inject -H 'Content-Type: application/json' -d '{\"sender_id\": 42, \"content\": \"hello\"}'\n", port)

			return server.Start(c.Context)
		},
	}
}
