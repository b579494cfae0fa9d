package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/config"
)

// EnvCommand returns the command that reports the effective settings
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:   "env",
		Usage:  "Show the effective connection settings with secrets masked",
		Action: runEnv,
	}
}

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are missing
	Present  map[string]string // Settings that are set (secrets masked)
	Warnings []string          // Non-fatal warnings
	Source   string            // Config file in use, empty for defaults only
}

// CheckRequiredConfig reports which settings a chat session needs and
// which of them are present
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
		Source:   cfg.Source,
	}

	result.Present["server.base_url"] = cfg.Server.BaseURL
	result.Present["server.socket_path"] = cfg.Server.SocketPath

	if cfg.Auth.Token == "" {
		result.Missing = append(result.Missing, "auth.token")
	} else {
		result.Present["auth.token"] = maskSecret(cfg.Auth.Token)
	}

	if strings.HasPrefix(cfg.Server.BaseURL, "http://") && !strings.Contains(cfg.Server.BaseURL, "localhost") {
		result.Warnings = append(result.Warnings, "server.base_url is not using TLS")
	}

	// Environment overrides in effect
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, config.EnvPrefix) {
			continue
		}
		key := config.EnvKey(name)
		if strings.Contains(key, "token") || strings.Contains(key, "secret") {
			value = maskSecret(value)
		}
		result.Present[key+" (env)"] = value
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(w io.Writer, result *ConfigCheckResult) {
	fmt.Fprintln(w, "=== Configuration Check ===")

	if result.Source != "" {
		fmt.Fprintf(w, "Config file: %s\n", result.Source)
	} else {
		fmt.Fprintln(w, "Config file: none (defaults and environment)")
	}

	fmt.Fprintln(w, "")

	if len(result.Missing) > 0 {
		fmt.Fprintln(w, "❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Fprintf(w, "   - %s\n", v)
		}
		fmt.Fprintln(w, "")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(w, "✓ Configured settings:")
		for _, k := range keys {
			fmt.Fprintf(w, "   - %s = %s\n", k, result.Present[k])
		}
		fmt.Fprintln(w, "")
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "⚠ Warning: %s\n", warning)
	}

	if len(result.Missing) == 0 {
		fmt.Fprintln(w, "✓ All required configuration is present")
	}

	fmt.Fprintln(w, "============================")
}

func runEnv(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	PrintConfigCheck(c.App.Writer, CheckRequiredConfig(cfg))
	return nil
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
