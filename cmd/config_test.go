package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/config"
)

func TestPrintConfigMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("LIVECHAT_AUTH_TOKEN", "eyJhbGciOiJIUzI1NiJ9.payload.sig")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	var out bytes.Buffer
	printConfig(&out, cfg)

	text := out.String()
	assert.Contains(t, text, "# source: built-in defaults and environment")
	assert.Contains(t, text, "server.base_url")
	assert.Contains(t, text, "http://localhost:8000")
	assert.Contains(t, text, "ey****ig")
	assert.NotContains(t, text, "payload")
	assert.NotContains(t, text, "livechat-dev-secret")
}

func TestMaskOptional(t *testing.T) {
	assert.Equal(t, "(unset)", maskOptional(""))
	assert.Equal(t, "****", maskOptional("short"))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport LIVECHAT_SERVER_BASE_URL=\"https://chat.example.com\"\nLIVECHAT_LOG_LEVEL='debug'\nnot a pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LIVECHAT_SERVER_BASE_URL", "")
	t.Setenv("LIVECHAT_LOG_LEVEL", "")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "https://chat.example.com", os.Getenv("LIVECHAT_SERVER_BASE_URL"))
	assert.Equal(t, "debug", os.Getenv("LIVECHAT_LOG_LEVEL"))

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing")))
}

func TestCheckRequiredConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.BaseURL = "http://chat.example.com"
	cfg.Server.SocketPath = "/ws/admin"

	result := CheckRequiredConfig(cfg)
	assert.Equal(t, []string{"auth.token"}, result.Missing)
	assert.Len(t, result.Warnings, 1)

	cfg.Auth.Token = "abcdefghijklmnop"
	result = CheckRequiredConfig(cfg)
	assert.Empty(t, result.Missing)
	assert.Equal(t, "ab****op", result.Present["auth.token"])

	var out bytes.Buffer
	PrintConfigCheck(&out, result)
	assert.Contains(t, out.String(), "All required configuration is present")
}
