package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "https://builder.empromptu.ai/api_tools", cfg.Remote.BaseURL)
	assert.Equal(t, "v1", cfg.Remote.PromptVersion)
	assert.Equal(t, 60*time.Second, cfg.TimeoutDuration())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Remote.Token)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	opt, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, opt)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("remote:\n  base_url: http://localhost:9000\n  app_id: app-7\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.Remote.BaseURL)
	assert.Equal(t, "app-7", cfg.Remote.AppID)
	assert.Equal(t, "v1", cfg.Remote.PromptVersion)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	body := "[remote]\nbase_url = \"https://example.test/api\"\nrate_per_second = 5.0\n\n[watch]\ninbox = \"drop\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, TOMLFileName), []byte(body), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/api", cfg.Remote.BaseURL)
	assert.Equal(t, 5.0, cfg.Remote.RatePerSecond)
	assert.Equal(t, "drop", cfg.Watch.Inbox)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"scheme":   "remote:\n  base_url: ftp://x\n",
		"prompt":   "remote:\n  prompt_version: v9\n",
		"timeout":  "remote:\n  timeout: soon\n",
		"rate":     "remote:\n  rate_per_second: -1\n",
		"basepath": "server:\n  base_path: v0\n",
		"webhook":  "webhooks:\n  - url: not-a-url\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(body))
			assert.Error(t, err)
		})
	}
	_, err := FromYAML([]byte("remote: [oops"))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestWebhooksParse(t *testing.T) {
	cfg, err := FromYAML([]byte("webhooks:\n  - url: https://hooks.test/okr\n    events: [run.ready, run.failed]\n    secret: s3\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"run.ready", "run.failed"}, cfg.Webhooks[0].Events)
	assert.Equal(t, "s3", cfg.Webhooks[0].Secret)
	assert.Nil(t, cfg.Webhooks[0].Enabled)
}
