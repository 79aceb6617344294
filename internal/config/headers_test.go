package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderConfigLoader_LoadConfig(t *testing.T) {
	t.Run("文件不存在时生成模板", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "configs", "headers.yaml")
		loader := NewHeaderConfigLoader(configPath)

		cfg, err := loader.LoadConfig()
		require.NoError(t, err)

		_, statErr := os.Stat(configPath)
		require.NoError(t, statErr)
		assert.Equal(t, "https://www.bilibili.com/", cfg.Headers["referer"])
		assert.NotNil(t, cfg.Cookies)
	})

	t.Run("读取自定义头部与Cookie", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "headers.yaml")
		content := "headers:\n  X-Test: \"abc\"\ncookies:\n  buvid3: \"xyz\"\n"
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := NewHeaderConfigLoader(configPath).LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "abc", cfg.Headers["x-test"])
		assert.Equal(t, "buvid3=xyz", cfg.CookieHeader())
	})

	t.Run("空文件", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "headers.yaml")
		require.NoError(t, os.WriteFile(configPath, nil, 0644))

		cfg, err := NewHeaderConfigLoader(configPath).LoadConfig()
		require.NoError(t, err)
		assert.Empty(t, cfg.Headers)
		assert.Empty(t, cfg.Cookies)
	})

	t.Run("YAML格式错误", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "headers.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("headers: [unclosed"), 0644))

		_, err := NewHeaderConfigLoader(configPath).LoadConfig()
		var cfgErr *models.ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("文件过大", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "headers.yaml")
		big := "# " + strings.Repeat("x", MaxConfigFileSize) + "\n"
		require.NoError(t, os.WriteFile(configPath, []byte(big), 0644))

		_, err := NewHeaderConfigLoader(configPath).LoadConfig()
		assert.ErrorContains(t, err, "配置文件过大")
	})
}

func TestNewHeaderConfigLoader_DefaultPath(t *testing.T) {
	assert.Equal(t, DefaultConfigFile, NewHeaderConfigLoader("").Path())
}
