package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, models.DefaultCrawlConfig(), cfg.Crawl)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, 5, cfg.Progress.MaxSize)
	assert.Equal(t, 2, cfg.Progress.MaxBackups)
	assert.Equal(t, "https://api.bilibili.com", cfg.Credentials.APIBase)
	assert.Equal(t, "configs/headers.yaml", cfg.HeadersFile)
}

func TestLoadConfig(t *testing.T) {
	t.Run("文件覆盖默认值", func(t *testing.T) {
		path := writeConfigFile(t, `
crawl:
  pool_cap: 1000
  interval_min: 1
  interval_max: 2
credentials:
  sessdata: ["a", "b"]
storage:
  data_dir: /tmp/dm
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 1000, cfg.Crawl.PoolCap)
		assert.Equal(t, 1.0, cfg.Crawl.IntervalMin)
		assert.Equal(t, 5, cfg.Crawl.MaxRetries)
		assert.Equal(t, []string{"a", "b"}, cfg.Credentials.Sessdata)
		assert.Equal(t, "/tmp/dm", cfg.Storage.DataDir)
		assert.Equal(t, path, cfg.ConfigFile)

		client := cfg.ClientConfig()
		assert.Equal(t, []string{"a", "b"}, client.Sessdata)
		assert.Equal(t, "10s", client.Timeout.String())
	})

	t.Run("配置无效", func(t *testing.T) {
		path := writeConfigFile(t, "crawl:\n  interval_min: 9\n  interval_max: 1\n")
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "请求间隔区间无效")
	})

	t.Run("指定文件不存在", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("YAML格式错误", func(t *testing.T) {
		path := writeConfigFile(t, "crawl: [")
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "读取配置文件失败")
	})
}

func TestConfig_LogConfig(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{
		Level:    "debug",
		LogDir:   "l",
		Rotation: RotationConfig{MaxSize: 1, MaxBackups: 2, MaxAge: 3, Compress: true},
	}}
	lc := cfg.LogConfig()
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "l", lc.LogDir)
	assert.Equal(t, 1, lc.MaxSize)
	assert.Equal(t, 2, lc.MaxBackups)
	assert.Equal(t, 3, lc.MaxAge)
	assert.True(t, lc.Compress)
}

func TestWatchCredentials_MissingFile(t *testing.T) {
	err := WatchCredentials(filepath.Join(t.TempDir(), "missing.yaml"), func([]string) {})
	assert.Error(t, err)
}
