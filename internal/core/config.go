package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/crawlers"
	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 应用程序配置
type Config struct {
	Crawl       models.CrawlConfig `mapstructure:"crawl"`
	Credentials CredentialsConfig  `mapstructure:"credentials"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Progress    ProgressConfig     `mapstructure:"progress"`
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	HeadersFile string             `mapstructure:"headers_file"`

	// ConfigFile 实际读取的配置文件, 使用默认值时为空
	ConfigFile string `mapstructure:"-"`
}

// CredentialsConfig 接口凭据
type CredentialsConfig struct {
	// Sessdata 每次请求随机选取一个
	Sessdata []string `mapstructure:"sessdata"`
	APIBase  string   `mapstructure:"api_base"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ProgressConfig 任务进度日志配置
type ProgressConfig struct {
	MaxSize      int `mapstructure:"max_size"`      // MB
	MaxBackups   int `mapstructure:"max_backups"`
	HistoryLines int `mapstructure:"history_lines"` // 订阅时回放的行数
}

// ServerConfig 控制服务配置
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// LoadConfig 加载配置文件
// configPath 为空时依次搜索 ./configs、. 和 ~/.dmcrawl 下的 config.yaml, 找不到则使用默认值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dmcrawl"))
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	d := models.DefaultCrawlConfig()
	v.SetDefault("crawl.pool_cap", d.PoolCap)
	v.SetDefault("crawl.max_retries", d.MaxRetries)
	v.SetDefault("crawl.retry_min", d.RetryMin)
	v.SetDefault("crawl.retry_max", d.RetryMax)
	v.SetDefault("crawl.interval_min", d.IntervalMin)
	v.SetDefault("crawl.interval_max", d.IntervalMax)
	v.SetDefault("crawl.request_timeout", d.RequestTimeout)
	v.SetDefault("crawl.adaptive_step", d.AdaptiveStep)
	v.SetDefault("crawl.boundary_search", d.BoundarySearch)
	v.SetDefault("crawl.boundary_from_year", d.BoundaryFromYear)
	v.SetDefault("crawl.boundary_to_year", d.BoundaryToYear)
	v.SetDefault("crawl.fetch_special", d.FetchSpecial)
	v.SetDefault("crawl.earliest_date", d.EarliestDate)

	v.SetDefault("credentials.sessdata", []string{})
	v.SetDefault("credentials.api_base", crawlers.DefaultAPIBase)

	v.SetDefault("storage.data_dir", "data")

	v.SetDefault("progress.max_size", 5)
	v.SetDefault("progress.max_backups", 2)
	v.SetDefault("progress.history_lines", 200)

	v.SetDefault("server.addr", "127.0.0.1:8686")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	v.SetDefault("headers_file", "configs/headers.yaml")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := c.Crawl.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir 不能为空")
	}
	if c.Progress.MaxSize < 1 {
		return fmt.Errorf("progress.max_size 必须大于0")
	}
	if c.Progress.MaxBackups < 0 {
		return fmt.Errorf("progress.max_backups 不能为负数")
	}
	if c.Progress.HistoryLines < 0 {
		return fmt.Errorf("progress.history_lines 不能为负数")
	}
	return nil
}

// LogConfig 转换为日志初始化参数
func (c *Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Logging.Level,
		LogDir:     c.Logging.LogDir,
		MaxSize:    c.Logging.Rotation.MaxSize,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		MaxAge:     c.Logging.Rotation.MaxAge,
		Compress:   c.Logging.Rotation.Compress,
	}
}

// ClientConfig 转换为接口客户端参数
func (c *Config) ClientConfig() crawlers.ClientConfig {
	return crawlers.ClientConfig{
		APIBase:  c.Credentials.APIBase,
		Timeout:  time.Duration(c.Crawl.RequestTimeout) * time.Second,
		Sessdata: c.Credentials.Sessdata,
	}
}

// WatchCredentials 监听配置文件, credentials.sessdata 变更时回调
func WatchCredentials(configPath string, onChange func(sessdata []string)) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		sessdata := v.GetStringSlice("credentials.sessdata")
		utils.Infof("🔑 凭据已重新加载: %s (%d 个SESSDATA)", e.Name, len(sessdata))
		onChange(sessdata)
	})
	v.WatchConfig()
	return nil
}
