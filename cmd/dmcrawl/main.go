package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/core"
	"github.com/RecoveryAshes/dmcrawl/internal/crawlers"
	"github.com/RecoveryAshes/dmcrawl/internal/server"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// shutdownTimeout 退出时等待任务保存状态的时间
const shutdownTimeout = 30 * time.Second

// 命令行参数
var (
	// 全局参数
	configFile string
	verbose    bool
	logLevel   string
	dataDir    string

	// HTTP头部参数
	headers        []string // 自定义HTTP请求头
	validateConfig bool     // 验证配置文件

	// serve
	serveAddr string

	// 加载后的配置
	appConfig *core.Config
)

var rootCmd = &cobra.Command{
	Use:   "dmcrawl",
	Short: "历史弹幕自适应爬取工具",
	Long: `dmcrawl - 历史弹幕自适应爬取工具

从视频的发布日期 (或指定结束日期) 开始逐日向前爬取历史弹幕:
  • 按新增率自适应跳跃, 弹幕池饱和时自动回溯
  • 断点续爬, 状态保存在 data/{cid}/task.json
  • 弹幕按dmid去重入库 (SQLite)
  • 批量目标与HTTP/WebSocket控制服务
  • XML导出

示例:
  # 初始化任务并爬取
  dmcrawl init 123456 --from 2020-01-01
  dmcrawl run 123456

  # 按BV号初始化全部分P
  dmcrawl init --bvid BV17x411w7KC

  # 批量爬取
  dmcrawl run -f targets.txt --continue-on-error

  # 启动控制服务
  dmcrawl serve --addr 127.0.0.1:8686

  # 验证配置文件
  dmcrawl --validate-config

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		if dataDir != "" {
			config.Storage.DataDir = dataDir
		}

		// 初始化日志系统
		logConfig := config.LogConfig()
		if logLevel != "" {
			logConfig.Level = logLevel
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}
		if config.ConfigFile != "" {
			utils.Debugf("使用配置文件: %s", config.ConfigFile)
		}

		appConfig = config
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !validateConfig {
			return cmd.Help()
		}

		utils.Info("🔍 验证HTTP头部配置...")
		headerManager, err := newHeaderManager()
		if err != nil {
			return err
		}

		// 显示合并后的头部(脱敏)
		safeHeaders := headerManager.GetSafeHeaders()
		utils.Info("✅ 配置验证通过!")
		utils.Infof("当前有效的HTTP头部 (%d个):", len(safeHeaders))
		for name, value := range safeHeaders {
			utils.Infof("  %s: %s", name, value)
		}
		utils.Infof("SESSDATA数量: %d", len(appConfig.Credentials.Sessdata))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动HTTP/WebSocket控制服务",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := appConfig.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		orchestrator, client, err := newOrchestrator()
		if err != nil {
			return err
		}

		// 凭据热更新
		if appConfig.ConfigFile != "" {
			if err := core.WatchCredentials(appConfig.ConfigFile, client.SetSessdata); err != nil {
				utils.Warnf("无法监听配置文件, 凭据热更新已禁用: %v", err)
			}
		}

		ctx, stop := interruptContext()
		defer stop()

		srv := server.New(orchestrator, addr)
		errChan := make(chan error, 1)
		go func() {
			errChan <- srv.Start()
		}()

		var serveErr error
		select {
		case serveErr = <-errChan:
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.Warnf("关闭控制服务失败: %v", err)
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			utils.Warnf("等待任务退出超时: %v", err)
		}
		return serveErr
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dmcrawl %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// newHeaderManager 创建并验证头部管理器
func newHeaderManager() (*core.HeaderManager, error) {
	headerManager, err := core.NewHeaderManager(appConfig.HeadersFile, headers)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP头部管理器失败: %w", err)
	}
	if err := headerManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := headerManager.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return headerManager, nil
}

// newOrchestrator 创建接口客户端与任务编排器
func newOrchestrator() (*core.Orchestrator, *crawlers.Client, error) {
	headerManager, err := newHeaderManager()
	if err != nil {
		return nil, nil, err
	}
	client := crawlers.NewClient(appConfig.ClientConfig(), headerManager)
	return core.NewOrchestrator(appConfig, client), client, nil
}

// interruptContext 收到 Ctrl+C 或 SIGTERM 时取消
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "数据目录 (覆盖配置文件)")

	// HTTP头部参数
	rootCmd.PersistentFlags().StringSliceVarP(&headers, "header", "H", []string{}, "自定义HTTP头部,格式: 'Name: Value',可多次指定")
	rootCmd.Flags().BoolVar(&validateConfig, "validate-config", false, "验证配置文件正确性")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "监听地址 (默认取配置 server.addr)")

	// 添加子命令
	rootCmd.AddCommand(initCmd, runCmd, serveCmd, statusCmd, setStateCmd, exportCmd, deleteCmd, partsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
