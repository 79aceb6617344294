package utils

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogConfig(dir, level string) LogConfig {
	return LogConfig{
		Level:      level,
		LogDir:     dir,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   false,
		Console:    io.Discard,
	}
}

func TestInitLogger(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, InitLogger(testLogConfig(tempDir, "debug")))
	t.Cleanup(func() { Logger = zerolog.Nop() })

	Info("测试信息日志")
	Warnf("测试警告日志: %d", 1)
	Debug("测试调试日志")

	content, err := os.ReadFile(filepath.Join(tempDir, "dmcrawl.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "测试信息日志")
	assert.Contains(t, string(content), "测试调试日志")
}

func TestLogLevels(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, InitLogger(testLogConfig(tempDir, "info")))
	t.Cleanup(func() { Logger = zerolog.Nop() })
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	Infof("格式化信息日志: %s", "测试")
	Debugf("调试日志不应写入: %v", true)

	content, err := os.ReadFile(filepath.Join(tempDir, "dmcrawl.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "格式化信息日志")
	assert.NotContains(t, string(content), "调试日志不应写入")
}

func TestErrorLogOnlyReceivesErrors(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, InitLogger(testLogConfig(tempDir, "info")))
	t.Cleanup(func() { Logger = zerolog.Nop() })

	Info("普通信息")
	Error(errors.New("boom"), "出现错误")

	content, err := os.ReadFile(filepath.Join(tempDir, "dmcrawl_error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "出现错误")
	assert.NotContains(t, string(content), "普通信息")
}

func TestConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	config := testLogConfig("", "warn")
	config.Console = &buf
	require.NoError(t, InitLogger(config))
	t.Cleanup(func() { Logger = zerolog.Nop() })
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.TraceLevel) })

	Info("不应输出")
	Warnf("控制台警告 %d", 7)

	assert.Contains(t, buf.String(), "控制台警告 7")
	assert.NotContains(t, buf.String(), "不应输出")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestFilteredWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &FilteredWriter{Writer: &buf, MinLevel: zerolog.ErrorLevel}

	n, err := w.WriteLevel(zerolog.InfoLevel, []byte("info"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Empty(t, buf.String())

	_, err = w.WriteLevel(zerolog.ErrorLevel, []byte("error"))
	require.NoError(t, err)
	assert.Equal(t, "error", buf.String())
}

func TestDefaultLogConfig(t *testing.T) {
	config := DefaultLogConfig()
	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "logs", config.LogDir)
	assert.Equal(t, 10, config.MaxSize)
	assert.Equal(t, 3, config.MaxBackups)
	assert.Equal(t, 28, config.MaxAge)
	assert.True(t, config.Compress)
}
