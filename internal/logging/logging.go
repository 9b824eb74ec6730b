package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`                   // 日志级别 (debug, info, warn, error)
	Format     string `mapstructure:"format" json:"format" yaml:"format"`                // 日志格式 (json, text)
	Output     string `mapstructure:"output" json:"output" yaml:"output"`                // 输出路径 (stdout, stderr, file path)
	BufferSize int    `mapstructure:"buffer_size" json:"buffer_size" yaml:"buffer_size"` // 内存中保留的最近日志条数，0 表示不保留
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		BufferSize: 1000,
	}
}

// New 按配置创建 logrus 日志器
func New(cfg *LogConfig) (*logrus.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", cfg.Level, err)
	}

	writer, err := getLogWriter(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch cfg.Format {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", cfg.Format)
	}
	return logger, nil
}

// getLogWriter 获取日志输出
func getLogWriter(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, nil
	}
}

// EventFields 事件的标准日志字段
func EventFields(ev *models.DecodedEvent) logrus.Fields {
	return logrus.Fields{
		"component": "event_processor",
		"event":     ev.EventName,
		"contract":  ev.ContractAddress,
		"chain_id":  ev.ChainID,
		"block":     ev.BlockNumber,
		"tx_hash":   ev.TransactionHash,
		"log_index": ev.LogIndex,
	}
}

// EventLogger 事件处理专用日志器
func EventLogger(logger *logrus.Logger, ev *models.DecodedEvent) *logrus.Entry {
	return logger.WithFields(EventFields(ev))
}
