// Package output 死信镜像输出：Kafka 或 JSON-lines 文件
package output

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
)

// 输出格式
const (
	FormatNone  = "none"
	FormatFile  = "file"
	FormatKafka = "kafka"
)

// SinkConfig 死信输出配置
type SinkConfig struct {
	Format  string   `mapstructure:"format" yaml:"format"`
	Path    string   `mapstructure:"path" yaml:"path"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// NewSink 按配置创建死信输出，format 为空或 none 时返回 nil
func NewSink(cfg SinkConfig, logger *logrus.Logger) (retry.DeadLetterSink, error) {
	switch cfg.Format {
	case "", FormatNone:
		return nil, nil
	case FormatFile:
		sink, err := NewFileSink(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case FormatKafka:
		sink, err := NewKafkaSink(cfg.Brokers, cfg.Topic, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("不支持的死信输出格式: %s", cfg.Format)
	}
}
