package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/metrics"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/pkg/models"
)

// EventProcessor 单事件处理
type EventProcessor interface {
	Process(ctx context.Context, ev *models.DecodedEvent) error
}

// SourceConfig Kafka 入站配置
type SourceConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topics  []string `mapstructure:"topics" yaml:"topics"`
	GroupID string   `mapstructure:"group_id" yaml:"group_id"`
	Oldest  bool     `mapstructure:"oldest" yaml:"oldest"`
}

// KafkaSource 通过消费者组读取已解码事件。分区内消息顺序处理
type KafkaSource struct {
	cfg       SourceConfig
	group     sarama.ConsumerGroup
	processor EventProcessor
	logger    *logrus.Logger
}

// NewKafkaSource 创建消费者组
func NewKafkaSource(cfg SourceConfig, processor EventProcessor, logger *logrus.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("Kafka 入站需要配置 brokers 和 topics")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "nft-indexer"
	}

	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	if cfg.Oldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		config.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}
	return NewKafkaSourceWithGroup(cfg, group, processor, logger), nil
}

// NewKafkaSourceWithGroup 使用已有消费者组
func NewKafkaSourceWithGroup(cfg SourceConfig, group sarama.ConsumerGroup, processor EventProcessor, logger *logrus.Logger) *KafkaSource {
	return &KafkaSource{cfg: cfg, group: group, processor: processor, logger: logger}
}

// Run 持续消费直到 ctx 取消
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Infof("开始消费Kafka topics: %v (group: %s)", s.cfg.Topics, s.cfg.GroupID)

	go func() {
		for err := range s.group.Errors() {
			s.logger.WithError(err).Warn("Kafka消费者错误")
		}
	}()

	handler := &groupHandler{processor: s.processor, logger: s.logger}
	for {
		if err := s.group.Consume(ctx, s.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.WithError(err).Error("Kafka消费失败")
		}
		if ctx.Err() != nil {
			s.logger.Info("Kafka消费已停止")
			return nil
		}
	}
}

// Close 关闭消费者组
func (s *KafkaSource) Close() error {
	return s.group.Close()
}

// groupHandler 实现 sarama.ConsumerGroupHandler
type groupHandler struct {
	processor EventProcessor
	logger    *logrus.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 逐条处理。处理失败的事件已记录在事件日志或死信队列中，
// 偏移量照常提交；只有 ctx 取消时不提交
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(session.Context(), msg) {
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// handle 返回 false 表示消息未处理完，不应提交
func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	var ev models.DecodedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		metrics.ConsumerMessages.WithLabelValues(msg.Topic, "invalid").Inc()
		h.logger.WithError(err).WithFields(logrus.Fields{
			"topic":     msg.Topic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Error("无法解析Kafka消息，跳过")
		return true
	}

	if err := h.processor.Process(ctx, &ev); err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.ConsumerMessages.WithLabelValues(msg.Topic, "failed").Inc()
		return true
	}
	metrics.ConsumerMessages.WithLabelValues(msg.Topic, "processed").Inc()
	return true
}
