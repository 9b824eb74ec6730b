package output

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	ierrors "github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/errors"
	"github.com/ZunoKit/zuno-marketplace-indexer-sub000/internal/retry"
)

const defaultDeadLetterTopic = "indexer_dead_letters"

// KafkaSink 死信写入 Kafka，消息键为死信键
type KafkaSink struct {
	logger   *logrus.Logger
	topic    string
	producer sarama.SyncProducer
}

// NewKafkaSink 创建 Kafka 死信输出
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) (*KafkaSink, error) {
	logger.Infof("初始化Kafka死信输出，brokers: %v, topic: %s", brokers, topic)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, ierrors.WrapError(err, ierrors.ErrorTypeKafka, ierrors.SeverityHigh,
			ierrors.ErrKafkaProduceFailed.Code, "创建Kafka生产者失败")
	}
	return NewKafkaSinkWithProducer(producer, topic, logger), nil
}

// NewKafkaSinkWithProducer 使用已有生产者
func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaSink {
	if topic == "" {
		topic = defaultDeadLetterTopic
	}
	return &KafkaSink{logger: logger, topic: topic, producer: producer}
}

// Publish 发送死信
func (k *KafkaSink) Publish(_ context.Context, dl *retry.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(dl.Key),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return ierrors.WrapError(err, ierrors.ErrorTypeKafka, ierrors.SeverityHigh,
			ierrors.ErrKafkaProduceFailed.Code, "发送死信到Kafka失败")
	}

	k.logger.Debugf("死信已发送到Kafka topic '%s' (partition: %d, offset: %d): %s",
		k.topic, partition, offset, dl.Key)
	return nil
}

// Close 关闭生产者
func (k *KafkaSink) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
