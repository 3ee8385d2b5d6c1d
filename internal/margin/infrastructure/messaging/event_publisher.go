// Package messaging 将交易核心的领域事件发布到 Kafka
package messaging

import (
	"context"

	"github.com/wyfcoding/margintrading/internal/margin/domain"
	"github.com/wyfcoding/margintrading/pkg/logger"
	"github.com/wyfcoding/margintrading/pkg/mq"
)

// KafkaEventPublisher 以用户 ID 为分区键发布事件，同一用户的事件保持顺序
type KafkaEventPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaEventPublisher 创建发布者
func NewKafkaEventPublisher(producer *mq.KafkaProducer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

// Publish 实现 domain.EventPublisher
func (p *KafkaEventPublisher) Publish(ctx context.Context, event domain.Event) error {
	return p.producer.SendMessage(ctx, p.topic, event.UserID, event)
}

// LogEventPublisher 未配置 Kafka 时只记录事件
type LogEventPublisher struct{}

// Publish 实现 domain.EventPublisher
func (LogEventPublisher) Publish(ctx context.Context, event domain.Event) error {
	logger.Debug(ctx, "domain event", "type", event.Type, "user_id", event.UserID)
	return nil
}
