// Package audit 提供了面向外部审计/评估系统的事件发射器。
//
// 发射是 fire-and-forget 的：失败只记录日志，绝不向上游传播，
// 用户可见的查询流程不会因为审计链路故障而失败。
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ragflow-go/internal/config"
	"ragflow-go/pkg/log"
)

// 管道发射的审计动作。
const (
	ActionRetrievalQuery   = "retrieval_query"
	ActionEvaluationShadow = "evaluation_shadow_log"
)

// Event 是发送给审计/评估协作方的事件载荷。
type Event struct {
	TenantID   string                 `json:"tenant_id"`
	Action     string                 `json:"action"`
	ResourceID string                 `json:"resource_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Logger 定义了审计事件发射接口。
type Logger interface {
	Log(ctx context.Context, event Event)
}

type kafkaLogger struct {
	writer *kafka.Writer
}

// NewKafkaLogger 创建一个把审计事件写入 Kafka 的发射器。
func NewKafkaLogger(cfg config.KafkaConfig) Logger {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &kafkaLogger{writer: writer}
}

// Log 发送一条审计事件，失败时仅记录日志。
func (l *kafkaLogger) Log(ctx context.Context, event Event) {
	event.CreatedAt = time.Now()
	eventBytes, err := json.Marshal(event)
	if err != nil {
		log.Errorf("序列化审计事件失败: %v", err)
		return
	}

	// 审计链路不应拖慢查询，写入带独立超时
	writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = l.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.TenantID),
		Value: eventBytes,
	})
	if err != nil {
		log.Warnf("写入审计事件失败 (action=%s, tenant=%s): %v", event.Action, event.TenantID, err)
	}
}

// NopLogger 丢弃所有事件，用于测试或禁用审计的部署。
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event Event) {}
