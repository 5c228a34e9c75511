package ingest

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	"github.com/lk2023060901/messenger-relay-go/pkg/metrics"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// Record 为从消息总线取到的一条原始记录。
type Record struct {
	Key   []byte
	Value []byte
}

// RecordReader 抽象对单个 topic 的顺序消费。
// 生产实现基于 kafka-go 的消费组，测试使用内存实现。
type RecordReader interface {
	// ReadRecord 阻塞读取下一条记录，ctx 取消时返回其错误。
	ReadRecord(ctx context.Context) (Record, error)
	Close() error
}

// Config 为消息总线消费配置。
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group-id"`
	// ChatTopic 承载聊天事件，按 chatId 作为记录 key 分区。
	ChatTopic string `mapstructure:"chat-topic"`
	// NotificationTopic 承载定向通知（好友请求等）。
	NotificationTopic string `mapstructure:"notification-topic"`
}

func (cfg *Config) fillDefaults() {
	if cfg.GroupID == "" {
		cfg.GroupID = "messenger-relay"
	}
	if cfg.ChatTopic == "" {
		cfg.ChatTopic = "chat-messages"
	}
	if cfg.NotificationTopic == "" {
		cfg.NotificationTopic = "websocket-notifications"
	}
}

// kafkaReader 是 RecordReader 的 kafka-go 实现。
type kafkaReader struct {
	inner *kafka.Reader
}

// NewKafkaReader 创建基于消费组的 topic 读取器。
// 同一 chatId 的记录落在同一分区，组内顺序消费即可保证单聊天内有序。
func NewKafkaReader(cfg Config, topic string) RecordReader {
	return &kafkaReader{
		inner: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: time.Second,
		}),
	}
}

func (r *kafkaReader) ReadRecord(ctx context.Context) (Record, error) {
	msg, err := r.inner.ReadMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: msg.Key, Value: msg.Value}, nil
}

func (r *kafkaReader) Close() error {
	return r.inner.Close()
}

// NewChatReader 创建聊天事件 topic 的读取器。
func NewChatReader(cfg Config) RecordReader {
	cfg.fillDefaults()
	return NewKafkaReader(cfg, cfg.ChatTopic)
}

// NewNotificationReader 创建定向通知 topic 的读取器。
func NewNotificationReader(cfg Config) RecordReader {
	cfg.fillDefaults()
	return NewKafkaReader(cfg, cfg.NotificationTopic)
}

// HandlerFunc 处理一条记录。返回错误表示该记录被丢弃，
// 消费循环继续推进，绝不因单条记录停摆。
type HandlerFunc func(ctx context.Context, rec Record) error

// Consumer 驱动单个 topic 的消费循环。
//
// 故障模型：
//   - 处理失败（含 panic）只丢弃当前记录并记录日志；
//   - 读取失败按指数退避重试，避免 broker 故障时空转；
//   - 读取器被外部关闭属于不可恢复，循环带原因退出；
//   - ctx 取消后处理完在途记录、关闭底层读取器、返回。
type Consumer struct {
	log.Binder

	topic  string
	reader RecordReader
	handle HandlerFunc
}

func NewConsumer(topic string, reader RecordReader, handle HandlerFunc) *Consumer {
	return &Consumer{
		topic:  topic,
		reader: reader,
		handle: handle,
	}
}

// Run 阻塞消费直到 ctx 取消，此时返回 nil。
// 读取器被外部关闭等无法继续的情况返回 ErrIngestStopped。
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // 一直重试，消费循环没有放弃这回事。

	// broker 故障期间每轮重试都会告警，按 topic 限流。
	lg := c.Logger().With(zap.String("topic", c.topic)).
		WithRateGroup("ingest."+c.topic, 1, 60)
	lg.Info("consumer started")
	for {
		rec, err := c.reader.ReadRecord(ctx)
		if err != nil {
			if ctx.Err() != nil {
				lg.Info("consumer stopped")
				return nil
			}
			// kafka-go 的读取器关闭后返回 io.ErrClosedPipe，重试没有意义。
			if errors.IsAny(err, io.EOF, io.ErrClosedPipe) {
				lg.Warn("reader closed", zap.Error(err))
				return merr.WrapErrIngestStopped(c.topic)
			}
			wait := bo.NextBackOff()
			lg.RatedWarn(1, "read record",
				zap.Duration("retryIn", wait),
				zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				lg.Info("consumer stopped")
				return nil
			}
		}
		bo.Reset()

		if err := c.process(ctx, rec); err != nil {
			metrics.IngestRecords.WithLabelValues(c.topic, metrics.ResultDropped).Inc()
			lg.Warn("record dropped",
				zap.ByteString("key", rec.Key),
				zap.Error(err))
			continue
		}
		metrics.IngestRecords.WithLabelValues(c.topic, metrics.ResultOK).Inc()
	}
}

// process 处理单条记录，panic 就地捕获并转为丢弃。
func (c *Consumer) process(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger().Error("record handler panic",
				zap.String("topic", c.topic),
				zap.Any("panic", r))
			err = errPanic(r)
		}
	}()
	return c.handle(ctx, rec)
}
