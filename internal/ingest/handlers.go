package ingest

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/messenger-relay-go/internal/protocol"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// Broadcaster 为聊天事件出口，由会话注册表实现。
type Broadcaster interface {
	Broadcast(ctx context.Context, chatID int64, m *protocol.Message) int
	Unicast(userID int64, m *protocol.Message) error
}

func errPanic(r any) error {
	return errors.Newf("handler panic: %v", r)
}

// NewChatEventConsumer 消费聊天事件并群发给聊天成员。
//
// 路由规则：
//   - chatId 优先取记录 key（整数字符串），否则取载荷里的 chatId，
//     两者都没有则丢弃；
//   - 帧类型不做白名单过滤：未识别的类型原样转发，旧中继进程
//     在新事件类型上线后仍然可用；
//   - 核心服务产出的事件用 senderId/senderUsername 标识发送者，
//     而 Web 客户端读取 userId/username，投递前补齐这组别名；
//     其余字段原样透传，不补默认值；
//   - 零个在线接收者不是错误。
func NewChatEventConsumer(cfg Config, reader RecordReader, sink Broadcaster) *Consumer {
	cfg.fillDefaults()
	return NewConsumer(cfg.ChatTopic, reader, func(ctx context.Context, rec Record) error {
		m, err := protocol.Decode(rec.Value)
		if err != nil {
			return merr.WrapErrIngestRecordMalformed(err.Error())
		}

		chatID, ok := routeChatID(rec.Key, m)
		if !ok {
			return merr.WrapErrIngestRecordUnroutable(string(rec.Key), "no chat id in key or payload")
		}
		if m.ChatID == nil {
			m.ChatID = protocol.Number(chatID)
		}
		fillSenderAliases(m)

		delivered := sink.Broadcast(ctx, chatID, m)
		log.Debug("chat event relayed",
			log.FieldChatID(chatID),
			zap.String("type", string(m.Type)),
			zap.Int("delivered", delivered))
		return nil
	})
}

// fillSenderAliases 补齐发送者字段的别名：senderId/senderUsername
// 同时写入 userId/username，id 缺失时用 messageId 顶替。
// 已经带着这些字段的帧不被覆盖。
func fillSenderAliases(m *protocol.Message) {
	if m.UserID == nil && m.SenderID != nil {
		m.UserID = protocol.Number(m.SenderID.Value())
	}
	if m.Username == nil && m.SenderUsername != nil {
		m.Username = protocol.String(*m.SenderUsername)
	}
	if m.ID == nil && m.MessageID != nil {
		m.ID = protocol.Number(m.MessageID.Value())
	}
}

// routeChatID 先看记录 key，再看载荷。
func routeChatID(key []byte, m *protocol.Message) (int64, bool) {
	if len(key) > 0 {
		if id, err := strconv.ParseInt(string(key), 10, 64); err == nil {
			return id, true
		}
	}
	if m.ChatID != nil {
		return m.ChatID.Value(), true
	}
	return 0, false
}

// NewNotificationConsumer 消费定向通知并单播给接收者。
// 接收者不在线不是错误，直接丢弃即可；没有 recipientId 的记录无法路由。
func NewNotificationConsumer(cfg Config, reader RecordReader, sink Broadcaster) *Consumer {
	cfg.fillDefaults()
	return NewConsumer(cfg.NotificationTopic, reader, func(ctx context.Context, rec Record) error {
		m, err := protocol.Decode(rec.Value)
		if err != nil {
			return merr.WrapErrIngestRecordMalformed(err.Error())
		}

		if m.RecipientID == nil {
			return merr.WrapErrIngestRecordUnroutable(string(rec.Key), "missing recipientId")
		}
		recipientID := m.RecipientID.Value()

		if err := sink.Unicast(recipientID, m); err != nil {
			if errors.Is(err, merr.ErrSessionNotFound) {
				// 接收者不在线，通知由核心服务落库后续补发。
				log.Debug("notification recipient offline",
					log.FieldUserID(recipientID),
					zap.String("type", string(m.Type)))
				return nil
			}
			return errors.Wrap(err, "unicast notification")
		}
		return nil
	})
}
