package session

import "context"

// Conn 抽象一条可写的客户端连接。
//
// 约定：
//   - 每个 Conn 对应一条底层连接（当前实现为一个 WebSocket 会话）；
//   - 写入由实现方内部串行化，注册表不会为同一连接加写锁；
//   - Registry 只负责索引，不负责创建连接；关闭连接仅发生在
//     "顶号替换" 这一处（见 Registry.Register）。
type Conn interface {
	// WriteText 向连接写出一帧文本数据。
	WriteText(data []byte) error

	// IsActive 报告底层连接当前是否仍可写。
	IsActive() bool

	// Close 主动关闭底层连接。
	// 多次调用应是幂等的。
	Close() error
}

// Session 为一条已完成认证的在线连接。
type Session struct {
	// SessionID 由传输层分配，在进程内唯一标识一条物理连接。
	SessionID string
	// UserID 为稳定的应用层身份；同一时刻最多对应一个在线 Session。
	UserID int64
	// Username 为展示名，随出站帧一起携带。
	Username string
	// Conn 为该会话独占的写句柄，不在注册表之外复制。
	Conn Conn

	// currentChatID 记录客户端最近聚焦的聊天，仅尽力维护，
	// 不参与投递正确性判断。由 Registry 的锁保护。
	currentChatID *int64
}

// chatID 返回该会话聚焦的聊天 ID；未聚焦任何聊天时返回 (0, false)。
// 只应通过 Registry.CurrentChat 访问，避免绕过锁。
func (s *Session) chatID() (int64, bool) {
	if s.currentChatID == nil {
		return 0, false
	}
	return *s.currentChatID, true
}

// ParticipantResolver 解析某个聊天的成员集合。
//
// 实现失败时返回错误；调用方（Registry）将错误降级为空集合并记录日志，
// 但不应把 "空聊天" 与 "解析失败" 混为一谈。
type ParticipantResolver interface {
	ChatParticipants(ctx context.Context, chatID int64) ([]int64, error)
}

// PresenceNotifier 将用户的上下线状态上报给外部服务。
// 上报为尽力而为：失败只记录日志，绝不向注册/注销操作传播。
type PresenceNotifier interface {
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
}
