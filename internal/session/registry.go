package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/messenger-relay-go/internal/protocol"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	"github.com/lk2023060901/messenger-relay-go/pkg/metrics"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/conc"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/typeutil"
)

const (
	// presenceTimeout 为单次在线状态上报的超时上限。
	presenceTimeout = 3 * time.Second

	registerResultFresh    = "fresh"
	registerResultReplaced = "replaced"
)

// Registry 维护全部在线会话的双向索引：
//
//	sessionID -> *Session
//	userID    -> *Session
//
// 核心不变量：
//  1. 两个索引始终同步变化，任何时刻要么都包含某条会话，要么都不包含；
//  2. 每个 userID 最多对应一条会话，新连接注册时旧连接被移出索引并关闭
//     （顶号）；
//  3. 索引变更全部持锁完成，但任何网络 IO（关旧连接、在线状态上报、
//     写帧）都不在锁内执行。
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*Session
	byUser    map[int64]*Session

	resolver ParticipantResolver
	presence PresenceNotifier
	pool     *conc.Pool
}

// NewRegistry 创建会话注册表。
// presence 上报任务在 pool 中异步执行，pool 满时任务直接丢弃并记日志。
func NewRegistry(resolver ParticipantResolver, presence PresenceNotifier, pool *conc.Pool) *Registry {
	return &Registry{
		bySession: make(map[string]*Session),
		byUser:    make(map[int64]*Session),
		resolver:  resolver,
		presence:  presence,
		pool:      pool,
	}
}

// Register 将认证完成的会话加入索引。
//
// 同一 userID 已有在线会话时执行顶号：旧会话从两个索引中移除，
// 其连接在锁外异步关闭。替换动作在持锁期间原子完成，
// 不存在两个索引短暂指向同一用户不同会话的窗口。
func (r *Registry) Register(sess *Session) {
	var replaced *Session

	r.mu.Lock()
	if old, ok := r.byUser[sess.UserID]; ok {
		delete(r.bySession, old.SessionID)
		replaced = old
	}
	r.bySession[sess.SessionID] = sess
	r.byUser[sess.UserID] = sess
	total := len(r.bySession)
	r.mu.Unlock()

	result := registerResultFresh
	if replaced != nil {
		result = registerResultReplaced
		// 旧连接的关闭可能阻塞在网络写上，放到池里做。
		r.submit(func() {
			if err := replaced.Conn.Close(); err != nil {
				log.Warn("close replaced connection",
					log.FieldSessionID(replaced.SessionID),
					log.FieldUserID(replaced.UserID),
					zap.Error(err))
			}
		})
	}
	metrics.SessionRegisterTotal.WithLabelValues(result).Inc()
	metrics.ActiveSessions.Set(float64(total))

	log.Info("session registered",
		log.FieldSessionID(sess.SessionID),
		log.FieldUserID(sess.UserID),
		zap.String("username", sess.Username),
		zap.Bool("replaced", replaced != nil))

	r.notifyPresence(sess.UserID, true)
}

// Unregister 将会话从索引中移除，幂等。
//
// 只移除索引，不关闭连接；连接的生命周期由其读循环负责。
// 当该用户已无其他在线会话时异步上报离线。
// 顶号场景下旧会话的 Unregister（由旧读循环退出触发）会发现
// byUser 已指向新会话，此时不得上报离线。
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.bySession[sessionID]
	if ok {
		delete(r.bySession, sessionID)
		if cur, found := r.byUser[sess.UserID]; found && cur.SessionID == sessionID {
			delete(r.byUser, sess.UserID)
		} else {
			// 已被新会话顶号，该用户仍在线。
			sess = nil
		}
	}
	total := len(r.bySession)
	r.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Set(float64(total))

	if sess != nil {
		log.Info("session unregistered",
			log.FieldSessionID(sessionID),
			log.FieldUserID(sess.UserID))
		r.notifyPresence(sess.UserID, false)
	}
}

// GetBySession 按 sessionID 查找会话。
func (r *Registry) GetBySession(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.bySession[sessionID]
	return sess, ok
}

// GetByUser 按 userID 查找会话。
func (r *Registry) GetByUser(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byUser[userID]
	return sess, ok
}

// IsOnline 报告用户当前是否有在线会话。
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// Count 返回当前在线会话数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// SetCurrentChat 记录会话聚焦的聊天；chatID 为 nil 时清除聚焦。
// 会话不存在时静默忽略。
func (r *Registry) SetCurrentChat(sessionID string, chatID *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.bySession[sessionID]; ok {
		sess.currentChatID = chatID
	}
}

// CurrentChat 返回会话聚焦的聊天 ID。
func (r *Registry) CurrentChat(sessionID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.bySession[sessionID]; ok {
		return sess.chatID()
	}
	return 0, false
}

// Unicast 向指定用户的在线会话投递一帧。
//
// 用户不在线返回 ErrSessionNotFound；连接已失活或写失败时
// 返回分类错误，调用方按需决定是否记账。单连接的失败不影响其他连接。
func (r *Registry) Unicast(userID int64, m *protocol.Message) error {
	r.mu.RLock()
	sess, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return merr.WrapErrSessionNotFound(userID)
	}
	return r.deliver(sess, m)
}

// sessionsForChat 求成员集合与在线索引的交集，只保留连接仍然活跃的会话。
// 解析失败降级为空集并记录日志；死连接只是被排除，不做任何清理副作用。
func (r *Registry) sessionsForChat(ctx context.Context, chatID int64) []*Session {
	participants, err := r.resolver.ChatParticipants(ctx, chatID)
	if err != nil {
		log.Ctx(ctx).Warn("resolve chat participants",
			log.FieldChatID(chatID),
			zap.Error(err))
		return nil
	}

	members := typeutil.NewUniqueSet(participants...)

	// 持锁只做快照，写帧在锁外逐个进行。
	r.mu.RLock()
	targets := make([]*Session, 0, members.Len())
	members.Range(func(userID typeutil.UniqueID) bool {
		if sess, ok := r.byUser[userID]; ok && sess.Conn.IsActive() {
			targets = append(targets, sess)
		}
		return true
	})
	r.mu.RUnlock()
	return targets
}

// ChannelsForChat 返回 chatID 全部在线成员的连接句柄。
func (r *Registry) ChannelsForChat(ctx context.Context, chatID int64) []Conn {
	targets := r.sessionsForChat(ctx, chatID)
	conns := make([]Conn, 0, len(targets))
	for _, sess := range targets {
		conns = append(conns, sess.Conn)
	}
	return conns
}

// Broadcast 将一帧投递给 chatID 的全部在线成员。
// 单连接的写失败不影响其余投递。返回实际写成功的连接数。
func (r *Registry) Broadcast(ctx context.Context, chatID int64, m *protocol.Message) int {
	targets := r.sessionsForChat(ctx, chatID)

	delivered := 0
	for _, sess := range targets {
		if err := r.deliver(sess, m); err != nil {
			log.RatedWarn(1, "broadcast delivery",
				log.FieldChatID(chatID),
				log.FieldSessionID(sess.SessionID),
				zap.Error(err))
			continue
		}
		delivered++
	}
	metrics.BroadcastRecipients.Observe(float64(delivered))

	log.Ctx(ctx).Debug("broadcast",
		log.FieldChatID(chatID),
		zap.Int("online", len(targets)),
		zap.Int("delivered", delivered))
	return delivered
}

func (r *Registry) deliver(sess *Session, m *protocol.Message) error {
	frameType := "unknown"
	if m.Type != "" {
		frameType = string(m.Type)
	}

	if !sess.Conn.IsActive() {
		metrics.FramesDelivered.WithLabelValues(frameType, metrics.ResultDropped).Inc()
		return merr.WrapErrConnectionInactive(sess.SessionID)
	}

	data, err := protocol.Encode(m)
	if err != nil {
		metrics.FramesDelivered.WithLabelValues(frameType, metrics.ResultError).Inc()
		return err
	}
	if err := sess.Conn.WriteText(data); err != nil {
		metrics.FramesDelivered.WithLabelValues(frameType, metrics.ResultError).Inc()
		return merr.WrapErrDeliveryFailed(sess.SessionID, err)
	}
	metrics.FramesDelivered.WithLabelValues(frameType, metrics.ResultOK).Inc()
	return nil
}

// notifyPresence 异步上报上下线状态。失败只记日志，不向调用方传播。
func (r *Registry) notifyPresence(userID int64, online bool) {
	if r.presence == nil {
		return
	}
	r.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()

		var err error
		if online {
			err = r.presence.SetOnline(ctx, userID)
		} else {
			err = r.presence.SetOffline(ctx, userID)
		}
		if err != nil {
			log.Warn("presence update",
				log.FieldUserID(userID),
				zap.Bool("online", online),
				zap.Error(err))
		}
	})
}

func (r *Registry) submit(task func()) {
	if r.pool == nil {
		go task()
		return
	}
	if err := r.pool.Submit(task); err != nil {
		log.Warn("submit background task", zap.Error(err))
	}
}
