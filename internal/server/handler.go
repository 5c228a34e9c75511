package server

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/messenger-relay-go/internal/auth"
	"github.com/lk2023060901/messenger-relay-go/internal/protocol"
	"github.com/lk2023060901/messenger-relay-go/internal/session"
	"github.com/lk2023060901/messenger-relay-go/pkg/log"
	"github.com/lk2023060901/messenger-relay-go/pkg/metrics"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// 连接状态机。状态只会单向推进：
//
//	connecting -> authenticating -> authenticated -> closed
//	                     └────────> authFailed ───────┘
//
// 认证通过之前不处理任何应用帧。
const (
	stateConnecting int32 = iota
	stateAuthenticating
	stateAuthenticated
	stateAuthFailed
	stateClosed
)

// connHandler 驱动单条连接的完整生命周期：
// 认证、会话注册、读循环分发、心跳，以及各种退出路径下的统一清理。
//
// 同一连接的帧处理永远在它自己的读循环 goroutine 里串行执行，
// 所以分发逻辑内部不需要再加锁；写方有多路，串行化由 wsConn 负责。
type connHandler struct {
	sessionID string
	conn      *wsConn
	registry  *session.Registry
	verifier  *auth.TokenVerifier

	state    atomic.Int32
	identity *auth.Identity

	unregisterOnce sync.Once
	pingDone       chan struct{}
}

func newConnHandler(sessionID string, conn *wsConn, registry *session.Registry, verifier *auth.TokenVerifier) *connHandler {
	h := &connHandler{
		sessionID: sessionID,
		conn:      conn,
		registry:  registry,
		verifier:  verifier,
		pingDone:  make(chan struct{}),
	}
	h.state.Store(stateConnecting)
	return h
}

// run 在当前 goroutine 中执行到连接关闭为止。
// token 来自握手请求的查询参数，只在这里消费一次。
func (h *connHandler) run(token string) {
	defer h.teardown()

	h.state.Store(stateAuthenticating)
	identity, err := h.verifier.Verify(token)
	if err != nil {
		h.state.Store(stateAuthFailed)
		log.Warn("authentication failed",
			log.FieldSessionID(h.sessionID),
			zap.Error(err))
		// 失败原因回给客户端后关闭，方便前端提示重新登录。
		h.send(protocol.NewError(err.Error()))
		return
	}
	h.identity = identity

	h.registry.Register(&session.Session{
		SessionID: h.sessionID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		Conn:      h.conn,
	})
	h.state.Store(stateAuthenticated)
	h.send(protocol.NewAuthSuccess(identity.UserID, identity.Username))

	go h.pingLoop()

	for {
		data, err := h.conn.ReadText()
		if err != nil {
			log.Debug("read loop exit",
				log.FieldSessionID(h.sessionID),
				log.FieldUserID(identity.UserID),
				zap.Error(err))
			return
		}
		if !h.handleFrame(data) {
			return
		}
	}
}

// handleFrame 处理一帧，返回 false 表示连接应当关闭。
// 任何未预期的 panic 都被就地捕获并按 fail-closed 处理。
func (h *connHandler) handleFrame(data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("frame handler panic",
				log.FieldSessionID(h.sessionID),
				zap.Any("panic", r))
			ok = false
		}
	}()

	m, err := protocol.Decode(data)
	if err != nil {
		// 单帧解码失败不断开连接，只回一个 ERROR 帧。
		log.RatedWarn(1, "frame decode",
			log.FieldSessionID(h.sessionID),
			zap.Error(err))
		h.send(protocol.NewError("invalid message format"))
		return true
	}

	switch m.Type {
	case protocol.TypeAuth:
		// 每条连接只认证一次。
		h.send(protocol.NewError(merr.ErrAuthAlreadyDone.Error()))

	case protocol.TypeSendMessage, protocol.TypeChatMessage:
		h.echoChatMessage(m)

	case protocol.TypeJoinChat:
		if m.ChatID != nil {
			chatID := m.ChatID.Value()
			h.registry.SetCurrentChat(h.sessionID, &chatID)
		}

	case protocol.TypeLeaveChat:
		h.registry.SetCurrentChat(h.sessionID, nil)

	case protocol.TypePing:
		h.send(protocol.NewPong())

	default:
		h.send(protocol.NewError("unsupported message type: " + string(m.Type)))
	}
	return true
}

// echoChatMessage 给消息补上发送者身份与时间戳后回给发送方。
// 真正的群发走消息总线，这里的回显只确认服务端已收到。
func (h *connHandler) echoChatMessage(m *protocol.Message) {
	m.SenderID = protocol.Number(h.identity.UserID)
	if m.SenderUsername == nil {
		m.SenderUsername = protocol.String(h.identity.Username)
	}
	if m.Timestamp == nil {
		m.Timestamp = protocol.NowTimestamp()
	}
	h.send(m)
}

func (h *connHandler) send(m *protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		log.Warn("encode outbound frame",
			log.FieldSessionID(h.sessionID),
			zap.Error(err))
		return
	}
	if err := h.conn.WriteText(data); err != nil {
		metrics.FramesDelivered.WithLabelValues(string(m.Type), metrics.ResultError).Inc()
		log.RatedWarn(1, "write frame",
			log.FieldSessionID(h.sessionID),
			zap.Error(err))
		return
	}
	metrics.FramesDelivered.WithLabelValues(string(m.Type), metrics.ResultOK).Inc()
}

// pingLoop 周期性发送传输层心跳，写失败即关闭连接，
// 由读循环感知关闭后走统一清理。
func (h *connHandler) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.conn.writePing(); err != nil {
				h.conn.Close()
				return
			}
		case <-h.pingDone:
			return
		}
	}
}

// teardown 为所有退出路径的汇合点：
// 注销恰好执行一次（无论是否到达过 AUTHENTICATED），然后关闭连接。
func (h *connHandler) teardown() {
	finalState := h.state.Swap(stateClosed)
	if finalState != stateAuthenticated && finalState != stateAuthFailed {
		// 认证中途断开，排查握手问题时需要知道死在哪一步。
		log.Debug("connection closed before authentication settled",
			log.FieldSessionID(h.sessionID),
			zap.Int32("state", finalState))
	}
	close(h.pingDone)
	h.unregisterOnce.Do(func() {
		h.registry.Unregister(h.sessionID)
	})
	h.conn.Close()
}
