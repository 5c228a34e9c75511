package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/messenger-relay-go/internal/protocol"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// fakeConn 记录所有写入，便于断言投递行为。
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	active bool
	closed bool

	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{active: true}
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.closed = true
	return nil
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeResolver struct {
	mu           sync.Mutex
	participants map[int64][]int64
	err          error
}

func (f *fakeResolver) ChatParticipants(_ context.Context, chatID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.participants[chatID], nil
}

type presenceCall struct {
	userID int64
	online bool
}

type fakePresence struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (f *fakePresence) SetOnline(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{userID: userID, online: true})
	return nil
}

func (f *fakePresence) SetOffline(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{userID: userID, online: false})
	return nil
}

func (f *fakePresence) snapshot() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.calls...)
}

type RegistrySuite struct {
	suite.Suite

	resolver *fakeResolver
	presence *fakePresence
	registry *Registry
}

func (s *RegistrySuite) SetupTest() {
	s.resolver = &fakeResolver{participants: make(map[int64][]int64)}
	s.presence = &fakePresence{}
	// pool 为 nil 时后台任务直接起 goroutine，测试里用 Eventually 等结果。
	s.registry = NewRegistry(s.resolver, s.presence, nil)
}

func (s *RegistrySuite) register(sessionID string, userID int64) (*Session, *fakeConn) {
	conn := newFakeConn()
	sess := &Session{
		SessionID: sessionID,
		UserID:    userID,
		Username:  "u",
		Conn:      conn,
	}
	s.registry.Register(sess)
	return sess, conn
}

func (s *RegistrySuite) TestRegisterAndLookup() {
	sess, _ := s.register("s1", 42)

	got, ok := s.registry.GetBySession("s1")
	s.True(ok)
	s.Same(sess, got)

	got, ok = s.registry.GetByUser(42)
	s.True(ok)
	s.Same(sess, got)

	s.True(s.registry.IsOnline(42))
	s.False(s.registry.IsOnline(43))
	s.Equal(1, s.registry.Count())
}

func (s *RegistrySuite) TestRegisterReplacesExistingSession() {
	_, oldConn := s.register("s1", 42)
	newSess, _ := s.register("s2", 42)

	// 两个索引同时切换到新会话。
	got, ok := s.registry.GetByUser(42)
	s.True(ok)
	s.Same(newSess, got)

	_, ok = s.registry.GetBySession("s1")
	s.False(ok)
	s.Equal(1, s.registry.Count())

	// 旧连接在锁外异步关闭。
	s.Eventually(oldConn.isClosed, time.Second, 10*time.Millisecond)
}

func (s *RegistrySuite) TestUnregisterIsIdempotent() {
	s.register("s1", 42)

	s.registry.Unregister("s1")
	s.registry.Unregister("s1")
	s.registry.Unregister("never-existed")

	s.False(s.registry.IsOnline(42))
	s.Equal(0, s.registry.Count())

	// 在线与离线各上报一次，重复注销不产生多余调用。
	s.Eventually(func() bool {
		return len(s.presence.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	calls := s.presence.snapshot()
	s.Require().Len(calls, 2)
	s.Equal(presenceCall{userID: 42, online: true}, calls[0])
	s.Equal(presenceCall{userID: 42, online: false}, calls[1])
}

func (s *RegistrySuite) TestStaleUnregisterAfterReplace() {
	s.register("s1", 42)
	s.register("s2", 42)

	// 旧读循环退出时触发的注销不得把仍在线的用户标记为离线。
	s.registry.Unregister("s1")

	s.True(s.registry.IsOnline(42))
	_, ok := s.registry.GetBySession("s2")
	s.True(ok)

	time.Sleep(50 * time.Millisecond)
	for _, call := range s.presence.snapshot() {
		s.True(call.online, "unexpected offline report: %+v", call)
	}
}

func (s *RegistrySuite) TestUnregisterDoesNotCloseConn() {
	_, conn := s.register("s1", 42)
	s.registry.Unregister("s1")

	time.Sleep(50 * time.Millisecond)
	s.False(conn.isClosed())
}

func (s *RegistrySuite) TestUnicast() {
	_, conn := s.register("s1", 42)

	err := s.registry.Unicast(42, protocol.NewSystem("hello"))
	s.Require().NoError(err)
	s.Equal(1, conn.frameCount())

	err = s.registry.Unicast(99, protocol.NewSystem("hello"))
	s.ErrorIs(err, merr.ErrSessionNotFound)
}

func (s *RegistrySuite) TestUnicastInactiveConnection() {
	_, conn := s.register("s1", 42)
	conn.Close()

	err := s.registry.Unicast(42, protocol.NewSystem("hello"))
	s.ErrorIs(err, merr.ErrConnectionInactive)
	s.Equal(0, conn.frameCount())
}

func (s *RegistrySuite) TestBroadcastHitsOnlineParticipantsOnly() {
	s.resolver.participants[7] = []int64{1, 2, 3}

	_, c1 := s.register("s1", 1)
	_, c2 := s.register("s2", 2)
	// 用户 3 不在线；用户 9 在线但不是成员。
	_, c9 := s.register("s9", 9)

	delivered := s.registry.Broadcast(context.Background(), 7, &protocol.Message{
		Type:    protocol.TypeChatMessage,
		ChatID:  protocol.Number(7),
		Content: protocol.String("hi"),
	})

	s.Equal(2, delivered)
	s.Equal(1, c1.frameCount())
	s.Equal(1, c2.frameCount())
	s.Equal(0, c9.frameCount())
}

func (s *RegistrySuite) TestBroadcastResolverFailure() {
	s.resolver.err = errors.New("core api down")
	_, conn := s.register("s1", 1)

	delivered := s.registry.Broadcast(context.Background(), 7, protocol.NewSystem("hi"))
	s.Equal(0, delivered)
	s.Equal(0, conn.frameCount())
}

func (s *RegistrySuite) TestBroadcastIsolatesFailingConnection() {
	s.resolver.participants[7] = []int64{1, 2}

	_, bad := s.register("s1", 1)
	bad.writeErr = errors.New("broken pipe")
	_, good := s.register("s2", 2)

	delivered := s.registry.Broadcast(context.Background(), 7, protocol.NewSystem("hi"))

	s.Equal(1, delivered)
	s.Equal(1, good.frameCount())
}

func (s *RegistrySuite) TestChannelsForChat() {
	s.resolver.participants[7] = []int64{1, 2, 3}

	_, c1 := s.register("s1", 1)
	_, c2 := s.register("s2", 2)
	s.register("s9", 9)

	conns := s.registry.ChannelsForChat(context.Background(), 7)
	s.Len(conns, 2)

	// 连接失活后只是被排除，会话本身不被清理。
	c1.Close()
	conns = s.registry.ChannelsForChat(context.Background(), 7)
	s.Require().Len(conns, 1)
	s.Same(c2, conns[0])
	s.True(s.registry.IsOnline(1))
}

func (s *RegistrySuite) TestCurrentChat() {
	s.register("s1", 42)

	_, ok := s.registry.CurrentChat("s1")
	s.False(ok)

	chatID := int64(7)
	s.registry.SetCurrentChat("s1", &chatID)
	got, ok := s.registry.CurrentChat("s1")
	s.True(ok)
	s.Equal(int64(7), got)

	s.registry.SetCurrentChat("s1", nil)
	_, ok = s.registry.CurrentChat("s1")
	s.False(ok)

	// 对不存在的会话静默忽略。
	s.registry.SetCurrentChat("ghost", &chatID)
}

func TestRegistry(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}
