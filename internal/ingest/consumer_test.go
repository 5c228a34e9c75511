package ingest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/messenger-relay-go/internal/protocol"
	"github.com/lk2023060901/messenger-relay-go/internal/session"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// memReader 把测试写入的记录按序交给消费循环。
// 关闭语义与 kafka-go 一致：Close 之后读取返回 io.ErrClosedPipe。
type memReader struct {
	ch   chan Record
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newMemReader() *memReader {
	return &memReader{
		ch:   make(chan Record, 16),
		done: make(chan struct{}),
	}
}

func (r *memReader) push(key, value string) {
	r.ch <- Record{Key: []byte(key), Value: []byte(value)}
}

func (r *memReader) ReadRecord(ctx context.Context) (Record, error) {
	select {
	case rec := <-r.ch:
		return rec, nil
	case <-r.done:
		return Record{}, io.ErrClosedPipe
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

func (r *memReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return nil
}

func (r *memReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type broadcastCall struct {
	chatID int64
	m      *protocol.Message
}

type captureSink struct {
	mu              sync.Mutex
	broadcasts      []broadcastCall
	unicasts        map[int64]*protocol.Message
	unicastAttempts []int64
	unicastErr      error
}

func newCaptureSink() *captureSink {
	return &captureSink{unicasts: make(map[int64]*protocol.Message)}
}

func (s *captureSink) Broadcast(_ context.Context, chatID int64, m *protocol.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, broadcastCall{chatID: chatID, m: m})
	return 1
}

func (s *captureSink) Unicast(userID int64, m *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unicastAttempts = append(s.unicastAttempts, userID)
	if s.unicastErr != nil {
		return s.unicastErr
	}
	s.unicasts[userID] = m
	return nil
}

func (s *captureSink) attempts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.unicastAttempts...)
}

func (s *captureSink) broadcastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.broadcasts)
}

func (s *captureSink) lastBroadcast() (broadcastCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.broadcasts) == 0 {
		return broadcastCall{}, false
	}
	return s.broadcasts[len(s.broadcasts)-1], true
}

func (s *captureSink) unicastTo(userID int64) (*protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.unicasts[userID]
	return m, ok
}

// runConsumer 启动消费循环并返回停止函数。
func runConsumer(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	})
	return cancel
}

func TestChatEventRoutesByRecordKey(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("7", `{"type":"CHAT_MESSAGE","content":"hi","senderId":1}`)

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	assert.Equal(t, int64(7), call.chatID)
	assert.Equal(t, protocol.TypeChatMessage, call.m.Type)
	// 路由来自 key 时把 chatId 补进帧里，客户端不需要知道分区键。
	require.NotNil(t, call.m.ChatID)
	assert.Equal(t, int64(7), call.m.ChatID.Value())
}

func TestChatEventRoutesByPayloadWhenKeyNotNumeric(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("", `{"type":"MESSAGE_READ","chatId":9,"messageId":100,"readerId":2}`)

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	assert.Equal(t, int64(9), call.chatID)
}

func TestChatEventDropsBadRecordsAndContinues(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("", `not json`)                                // 解码失败
	reader.push("", `{"type":"CHAT_MESSAGE","content":"lost"}`) // 无法路由
	reader.push("3", `{"type":"CHAT_MESSAGE","content":"ok"}`)  // 正常

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	assert.Equal(t, int64(3), call.chatID)
	require.NotNil(t, call.m.Content)
	assert.Equal(t, "ok", *call.m.Content)
}

// 未识别的事件类型原样转发，载荷里的未知字段也原样保留。
func TestChatEventForwardsUnknownTypes(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("5", `{"type":"POLL_CREATED","pollId":33,"question":"lunch?"}`)

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	assert.Equal(t, protocol.Type("POLL_CREATED"), call.m.Type)

	encoded, err := protocol.Encode(call.m)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"pollId":33`)
	assert.Contains(t, string(encoded), `"question":"lunch?"`)
}

// 核心服务产出的事件只带 senderId/senderUsername，投递帧要补上
// userId/username 别名；id 缺失时用 messageId 顶替。
func TestChatEventFillsSenderAliases(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("7", `{"type":"CHAT_MESSAGE","content":"hi","senderId":1,"senderUsername":"alice","messageId":42}`)

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	require.NotNil(t, call.m.UserID)
	assert.Equal(t, int64(1), call.m.UserID.Value())
	require.NotNil(t, call.m.Username)
	assert.Equal(t, "alice", *call.m.Username)
	require.NotNil(t, call.m.ID)
	assert.Equal(t, int64(42), call.m.ID.Value())
	// 原字段不动，别名是额外补上的。
	require.NotNil(t, call.m.SenderID)
	assert.Equal(t, int64(1), call.m.SenderID.Value())
	require.NotNil(t, call.m.SenderUsername)
	assert.Equal(t, "alice", *call.m.SenderUsername)
}

// 载荷自己带的 userId/id 不能被别名覆盖。
func TestChatEventKeepsExplicitFields(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	reader.push("7", `{"type":"CHAT_MESSAGE","id":5,"messageId":42,"userId":9,"senderId":1}`)

	require.Eventually(t, func() bool { return sink.broadcastCount() == 1 },
		time.Second, 10*time.Millisecond)
	call, _ := sink.lastBroadcast()
	require.NotNil(t, call.m.ID)
	assert.Equal(t, int64(5), call.m.ID.Value())
	require.NotNil(t, call.m.UserID)
	assert.Equal(t, int64(9), call.m.UserID.Value())
}

func TestNotificationUnicast(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	runConsumer(t, NewNotificationConsumer(Config{}, reader, sink))

	reader.push("", `{"type":"FRIEND_REQUEST_RECEIVED","recipientId":2,"senderId":1,"senderUsername":"alice"}`)

	require.Eventually(t, func() bool {
		_, ok := sink.unicastTo(2)
		return ok
	}, time.Second, 10*time.Millisecond)

	m, _ := sink.unicastTo(2)
	assert.Equal(t, protocol.TypeFriendRequestReceived, m.Type)
	require.NotNil(t, m.SenderUsername)
	assert.Equal(t, "alice", *m.SenderUsername)
}

// 接收者不在线是正常情况，记录按成功处理，循环继续。
func TestNotificationRecipientOffline(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	sink.unicastErr = merr.WrapErrSessionNotFound(2)
	runConsumer(t, NewNotificationConsumer(Config{}, reader, sink))

	reader.push("", `{"type":"FRIEND_REQUEST_RECEIVED","recipientId":2}`)
	reader.push("", `{"type":"FRIEND_REQUEST_ACCEPTED","recipientId":3}`)

	// 两条记录都尝试过投递，说明第一条的失败没有卡住循环。
	require.Eventually(t, func() bool {
		attempts := sink.attempts()
		return len(attempts) == 2 && attempts[0] == 2 && attempts[1] == 3
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	reader := newMemReader()

	var mu sync.Mutex
	var handled []string
	consumer := NewConsumer("chat-messages", reader, func(_ context.Context, rec Record) error {
		mu.Lock()
		defer mu.Unlock()
		if string(rec.Value) == "boom" {
			panic("exploded")
		}
		handled = append(handled, string(rec.Value))
		return nil
	})
	runConsumer(t, consumer)

	reader.push("", "boom")
	reader.push("", "after")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1 && handled[0] == "after"
	}, time.Second, 10*time.Millisecond)
}

func TestGracefulStopClosesReader(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	cancel := runConsumer(t, NewChatEventConsumer(Config{}, reader, sink))

	cancel()
	require.Eventually(t, reader.isClosed, time.Second, 10*time.Millisecond)
}

// 读取器被外部关闭后循环不再退避重试，带原因退出。
func TestReaderClosedStopsConsumer(t *testing.T) {
	reader := newMemReader()
	sink := newCaptureSink()
	c := NewChatEventConsumer(Config{}, reader, sink)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, reader.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, merr.ErrIngestStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after reader close")
	}
}

// 端到端：chat 7 的成员 {1,2} 都在线时，一条记录变成两份投递，
// 发送者自己的会话也会收到。
func TestEndToEndChatDelivery(t *testing.T) {
	registry := session.NewRegistry(staticResolver{7: {1, 2}}, nil, nil)

	alice := newRecordingConn()
	bob := newRecordingConn()
	registry.Register(&session.Session{SessionID: "sa", UserID: 1, Username: "alice", Conn: alice})
	registry.Register(&session.Session{SessionID: "sb", UserID: 2, Username: "bob", Conn: bob})

	reader := newMemReader()
	runConsumer(t, NewChatEventConsumer(Config{}, reader, registry))

	reader.push("7", `{"type":"CHAT_MESSAGE","content":"hi","senderId":1,"senderUsername":"alice","timestamp":"2024-05-01T10:00:00"}`)

	require.Eventually(t, func() bool {
		return bob.frameCount() == 1 && alice.frameCount() == 1
	}, time.Second, 10*time.Millisecond)

	m, err := protocol.Decode(bob.lastFrame())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeChatMessage, m.Type)
	require.NotNil(t, m.ChatID)
	assert.Equal(t, int64(7), m.ChatID.Value())
	require.NotNil(t, m.Content)
	assert.Equal(t, "hi", *m.Content)
	require.NotNil(t, m.SenderID)
	assert.Equal(t, int64(1), m.SenderID.Value())
	require.NotNil(t, m.UserID)
	assert.Equal(t, int64(1), m.UserID.Value())
	require.NotNil(t, m.Username)
	assert.Equal(t, "alice", *m.Username)
	require.NotNil(t, m.Timestamp)
	assert.Equal(t, "2024-05-01T10:00:00", *m.Timestamp)
}

type staticResolver map[int64][]int64

func (r staticResolver) ChatParticipants(_ context.Context, chatID int64) ([]int64, error) {
	return r[chatID], nil
}

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func newRecordingConn() *recordingConn {
	return &recordingConn{}
}

func (c *recordingConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, data)
	return nil
}

func (c *recordingConn) IsActive() bool { return true }
func (c *recordingConn) Close() error   { return nil }

func (c *recordingConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *recordingConn) lastFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}
