package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

const (
	// writeWait 为单次写操作的截止时间。
	writeWait = 10 * time.Second

	// pongWait 为两次收到对端 pong 之间允许的最大间隔，
	// 超时后读循环返回错误并触发连接清理。
	pongWait = 60 * time.Second

	// pingPeriod 必须小于 pongWait，否则读超时先于心跳触发。
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize 为单帧大小上限。
	maxFrameSize = 64 << 10
)

// wsConn 封装 gorilla 连接，补上两件底层不提供的事情：
//
//  1. 写串行化：gorilla 只允许一个并发写者，而这里的写方来自
//     读循环（echo、ERROR 帧）、广播和心跳三路；
//  2. 幂等关闭与活跃标记：关闭可能由读循环、顶号、心跳失败
//     任意一方发起。
type wsConn struct {
	raw *websocket.Conn

	writeMu   sync.Mutex
	active    atomic.Bool
	closeOnce sync.Once
}

func newWSConn(raw *websocket.Conn) *wsConn {
	c := &wsConn{raw: raw}
	c.active.Store(true)

	raw.SetReadLimit(maxFrameSize)
	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// WriteText 写出一帧文本数据，带写超时。
func (c *wsConn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.active.Load() {
		return merr.ErrConnectionInactive
	}
	c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

// writePing 发送一次传输层心跳。
func (c *wsConn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.active.Load() {
		return merr.ErrConnectionInactive
	}
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadText 阻塞读取下一帧。非文本帧直接跳过。
func (c *wsConn) ReadText() ([]byte, error) {
	for {
		msgType, data, err := c.raw.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) IsActive() bool {
	return c.active.Load()
}

// Close 幂等关闭连接。
// 先尝试发送关闭帧让对端优雅下线，失败也照常关闭底层连接。
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.active.Store(false)

		c.writeMu.Lock()
		c.raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()

		err = c.raw.Close()
	})
	return err
}
