package protocol

import (
	"bytes"
	"strconv"
	"time"

	"github.com/lk2023060901/messenger-relay-go/internal/json"
	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

// Type 为帧类型判别字段。
//
// 未在下面列出的类型不是协议错误：转发链路会原样透传未知类型的帧，
// 以便新事件类型上线时旧的中继进程仍可工作。
type Type string

const (
	TypeJoinChat      Type = "JOIN_CHAT"
	TypeLeaveChat     Type = "LEAVE_CHAT"
	TypeSendMessage   Type = "SEND_MESSAGE"
	TypeChatMessage   Type = "CHAT_MESSAGE"
	TypeMessageSent   Type = "MESSAGE_SENT"
	TypeMessageRead   Type = "MESSAGE_READ"
	TypeUserOnline    Type = "USER_ONLINE"
	TypeUserOffline   Type = "USER_OFFLINE"
	TypeAuth          Type = "AUTH"
	TypeAuthSuccess   Type = "AUTH_SUCCESS"
	TypeSystemMessage Type = "SYSTEM_MESSAGE"
	TypePing          Type = "PING"
	TypePong          Type = "PONG"
	TypeError         Type = "ERROR"

	TypeFriendRequestReceived Type = "FRIEND_REQUEST_RECEIVED"
	TypeFriendRequestAccepted Type = "FRIEND_REQUEST_ACCEPTED"
	TypeFriendRequestRejected Type = "FRIEND_REQUEST_REJECTED"
)

// Known 判断 t 是否为本进程认识的帧类型。
func (t Type) Known() bool {
	switch t {
	case TypeJoinChat, TypeLeaveChat, TypeSendMessage, TypeChatMessage,
		TypeMessageSent, TypeMessageRead, TypeUserOnline, TypeUserOffline,
		TypeAuth, TypeAuthSuccess, TypeSystemMessage, TypePing, TypePong,
		TypeError, TypeFriendRequestReceived, TypeFriendRequestAccepted,
		TypeFriendRequestRejected:
		return true
	}
	return false
}

// Int64 在反序列化时同时接受 JSON 数字与带引号的数字字符串。
// 上游生产者（核心 API 与历史版本的前端）两种写法都出现过。
type Int64 int64

func (i Int64) Value() int64 {
	return int64(i)
}

func (i Int64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(i), 10)), nil
}

func (i *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*i = Int64(v)
	return nil
}

// Message 为连接协议的单个帧。
//
// 除 Type 外所有字段均为可选：序列化时缺失字段直接省略，
// 不做任何可能与真实数据混淆的默认值填充。
// Extra 保存解码时遇到的未知字段，重新编码时原样带回（向前兼容）。
type Message struct {
	Type Type `json:"type"`

	ID      *Int64  `json:"id,omitempty"`
	Content *string `json:"content,omitempty"`
	Token   *string `json:"token,omitempty"`

	ChatID         *Int64  `json:"chatId,omitempty"`
	UserID         *Int64  `json:"userId,omitempty"`
	SenderID       *Int64  `json:"senderId,omitempty"`
	Username       *string `json:"username,omitempty"`
	SenderUsername *string `json:"senderUsername,omitempty"`
	Timestamp      *string `json:"timestamp,omitempty"`

	// 文件消息相关字段。
	MessageType  *string `json:"messageType,omitempty"`
	FileURL      *string `json:"fileUrl,omitempty"`
	FileName     *string `json:"fileName,omitempty"`
	FileSize     *Int64  `json:"fileSize,omitempty"`
	MimeType     *string `json:"mimeType,omitempty"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`

	// 已读回执相关字段。
	MessageID      *Int64  `json:"messageId,omitempty"`
	ReaderID       *Int64  `json:"readerId,omitempty"`
	ReaderUsername *string `json:"readerUsername,omitempty"`

	// 在线状态相关字段。
	LastSeen *string `json:"lastSeen,omitempty"`
	IsOnline *bool   `json:"isOnline,omitempty"`

	// 定向通知相关字段。
	RecipientID *Int64 `json:"recipientId,omitempty"`

	// Extra 为未识别的原始字段，Key 为 JSON 字段名。
	Extra map[string]json.RawMessage `json:"-"`
}

// message 为不带自定义编解码方法的影子类型，避免递归调用。
type message Message

// knownFieldNames 与 Message 的 json tag 保持一致。
var knownFieldNames = map[string]struct{}{
	"type": {}, "id": {}, "content": {}, "token": {},
	"chatId": {}, "userId": {}, "senderId": {}, "username": {},
	"senderUsername": {}, "timestamp": {},
	"messageType": {}, "fileUrl": {}, "fileName": {}, "fileSize": {},
	"mimeType": {}, "thumbnailUrl": {},
	"messageId": {}, "readerId": {}, "readerUsername": {},
	"lastSeen": {}, "isOnline": {}, "recipientId": {},
}

func (m *Message) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*message)(m)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name := range raw {
		if _, ok := knownFieldNames[name]; ok {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[name] = raw[name]
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(message(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}

	// 将未知字段合并回输出，已知字段优先。
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for name, value := range m.Extra {
		if _, ok := raw[name]; !ok {
			raw[name] = value
		}
	}
	return json.Marshal(raw)
}

// Decode 将一帧原始字节解析为 Message。
// 任何解析失败都归类为帧解码错误，由调用方决定是否回送 ERROR 帧。
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, merr.WrapErrFrameDecode(err.Error())
	}
	if m.Type == "" {
		return nil, merr.WrapErrFrameDecode("missing type field")
	}
	return &m, nil
}

// Encode 将 Message 序列化为一帧字节。
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, merr.ErrFrameEncode
	}
	return data, nil
}

// 指针辅助构造函数。

func String(s string) *string { return &s }

func Number(v int64) *Int64 {
	n := Int64(v)
	return &n
}

func Bool(v bool) *bool { return &v }

// NowTimestamp 返回与上游一致的本地时间戳格式。
func NowTimestamp() *string {
	return String(time.Now().Format("2006-01-02T15:04:05"))
}

// NewError 构造携带人类可读原因的 ERROR 帧。
func NewError(reason string) *Message {
	return &Message{
		Type:      TypeError,
		Content:   String(reason),
		Timestamp: NowTimestamp(),
	}
}

// NewSystem 构造 SYSTEM_MESSAGE 帧。
func NewSystem(content string) *Message {
	return &Message{
		Type:      TypeSystemMessage,
		Content:   String(content),
		Timestamp: NowTimestamp(),
	}
}

// NewAuthSuccess 构造认证成功后的欢迎帧。
func NewAuthSuccess(userID int64, username string) *Message {
	return &Message{
		Type:      TypeAuthSuccess,
		UserID:    Number(userID),
		Username:  String(username),
		Content:   String("Welcome! You are connected as user " + username),
		Timestamp: NowTimestamp(),
	}
}

// NewPong 构造 PING 的应答帧。
func NewPong() *Message {
	return &Message{Type: TypePong, Timestamp: NowTimestamp()}
}
