package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/messenger-relay-go/pkg/util/merr"
)

func TestDecodeChatMessage(t *testing.T) {
	data := []byte(`{"type":"CHAT_MESSAGE","chatId":7,"content":"hi","senderId":1,"senderUsername":"a"}`)

	m, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, TypeChatMessage, m.Type)
	require.NotNil(t, m.ChatID)
	assert.EqualValues(t, 7, m.ChatID.Value())
	require.NotNil(t, m.SenderID)
	assert.EqualValues(t, 1, m.SenderID.Value())
	assert.Equal(t, "hi", *m.Content)
	assert.Equal(t, "a", *m.SenderUsername)
	assert.Nil(t, m.FileURL)
	assert.Empty(t, m.Extra)
}

func TestDecodeNumericFieldsAcceptStrings(t *testing.T) {
	// 上游同一字段有时是数字、有时是带引号的数字。
	data := []byte(`{"type":"MESSAGE_READ","chatId":"7","messageId":42,"readerId":"9"}`)

	m, err := Decode(data)
	require.NoError(t, err)

	assert.EqualValues(t, 7, m.ChatID.Value())
	assert.EqualValues(t, 42, m.MessageID.Value())
	assert.EqualValues(t, 9, m.ReaderID.Value())
}

func TestDecodeFailures(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "not a frame"},
		{"missing type", `{"content":"hi"}`},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.ErrorIs(t, err, merr.ErrFrameDecode)
		})
	}
}

func TestUnknownTypeIsNotAnError(t *testing.T) {
	m, err := Decode([]byte(`{"type":"POLL_CREATED","chatId":3}`))
	require.NoError(t, err)
	assert.False(t, m.Type.Known())
	assert.EqualValues(t, 3, m.ChatID.Value())
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	data := []byte(`{"type":"CHAT_MESSAGE","chatId":1,"pollId":55,"options":["a","b"]}`)

	m, err := Decode(data)
	require.NoError(t, err)
	require.Contains(t, m.Extra, "pollId")
	require.Contains(t, m.Extra, "options")

	out, err := Encode(m)
	require.NoError(t, err)

	back, err := Decode(out)
	require.NoError(t, err)
	assert.JSONEq(t, `55`, string(back.Extra["pollId"]))
	assert.JSONEq(t, `["a","b"]`, string(back.Extra["options"]))
	assert.EqualValues(t, 1, back.ChatID.Value())
}

func TestEncodeOmitsAbsentFields(t *testing.T) {
	out, err := Encode(&Message{Type: TypePong})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PONG"}`, string(out))
}

func TestKnownFieldRoundTrip(t *testing.T) {
	src := &Message{
		Type:           TypeChatMessage,
		ID:             Number(10),
		ChatID:         Number(7),
		SenderID:       Number(1),
		SenderUsername: String("a"),
		Content:        String("hello"),
		MessageType:    String("FILE"),
		FileURL:        String("http://files/1"),
		FileName:       String("cat.png"),
		FileSize:       Number(2048),
		MimeType:       String("image/png"),
		ThumbnailURL:   String("http://files/1/thumb"),
		Timestamp:      String("2024-05-01T10:00:00"),
	}

	out, err := Encode(src)
	require.NoError(t, err)
	got, err := Decode(out)
	require.NoError(t, err)

	assert.Equal(t, src, got)
}

func TestNewErrorFrame(t *testing.T) {
	m := NewError("Invalid authentication token")
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "Invalid authentication token", *m.Content)
	assert.NotNil(t, m.Timestamp)
}
