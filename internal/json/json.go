package json

import (
	stdjson "encoding/json"
	"io"

	"github.com/bytedance/sonic"
)

// 本包统一封装项目内使用的 JSON 编解码实现（bytedance/sonic），
// 业务代码不应直接依赖具体的 JSON 库。

// api 使用与标准库兼容的配置，保证字段顺序与转义行为一致。
var api = sonic.ConfigStd

// RawMessage 为延迟解码的原始 JSON 片段，与标准库类型互通。
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

func NewEncoder(w io.Writer) sonic.Encoder {
	return api.NewEncoder(w)
}
