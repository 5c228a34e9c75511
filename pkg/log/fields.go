// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import "go.uber.org/zap"

const (
	// FieldNameModule 为模块名字段的键名。
	FieldNameModule = "module"
)

// FieldModule 返回模块名字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldUserID 返回用户 ID 字段。
func FieldUserID(userID int64) zap.Field {
	return zap.Int64("userID", userID)
}

// FieldChatID 返回聊天 ID 字段。
func FieldChatID(chatID int64) zap.Field {
	return zap.Int64("chatID", chatID)
}

// FieldSessionID 返回会话 ID 字段。
func FieldSessionID(sessionID string) zap.Field {
	return zap.String("sessionID", sessionID)
}
