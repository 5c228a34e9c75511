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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newRatedLogger(group string) *MLogger {
	l := &MLogger{Logger: zap.NewNop()}
	// 恢复速率取得足够低，测试期间余额不会自己补回来。
	return l.WithRateGroup(group, 0.01, 1)
}

// 同名分组共享余额：一个 Logger 消耗掉令牌后，同组其他 Logger 立即受限。
func TestWithRateGroupSharesLimiterByName(t *testing.T) {
	a := newRatedLogger("mlogger-shared")
	b := newRatedLogger("mlogger-shared")

	assert.True(t, a.RatedWarn(1, "first"))
	assert.False(t, b.RatedWarn(1, "second"))

	// 不同分组互不影响。
	c := newRatedLogger("mlogger-isolated")
	assert.True(t, c.RatedInfo(1, "third"))
}

// 重复绑定同名分组更新限流参数，而不是另建一个限流器。
func TestWithRateGroupRebindUpdates(t *testing.T) {
	a := newRatedLogger("mlogger-rebind")
	assert.True(t, a.RatedWarn(1, "drain"))
	assert.False(t, a.RatedWarn(1, "limited"))

	b := (&MLogger{Logger: zap.NewNop()}).WithRateGroup("mlogger-rebind", 1000, 2)
	assert.Eventually(t, func() bool { return b.RatedWarn(1, "after update") },
		time.Second, 10*time.Millisecond)
}

// With 派生的子 Logger 继承父 Logger 的限流分组。
func TestWithInheritsRateGroup(t *testing.T) {
	parent := newRatedLogger("mlogger-inherit")
	child := parent.With(zap.String("k", "v"))

	assert.True(t, parent.RatedWarn(1, "parent"))
	assert.False(t, child.RatedWarn(1, "child"))
}
