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

package conc

import (
	ants "github.com/panjf2000/ants/v2"
)

// Pool 封装 ants 协程池，用于执行后台异步任务。
//
// 典型用途：
//   - 会话注册/注销后的在线状态上报；
//   - 其他不应阻塞调用方、失败可容忍的旁路任务。
type Pool struct {
	inner *ants.Pool
}

// NewPool 创建一个容量为 cap 的协程池。
// cap <= 0 时表示不限制并发数。
func NewPool(cap int, opts ...PoolOption) (*Pool, error) {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	inner, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// Submit 将任务提交到协程池执行。
// 当池已满且配置为非阻塞时返回 ants.ErrPoolOverload。
func (p *Pool) Submit(task func()) error {
	return p.inner.Submit(task)
}

// Running 返回当前正在执行任务的 worker 数量。
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Release 关闭协程池并回收所有 worker。
// 已提交但尚未执行的任务会被丢弃。
func (p *Pool) Release() {
	p.inner.Release()
}
