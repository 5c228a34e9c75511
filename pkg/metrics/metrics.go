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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// relayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	relayNamespace = "relay"

	// 以下为当前使用的通用标签名。
	topicLabelName  = "topic"
	resultLabelName = "result"
	typeLabelName   = "type"
	routeLabelName  = "route"
	methodLabelName = "method"
)

const (
	// ResultOK 等标签值用于 result 标签。
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	buckets = prometheus.ExponentialBuckets(1, 2, 14)

	// ActiveSessions 为当前已注册的在线会话数。
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: relayNamespace,
			Name:      "active_sessions",
			Help:      "number of currently registered sessions",
		})

	// SessionRegisterTotal 为会话注册次数，result 区分全新注册与顶号替换。
	SessionRegisterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "session_register_total",
			Help:      "total session registrations, labelled fresh/replaced",
		}, []string{resultLabelName})

	// FramesDelivered 为推送到客户端连接的帧数。
	FramesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "frames_delivered_total",
			Help:      "frames written to client connections",
		}, []string{typeLabelName, resultLabelName})

	// IngestRecords 为从外部日志消费的记录数。
	IngestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "ingest_records_total",
			Help:      "records consumed from the message bus",
		}, []string{topicLabelName, resultLabelName})

	// BroadcastRecipients 为单次广播命中的在线连接数分布。
	BroadcastRecipients = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: relayNamespace,
			Name:      "broadcast_recipients",
			Help:      "number of live connections hit per broadcast",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
		})

	// CoreAPILatency 为对核心 API 出站调用的耗时分布，单位为毫秒。
	CoreAPILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: relayNamespace,
			Name:      "coreapi_latency_ms",
			Help:      "latency of outbound core api calls in milliseconds",
			Buckets:   buckets,
		}, []string{routeLabelName, methodLabelName, resultLabelName})
)

// Register 将本包的所有指标注册到给定的 Registerer。
func Register(r prometheus.Registerer) {
	r.MustRegister(ActiveSessions)
	r.MustRegister(SessionRegisterTotal)
	r.MustRegister(FramesDelivered)
	r.MustRegister(IngestRecords)
	r.MustRegister(BroadcastRecipients)
	r.MustRegister(CoreAPILatency)
}
