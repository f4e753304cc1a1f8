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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "vecstore"
	subsystem = "shard"

	statusLabelName = "status"
	kindLabelName   = "kind"
)

var (
	// ShardUpdateCounter records applied update operations by kind and status.
	ShardUpdateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "update_total",
			Help:      "number of applied update operations",
		}, []string{kindLabelName, statusLabelName})

	// ShardSearchLatency records the end-to-end latency of search requests.
	ShardSearchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "search_latency_seconds",
			Help:      "search latency over all segments",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})

	// ShardSegmentNum records the number of live segments per shard.
	ShardSegmentNum = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "segment_num",
			Help:      "number of segments held by the shard",
		})

	// ShardWalSize records the on-disk size of the write-ahead log.
	ShardWalSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "wal_size_bytes",
			Help:      "total size of wal segment files",
		})

	// ShardFailedOpNum records operations that failed during application.
	ShardFailedOpNum = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_op_total",
			Help:      "number of update operations recorded as failed",
		})
)

// RegisterShard registers all shard collectors to the given registry.
func RegisterShard(registry *prometheus.Registry) {
	registry.MustRegister(ShardUpdateCounter)
	registry.MustRegister(ShardSearchLatency)
	registry.MustRegister(ShardSegmentNum)
	registry.MustRegister(ShardWalSize)
	registry.MustRegister(ShardFailedOpNum)
}
