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

// vecstore runs a single standalone shard. The network surface lives in a
// separate layer; this binary exists to exercise the shard lifecycle:
// open, serve, flush, close.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/metrics"
	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/shard"
	"github.com/vecstore-io/vecstore/internal/util/paramtable"
)

func main() {
	cfg := &paramtable.ShardConfig{}
	cfg.InitOnce()

	if err := log.Init(log.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic(err)
	}

	registry := prometheus.NewRegistry()
	metrics.RegisterShard(registry)

	distance := segment.DistanceDot
	switch cfg.ParseString("collection.distance", "dot") {
	case "cosine":
		distance = segment.DistanceCosine
	case "euclid":
		distance = segment.DistanceEuclid
	}
	params := segment.CollectionParams{
		Vectors: map[string]segment.VectorParams{
			"": {Dim: cfg.ParseInt("collection.vectorDim", 4), Distance: distance},
		},
	}

	s, err := shard.NewLocalShard(cfg.DataDir, params, cfg)
	if err != nil {
		log.Error("failed to open shard", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shard is up", zap.String("dataDir", cfg.DataDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := s.Flush(context.Background()); err != nil {
		log.Warn("final flush failed", zap.Error(err))
	}
	if err := s.Close(); err != nil {
		log.Error("close failed", zap.Error(err))
		os.Exit(1)
	}
}
