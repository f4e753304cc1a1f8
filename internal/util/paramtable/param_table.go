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

// Package paramtable loads component configuration from an optional yaml file
// plus environment overrides.
package paramtable

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/vecstore-io/vecstore/internal/log"
)

const (
	defaultYaml      = "vecstore.yaml"
	defaultEnvPrefix = "vecstore"
)

// BaseTable is the typed view over the raw key/value config.
type BaseTable struct {
	once sync.Once
	v    *viper.Viper
}

// Init loads the yaml file (when present) and arms env overrides.
// Keys are looked up as "wal.segmentSize" etc, env override is
// VECSTORE_WAL_SEGMENTSIZE.
func (bt *BaseTable) Init() {
	bt.once.Do(func() {
		bt.v = viper.New()
		bt.v.SetConfigName(strings.TrimSuffix(defaultYaml, ".yaml"))
		bt.v.SetConfigType("yaml")
		bt.v.AddConfigPath(".")
		bt.v.AddConfigPath("./configs")
		bt.v.SetEnvPrefix(defaultEnvPrefix)
		bt.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		bt.v.AutomaticEnv()
		if err := bt.v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				log.Warn("failed to read config file, fall back to defaults")
			}
		}
	})
}

// Save overrides a single key, used by tests.
func (bt *BaseTable) Save(key, value string) {
	bt.v.Set(key, value)
}

func (bt *BaseTable) loadWithDefault(key, def string) string {
	if bt.v == nil {
		bt.Init()
	}
	if !bt.v.IsSet(key) {
		return def
	}
	return bt.v.GetString(key)
}

// ParseInt64 reads key as int64 falling back to def.
func (bt *BaseTable) ParseInt64(key string, def int64) int64 {
	return cast.ToInt64(bt.loadWithDefault(key, cast.ToString(def)))
}

// ParseInt reads key as int falling back to def.
func (bt *BaseTable) ParseInt(key string, def int) int {
	return cast.ToInt(bt.loadWithDefault(key, cast.ToString(def)))
}

// ParseDuration reads key as a duration falling back to def.
func (bt *BaseTable) ParseDuration(key string, def time.Duration) time.Duration {
	return cast.ToDuration(bt.loadWithDefault(key, def.String()))
}

// ParseString reads key falling back to def.
func (bt *BaseTable) ParseString(key, def string) string {
	return bt.loadWithDefault(key, def)
}

// ShardConfig carries the knobs consumed by the shard core.
type ShardConfig struct {
	BaseTable

	WalDir            string
	WalSegmentSize    int64
	UpdateQueueDepth  int64
	SearchPoolSize    int
	FlushInterval     time.Duration
	IndexingThreshold int64 // points in an appendable segment before the optimizer seals it
	DataDir           string
	LogLevel          string
	LogFormat         string
}

// InitOnce populates the config with defaults, yaml and env overrides.
func (c *ShardConfig) InitOnce() {
	c.Init()
	c.WalDir = c.ParseString("wal.dir", "wal")
	c.WalSegmentSize = c.ParseInt64("wal.segmentSize", 64<<20)
	c.UpdateQueueDepth = c.ParseInt64("shard.updateQueueDepth", 128)
	c.SearchPoolSize = c.ParseInt("shard.searchPoolSize", 0) // 0 = GOMAXPROCS
	c.FlushInterval = c.ParseDuration("shard.flushInterval", 5*time.Second)
	c.IndexingThreshold = c.ParseInt64("optimizer.indexingThreshold", 20000)
	c.DataDir = c.ParseString("shard.dataDir", "data")
	c.LogLevel = c.ParseString("log.level", "info")
	c.LogFormat = c.ParseString("log.format", "text")
}
