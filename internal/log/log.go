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

// Package log provides the global logger used across vecstore components.
// It is a thin wrapper over zap so callers can write
// log.Info("...", zap.Int64("segmentID", id)) without carrying a logger around.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger configuration loaded from paramtable.
type Config struct {
	Level  string
	Format string // "text" or "json"
}

var (
	mu     sync.RWMutex
	global *zap.Logger = newDefault()
)

func newDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, _ := cfg.Build(zap.AddCallerSkip(1))
	return l
}

// Init replaces the global logger according to cfg.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format != "json" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	l, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	mu.Lock()
	global = l
	mu.Unlock()
	return nil
}

// L returns the global logger without the wrapper's caller skip.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global.WithOptions(zap.AddCallerSkip(-1))
}

// With creates a child logger with the given fields attached.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

func Debug(msg string, fields ...zap.Field) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.Error(msg, fields...)
}
