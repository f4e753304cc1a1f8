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

package shard

import (
	"sync"

	"github.com/vecstore-io/vecstore/internal/segment"
)

// LockedSegment grants shared or exclusive access to one segment. Two
// variants: an original directly guards a concrete segment, a proxy guards a
// ProxySegment overlay while the optimizer rebuilds the wrapped one.
//
// Lock order across the shard is always holder before segment, and for a
// proxy, outer lock before the wrapped segment's lock. Never the reverse.
type LockedSegment struct {
	mu    sync.RWMutex
	seg   segment.Segment
	proxy *ProxySegment // nil for the original variant
}

// NewLockedSegment wraps a concrete segment in the original variant.
func NewLockedSegment(seg segment.Segment) *LockedSegment {
	return &LockedSegment{seg: seg}
}

func newProxyLockedSegment(p *ProxySegment) *LockedSegment {
	return &LockedSegment{seg: p, proxy: p}
}

// IsProxy reports whether this handle guards a proxy overlay.
func (ls *LockedSegment) IsProxy() bool { return ls.proxy != nil }

// Proxy returns the overlay, nil for the original variant.
func (ls *LockedSegment) Proxy() *ProxySegment { return ls.proxy }

// Read runs fn under the shared lock.
func (ls *LockedSegment) Read(fn func(seg segment.Segment) error) error {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return fn(ls.seg)
}

// Write runs fn under the exclusive lock.
func (ls *LockedSegment) Write(fn func(seg segment.Segment) error) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return fn(ls.seg)
}
