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
	"math"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/segment"
)

// IndexingOptimizer seals oversized appendable segments into indexed ones.
// The rebuild runs off the applier goroutine; writes keep flowing through the
// proxy overlay installed for the duration of the run.
type IndexingOptimizer struct {
	holder *SegmentHolder
	params segment.CollectionParams

	// threshold is the point count at or above which a plain segment is rebuilt
	threshold int64

	running *atomic.Bool
}

// NewIndexingOptimizer builds an optimizer over holder.
func NewIndexingOptimizer(holder *SegmentHolder, params segment.CollectionParams, threshold int64) *IndexingOptimizer {
	return &IndexingOptimizer{
		holder:    holder,
		params:    params,
		threshold: threshold,
		running:   atomic.NewBool(false),
	}
}

// Trigger evaluates the optimization condition and launches a background run
// when a candidate exists. At most one run is in flight.
func (o *IndexingOptimizer) Trigger() {
	candidateID, ok := o.pickCandidate()
	if !ok {
		return
	}
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer o.running.Store(false)
		if err := o.optimize(candidateID); err != nil {
			o.holder.SetOptimizerError(err)
			log.Error("optimization failed", zap.Uint64("segmentID", candidateID), zap.Error(err))
		}
	}()
}

// pickCandidate returns the largest plain appendable segment at or above the
// threshold.
func (o *IndexingOptimizer) pickCandidate() (SegmentID, bool) {
	var candidateID SegmentID
	largest := int64(-1)
	for _, entry := range o.holder.Snapshot() {
		if entry.Segment.IsProxy() {
			continue
		}
		var info segment.Info
		appendable := false
		_ = entry.Segment.Read(func(seg segment.Segment) error {
			info = seg.Info()
			appendable = seg.IsAppendable()
			return nil
		})
		if !appendable || info.Type != segment.TypePlain {
			continue
		}
		if int64(info.NumPoints) >= o.threshold && int64(info.NumPoints) > largest {
			candidateID = entry.ID
			largest = int64(info.NumPoints)
		}
	}
	return candidateID, largest >= 0
}

// optimize rebuilds one segment behind a proxy and swaps the result in. On
// failure the proxy is rolled back so the shard keeps serving from the
// original.
func (o *IndexingOptimizer) optimize(id SegmentID) error {
	writeSegment := segment.NewMemSegment(o.params)
	proxy, err := o.holder.Proxy(id, writeSegment)
	if err != nil {
		return err
	}

	rebuilt, err := o.rebuild(proxy)
	if err != nil {
		if rollbackErr := o.holder.Unproxy(id); rollbackErr != nil {
			log.Error("proxy rollback failed", zap.Uint64("segmentID", id), zap.Error(rollbackErr))
		}
		return err
	}

	newID, err := o.holder.CommitProxy(id, rebuilt)
	if err != nil {
		if rollbackErr := o.holder.Unproxy(id); rollbackErr != nil {
			log.Error("proxy rollback failed", zap.Uint64("segmentID", id), zap.Error(rollbackErr))
		}
		return err
	}
	o.ensureAppendable()
	log.Info("segment optimized",
		zap.Uint64("oldSegmentID", id), zap.Uint64("newSegmentID", newID))
	return nil
}

// ensureAppendable keeps at least one segment accepting new ids after the
// only appendable one was sealed.
func (o *IndexingOptimizer) ensureAppendable() {
	for _, entry := range o.holder.Snapshot() {
		appendable := false
		_ = entry.Segment.Read(func(seg segment.Segment) error {
			appendable = seg.IsAppendable()
			return nil
		})
		if appendable {
			return
		}
	}
	o.holder.Add(segment.NewMemSegment(o.params))
}

// rebuild drains the wrapped segment under its shared lock and constructs the
// indexed replacement offline. Deletions and writes racing with the rebuild
// accumulate in the overlay and are folded in at commit.
func (o *IndexingOptimizer) rebuild(proxy *ProxySegment) (*segment.MemSegment, error) {
	rebuilt := segment.NewMemSegment(o.params)
	var schema map[string]segment.PayloadSchemaType

	err := proxy.Wrapped().Read(func(seg segment.Segment) error {
		schema = seg.Info().IndexSchema
		for _, pointID := range seg.ReadFiltered(nil, math.MaxInt, nil) {
			record, ok := seg.Retrieve(pointID, segment.SearchOptions{WithPayload: true, WithVector: true})
			if !ok {
				continue
			}
			if err := rebuilt.UpsertPoint(record.Version, record.ID, record.Vectors); err != nil {
				return err
			}
			for key, value := range record.Payload {
				if err := rebuilt.SetPayload(record.Version, record.ID, key, value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for key, kind := range schema {
		if err := rebuilt.CreateFieldIndex(rebuilt.Version(), key, kind); err != nil {
			return nil, err
		}
	}
	rebuilt.Seal()
	return rebuilt, nil
}
