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
	"context"
	"encoding/json"
	"sort"

	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/merr"
)

// ProxySegment is the write-through overlay installed while the optimizer
// rebuilds the wrapped segment. Reads see the wrapped segment minus the
// deletion mask, unioned with the write segment; every write is routed to the
// write segment and masks any copy in the wrapped one.
//
// Mutating methods run under the exclusive lock of the owning LockedSegment,
// reads under its shared lock, so the plain maps need no extra
// synchronization. Delegation to the wrapped segment takes the wrapped
// handle's own lock, preserving the outer-before-inner order.
type ProxySegment struct {
	wrapped      *LockedSegment
	writeSegment segment.Segment

	// deletedPoints masks ids of the wrapped segment; value is the seq num
	// of the masking operation
	deletedPoints map[segment.PointID]segment.SeqNum

	deletedIndexes map[string]struct{}
	createdIndexes map[string]segment.PayloadSchemaType
}

var _ segment.Segment = (*ProxySegment)(nil)

// NewProxySegment builds the overlay around wrapped with the given fresh
// write segment.
func NewProxySegment(wrapped *LockedSegment, writeSegment segment.Segment) *ProxySegment {
	return &ProxySegment{
		wrapped:        wrapped,
		writeSegment:   writeSegment,
		deletedPoints:  make(map[segment.PointID]segment.SeqNum),
		deletedIndexes: make(map[string]struct{}),
		createdIndexes: make(map[string]segment.PayloadSchemaType),
	}
}

// Wrapped returns the handle of the segment being rebuilt.
func (p *ProxySegment) Wrapped() *LockedSegment { return p.wrapped }

// WriteSegment returns the owned overlay segment.
func (p *ProxySegment) WriteSegment() segment.Segment { return p.writeSegment }

// DeletedPoints snapshots the deletion mask.
func (p *ProxySegment) DeletedPoints() map[segment.PointID]segment.SeqNum {
	out := make(map[segment.PointID]segment.SeqNum, len(p.deletedPoints))
	for id, seq := range p.deletedPoints {
		out[id] = seq
	}
	return out
}

func (p *ProxySegment) wrappedHasLive(id segment.PointID) bool {
	if _, masked := p.deletedPoints[id]; masked {
		return false
	}
	var has bool
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		has = seg.HasPoint(id)
		return nil
	})
	return has
}

// maskWrapped adds id to the deletion mask when the wrapped segment holds it.
func (p *ProxySegment) maskWrapped(opNum segment.SeqNum, id segment.PointID) bool {
	var has bool
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		has = seg.HasPoint(id)
		return nil
	})
	if has {
		p.deletedPoints[id] = opNum
	}
	return has
}

// moveToWrite copies a wrapped-only point into the write segment so payload
// mutations apply to the live copy.
func (p *ProxySegment) moveToWrite(id segment.PointID) error {
	var record segment.Record
	var ok bool
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		record, ok = seg.Retrieve(id, segment.SearchOptions{WithPayload: true, WithVector: true})
		return nil
	})
	if !ok {
		return merr.WrapErrPointNotFound(id)
	}
	if err := p.writeSegment.UpsertPoint(record.Version, id, record.Vectors); err != nil {
		return err
	}
	for key, value := range record.Payload {
		if err := p.writeSegment.SetPayload(record.Version, id, key, value); err != nil {
			return err
		}
	}
	p.deletedPoints[id] = record.Version
	return nil
}

func (p *ProxySegment) UpsertPoint(opNum segment.SeqNum, id segment.PointID, vectors segment.NamedVectors) error {
	if err := p.writeSegment.UpsertPoint(opNum, id, vectors); err != nil {
		return err
	}
	p.maskWrapped(opNum, id)
	return nil
}

func (p *ProxySegment) DeletePoint(opNum segment.SeqNum, id segment.PointID) (bool, error) {
	existed, err := p.writeSegment.DeletePoint(opNum, id)
	if err != nil {
		return false, err
	}
	if _, masked := p.deletedPoints[id]; !masked {
		if p.maskWrapped(opNum, id) {
			existed = true
		}
	}
	return existed, nil
}

func (p *ProxySegment) SetPayload(opNum segment.SeqNum, id segment.PointID, key string, value json.RawMessage) error {
	if !p.writeSegment.HasPoint(id) {
		if !p.wrappedHasLive(id) {
			return merr.WrapErrPointNotFound(id)
		}
		if err := p.moveToWrite(id); err != nil {
			return err
		}
	}
	return p.writeSegment.SetPayload(opNum, id, key, value)
}

func (p *ProxySegment) DeletePayload(opNum segment.SeqNum, id segment.PointID, key string) error {
	if !p.writeSegment.HasPoint(id) {
		if !p.wrappedHasLive(id) {
			return merr.WrapErrPointNotFound(id)
		}
		if err := p.moveToWrite(id); err != nil {
			return err
		}
	}
	return p.writeSegment.DeletePayload(opNum, id, key)
}

func (p *ProxySegment) ClearPayload(opNum segment.SeqNum, id segment.PointID) error {
	if !p.writeSegment.HasPoint(id) {
		if !p.wrappedHasLive(id) {
			return merr.WrapErrPointNotFound(id)
		}
		if err := p.moveToWrite(id); err != nil {
			return err
		}
	}
	return p.writeSegment.ClearPayload(opNum, id)
}

func (p *ProxySegment) CreateFieldIndex(opNum segment.SeqNum, key string, schema segment.PayloadSchemaType) error {
	if err := p.writeSegment.CreateFieldIndex(opNum, key, schema); err != nil {
		return err
	}
	p.createdIndexes[key] = schema
	delete(p.deletedIndexes, key)
	return nil
}

func (p *ProxySegment) DropFieldIndex(opNum segment.SeqNum, key string) error {
	if err := p.writeSegment.DropFieldIndex(opNum, key); err != nil {
		return err
	}
	p.deletedIndexes[key] = struct{}{}
	delete(p.createdIndexes, key)
	return nil
}

func (p *ProxySegment) Search(ctx context.Context, vectorName string, vector segment.Vector, filter *segment.Filter, opts segment.SearchOptions, top int) ([]segment.ScoredPoint, error) {
	// over-fetch from the wrapped segment so masking cannot starve the merge
	wrappedTop := top + len(p.deletedPoints)
	var wrappedHits []segment.ScoredPoint
	err := p.wrapped.Read(func(seg segment.Segment) error {
		hits, err := seg.Search(ctx, vectorName, vector, filter, opts, wrappedTop)
		if err != nil {
			return err
		}
		wrappedHits = hits
		return nil
	})
	if err != nil {
		return nil, err
	}

	writeHits, err := p.writeSegment.Search(ctx, vectorName, vector, filter, opts, top)
	if err != nil {
		return nil, err
	}

	merged := make([]segment.ScoredPoint, 0, len(wrappedHits)+len(writeHits))
	fromWrite := make(map[segment.PointID]struct{}, len(writeHits))
	for _, hit := range writeHits {
		fromWrite[hit.ID] = struct{}{}
		merged = append(merged, hit)
	}
	for _, hit := range wrappedHits {
		if _, masked := p.deletedPoints[hit.ID]; masked {
			continue
		}
		if _, dup := fromWrite[hit.ID]; dup {
			continue
		}
		merged = append(merged, hit)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID.Less(merged[j].ID)
	})
	if len(merged) > top {
		merged = merged[:top]
	}
	return merged, nil
}

func (p *ProxySegment) ReadFiltered(offset *segment.PointID, limit int, filter *segment.Filter) []segment.PointID {
	wrappedLimit := limit + len(p.deletedPoints)
	if wrappedLimit < limit {
		wrappedLimit = limit
	}
	var wrappedIDs []segment.PointID
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		wrappedIDs = seg.ReadFiltered(offset, wrappedLimit, filter)
		return nil
	})
	writeIDs := p.writeSegment.ReadFiltered(offset, limit, filter)

	seen := make(map[segment.PointID]struct{}, len(wrappedIDs)+len(writeIDs))
	ids := make([]segment.PointID, 0, len(wrappedIDs)+len(writeIDs))
	for _, id := range writeIDs {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range wrappedIDs {
		if _, masked := p.deletedPoints[id]; masked {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (p *ProxySegment) EstimateCardinality(filter *segment.Filter) segment.CardinalityEstimate {
	var wrapped segment.CardinalityEstimate
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		wrapped = seg.EstimateCardinality(filter)
		return nil
	})
	write := p.writeSegment.EstimateCardinality(filter)

	masked := len(p.deletedPoints)
	estimate := segment.CardinalityEstimate{
		Exp: clampNonNegative(wrapped.Exp-masked) + write.Exp,
		Min: clampNonNegative(wrapped.Min - masked),
		Max: wrapped.Max + write.Max,
	}
	return estimate
}

func (p *ProxySegment) Retrieve(id segment.PointID, opts segment.SearchOptions) (segment.Record, bool) {
	if record, ok := p.writeSegment.Retrieve(id, opts); ok {
		return record, true
	}
	if _, masked := p.deletedPoints[id]; masked {
		return segment.Record{}, false
	}
	var record segment.Record
	var ok bool
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		record, ok = seg.Retrieve(id, opts)
		return nil
	})
	return record, ok
}

func (p *ProxySegment) HasPoint(id segment.PointID) bool {
	if p.writeSegment.HasPoint(id) {
		return true
	}
	return p.wrappedHasLive(id)
}

func (p *ProxySegment) PointVersion(id segment.PointID) (segment.SeqNum, bool) {
	if version, ok := p.writeSegment.PointVersion(id); ok {
		return version, true
	}
	if _, masked := p.deletedPoints[id]; masked {
		return 0, false
	}
	var version segment.SeqNum
	var ok bool
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		version, ok = seg.PointVersion(id)
		return nil
	})
	return version, ok
}

// Info reports the wrapped counts minus the deletion mask plus the write
// segment, typed Special so info aggregation flips status to yellow.
func (p *ProxySegment) Info() segment.Info {
	var wrapped segment.Info
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		wrapped = seg.Info()
		return nil
	})
	write := p.writeSegment.Info()

	masked := len(p.deletedPoints)
	schema := make(map[string]segment.PayloadSchemaType, len(wrapped.IndexSchema)+len(p.createdIndexes))
	for key, kind := range wrapped.IndexSchema {
		if _, dropped := p.deletedIndexes[key]; dropped {
			continue
		}
		schema[key] = kind
	}
	for key, kind := range p.createdIndexes {
		schema[key] = kind
	}

	return segment.Info{
		Type:        segment.TypeSpecial,
		NumPoints:   clampNonNegative(wrapped.NumPoints-masked) + write.NumPoints,
		NumVectors:  clampNonNegative(wrapped.NumVectors-masked) + write.NumVectors,
		IndexSchema: schema,
	}
}

// IsAppendable is true: new ids land in the write segment.
func (p *ProxySegment) IsAppendable() bool { return true }

func (p *ProxySegment) Flush() (segment.SeqNum, error) {
	writeSeq, err := p.writeSegment.Flush()
	if err != nil {
		return 0, err
	}
	var wrappedSeq segment.SeqNum
	err = p.wrapped.Write(func(seg segment.Segment) error {
		seq, err := seg.Flush()
		wrappedSeq = seq
		return err
	})
	if err != nil {
		return 0, err
	}
	if wrappedSeq < writeSeq {
		return wrappedSeq, nil
	}
	return writeSeq, nil
}

func (p *ProxySegment) Version() segment.SeqNum {
	var wrapped segment.SeqNum
	_ = p.wrapped.Read(func(seg segment.Segment) error {
		wrapped = seg.Version()
		return nil
	})
	if write := p.writeSegment.Version(); write > wrapped {
		return write
	}
	return wrapped
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
