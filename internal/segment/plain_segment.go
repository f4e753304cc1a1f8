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

package segment

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"

	"github.com/vecstore-io/vecstore/internal/util/merr"
)

const (
	bloomFilterSize       uint    = 100000
	maxBloomFalsePositive float64 = 0.005

	// cancellation is checked between batches of this many points
	cancelCheckInterval = 256

	cardinalitySampleSize = 1000
)

type pointEntry struct {
	version SeqNum
	vectors NamedVectors
	payload Payload
}

// MemSegment is the in-memory segment implementation. Created plain and
// appendable; the optimizer seals it into an indexed one. Not goroutine safe,
// the owning shard serializes access.
type MemSegment struct {
	params CollectionParams

	points map[PointID]*pointEntry
	idTree *btree.BTreeG[PointID]

	// pkFilter short-circuits HasPoint for ids the segment never saw
	pkFilter *bloom.BloomFilter

	indexSchema map[string]PayloadSchemaType

	segType    Type
	appendable bool

	version   SeqNum
	persisted SeqNum
}

var _ Segment = (*MemSegment)(nil)

// NewMemSegment creates an empty appendable plain segment.
func NewMemSegment(params CollectionParams) *MemSegment {
	return &MemSegment{
		params:      params,
		points:      make(map[PointID]*pointEntry),
		idTree:      btree.NewG[PointID](32, PointID.Less),
		pkFilter:    bloom.NewWithEstimates(bloomFilterSize, maxBloomFalsePositive),
		indexSchema: make(map[string]PayloadSchemaType),
		segType:     TypePlain,
		appendable:  true,
	}
}

// Seal marks the segment indexed and non-appendable. Used by the optimizer
// after rebuilding.
func (s *MemSegment) Seal() {
	s.segType = TypeIndexed
	s.appendable = false
}

func (s *MemSegment) bumpVersion(opNum SeqNum) {
	if opNum > s.version {
		s.version = opNum
	}
}

// UpsertPoint inserts or replaces the vectors of a point, keeping any
// existing payload.
func (s *MemSegment) UpsertPoint(opNum SeqNum, id PointID, vectors NamedVectors) error {
	for name, vector := range vectors {
		params, err := s.params.VectorParamsFor(name)
		if err != nil {
			return merr.WrapErrVectorName(name)
		}
		if len(vector) != params.Dim {
			return merr.WrapErrDimMismatch(len(vector), params.Dim)
		}
	}
	entry, ok := s.points[id]
	if !ok {
		entry = &pointEntry{payload: make(Payload)}
		s.points[id] = entry
		s.idTree.ReplaceOrInsert(id)
		s.pkFilter.Add(id.Bytes())
	}
	cloned := make(NamedVectors, len(vectors))
	for name, vector := range vectors {
		cloned[name] = append(Vector(nil), vector...)
	}
	entry.vectors = cloned
	entry.version = opNum
	s.bumpVersion(opNum)
	return nil
}

// DeletePoint removes a point, reporting whether it existed.
func (s *MemSegment) DeletePoint(opNum SeqNum, id PointID) (bool, error) {
	if _, ok := s.points[id]; !ok {
		return false, nil
	}
	delete(s.points, id)
	s.idTree.Delete(id)
	s.bumpVersion(opNum)
	return true, nil
}

// SetPayload sets one payload key of a point.
func (s *MemSegment) SetPayload(opNum SeqNum, id PointID, key string, value json.RawMessage) error {
	entry, ok := s.points[id]
	if !ok {
		return merr.WrapErrPointNotFound(id)
	}
	entry.payload[key] = append(json.RawMessage(nil), value...)
	entry.version = opNum
	s.bumpVersion(opNum)
	return nil
}

// DeletePayload removes one payload key of a point.
func (s *MemSegment) DeletePayload(opNum SeqNum, id PointID, key string) error {
	entry, ok := s.points[id]
	if !ok {
		return merr.WrapErrPointNotFound(id)
	}
	delete(entry.payload, key)
	entry.version = opNum
	s.bumpVersion(opNum)
	return nil
}

// ClearPayload removes the whole payload of a point.
func (s *MemSegment) ClearPayload(opNum SeqNum, id PointID) error {
	entry, ok := s.points[id]
	if !ok {
		return merr.WrapErrPointNotFound(id)
	}
	entry.payload = make(Payload)
	entry.version = opNum
	s.bumpVersion(opNum)
	return nil
}

// CreateFieldIndex declares a payload field index.
func (s *MemSegment) CreateFieldIndex(opNum SeqNum, key string, schema PayloadSchemaType) error {
	s.indexSchema[key] = schema
	s.bumpVersion(opNum)
	return nil
}

// DropFieldIndex removes a payload field index.
func (s *MemSegment) DropFieldIndex(opNum SeqNum, key string) error {
	delete(s.indexSchema, key)
	s.bumpVersion(opNum)
	return nil
}

// Search scans all points matching the filter and returns the top hits sorted
// descending by raw score, ties broken by ascending id.
func (s *MemSegment) Search(ctx context.Context, vectorName string, query Vector, filter *Filter, opts SearchOptions, top int) ([]ScoredPoint, error) {
	params, err := s.params.VectorParamsFor(vectorName)
	if err != nil {
		return nil, merr.WrapErrVectorName(vectorName)
	}
	if len(query) != params.Dim {
		return nil, merr.WrapErrDimMismatch(len(query), params.Dim)
	}

	hits := make([]ScoredPoint, 0, top)
	checked := 0
	var iterErr error
	s.idTree.Ascend(func(id PointID) bool {
		checked++
		if checked%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				iterErr = merr.ErrCancelled
				return false
			}
		}
		entry := s.points[id]
		vector, ok := entry.vectors[vectorName]
		if !ok {
			return true
		}
		if !filter.Check(id, entry.payload) {
			return true
		}
		hits = append(hits, ScoredPoint{
			ID:      id,
			Version: entry.version,
			Score:   params.Distance.Score(query, vector),
		})
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.Less(hits[j].ID)
	})
	if len(hits) > top {
		hits = hits[:top]
	}
	for i := range hits {
		s.fillPoint(&hits[i], opts)
	}
	return hits, nil
}

func (s *MemSegment) fillPoint(hit *ScoredPoint, opts SearchOptions) {
	entry, ok := s.points[hit.ID]
	if !ok {
		return
	}
	if opts.WithPayload {
		hit.Payload = clonePayload(entry.payload)
	}
	if opts.WithVector {
		hit.Vectors = cloneVectors(entry.vectors)
	}
}

// ReadFiltered returns up to limit matching ids in ascending order starting
// at offset.
func (s *MemSegment) ReadFiltered(offset *PointID, limit int, filter *Filter) []PointID {
	capHint := limit
	if capHint > len(s.points) {
		capHint = len(s.points)
	}
	ids := make([]PointID, 0, capHint)
	visit := func(id PointID) bool {
		entry := s.points[id]
		if !filter.Check(id, entry.payload) {
			return true
		}
		ids = append(ids, id)
		return len(ids) < limit
	}
	if offset != nil {
		s.idTree.AscendGreaterOrEqual(*offset, visit)
	} else {
		s.idTree.Ascend(visit)
	}
	return ids
}

// EstimateCardinality samples the segment to estimate the filter selectivity.
func (s *MemSegment) EstimateCardinality(filter *Filter) CardinalityEstimate {
	total := len(s.points)
	if filter == nil {
		return CardinalityEstimate{Exp: total, Min: total, Max: total}
	}
	sampled, matched := 0, 0
	s.idTree.Ascend(func(id PointID) bool {
		sampled++
		if filter.Check(id, s.points[id].payload) {
			matched++
		}
		return sampled < cardinalitySampleSize
	})
	if sampled == total {
		// full scan, the estimate is exact
		return CardinalityEstimate{Exp: matched, Min: matched, Max: matched}
	}
	exp := matched * total / sampled
	return CardinalityEstimate{Exp: exp, Min: 0, Max: total}
}

// Retrieve returns one point.
func (s *MemSegment) Retrieve(id PointID, opts SearchOptions) (Record, bool) {
	entry, ok := s.points[id]
	if !ok {
		return Record{}, false
	}
	record := Record{ID: id, Version: entry.version}
	if opts.WithPayload {
		record.Payload = clonePayload(entry.payload)
	}
	if opts.WithVector {
		record.Vectors = cloneVectors(entry.vectors)
	}
	return record, true
}

// HasPoint reports whether the segment holds a live copy of id.
func (s *MemSegment) HasPoint(id PointID) bool {
	if !s.pkFilter.Test(id.Bytes()) {
		return false
	}
	_, ok := s.points[id]
	return ok
}

// PointVersion returns the current version of id.
func (s *MemSegment) PointVersion(id PointID) (SeqNum, bool) {
	entry, ok := s.points[id]
	if !ok {
		return 0, false
	}
	return entry.version, true
}

// Info reports the segment's observable state.
func (s *MemSegment) Info() Info {
	numVectors := 0
	for _, entry := range s.points {
		numVectors += len(entry.vectors)
	}
	schema := make(map[string]PayloadSchemaType, len(s.indexSchema))
	for key, kind := range s.indexSchema {
		schema[key] = kind
	}
	return Info{
		Type:        s.segType,
		NumPoints:   len(s.points),
		NumVectors:  numVectors,
		IndexSchema: schema,
	}
}

// IsAppendable reports whether the segment accepts new ids.
func (s *MemSegment) IsAppendable() bool { return s.appendable }

// Flush marks the applied state durable. The in-memory segment has no files
// of its own, durability is carried by the wal plus the shard meta store, so
// flush only advances the persisted watermark.
func (s *MemSegment) Flush() (SeqNum, error) {
	s.persisted = s.version
	return s.persisted, nil
}

// Version returns the highest sequence number applied to this segment.
func (s *MemSegment) Version() SeqNum { return s.version }

// Records snapshots every live point of the segment, payload and vectors
// included. The optimizer uses it to rebuild offline.
func (s *MemSegment) Records() []Record {
	records := make([]Record, 0, len(s.points))
	s.idTree.Ascend(func(id PointID) bool {
		entry := s.points[id]
		records = append(records, Record{
			ID:      id,
			Version: entry.version,
			Payload: clonePayload(entry.payload),
			Vectors: cloneVectors(entry.vectors),
		})
		return true
	})
	return records
}

func clonePayload(payload Payload) Payload {
	cloned := make(Payload, len(payload))
	for key, value := range payload {
		cloned[key] = append(json.RawMessage(nil), value...)
	}
	return cloned
}

func cloneVectors(vectors NamedVectors) NamedVectors {
	cloned := make(NamedVectors, len(vectors))
	for name, vector := range vectors {
		cloned[name] = append(Vector(nil), vector...)
	}
	return cloned
}
