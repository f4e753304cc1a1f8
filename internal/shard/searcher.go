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
	"runtime"
	"sort"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/vecstore-io/vecstore/internal/metrics"
	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/merr"
)

// SearchRequest is one query of a search batch.
type SearchRequest struct {
	VectorName     string
	Vector         segment.Vector
	Filter         *segment.Filter
	Limit          int
	Offset         int
	ScoreThreshold *float32
	WithPayload    bool
	WithVector     bool
}

// CountResult is the outcome of a count request.
type CountResult struct {
	Count int
}

// ShardStatus is the aggregated health color.
type ShardStatus int32

const (
	StatusGreen ShardStatus = iota + 1
	StatusYellow
	StatusRed
)

func (s ShardStatus) String() string {
	switch s {
	case StatusGreen:
		return "green"
	case StatusYellow:
		return "yellow"
	case StatusRed:
		return "red"
	}
	return "unknown"
}

// ShardInfo is the aggregated view over all segments of a shard.
type ShardInfo struct {
	Status              ShardStatus
	OptimizerError      error
	PointsCount         int
	VectorsCount        int
	IndexedVectorsCount int
	SegmentsCount       int
	PayloadSchema       map[string]segment.PayloadSchemaType
}

// SegmentsSearcher fans read requests out over the holder's segments. It is
// stateless: every call snapshots membership, clones the handles and releases
// the holder lock before any per-segment work starts.
type SegmentsSearcher struct {
	// poolSize bounds concurrent per-segment tasks, 0 means GOMAXPROCS
	poolSize int
}

// NewSegmentsSearcher builds a searcher with the given cpu pool size.
func NewSegmentsSearcher(poolSize int) *SegmentsSearcher {
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0)
	}
	return &SegmentsSearcher{poolSize: poolSize}
}

// Search runs a batch of requests against every segment on the worker pool
// and merges per-request results: concatenate, deduplicate by id keeping the
// best score, sort descending by score with ascending id tie-break,
// postprocess, apply threshold, offset and limit.
func (s *SegmentsSearcher) Search(ctx context.Context, holder *SegmentHolder, batch []SearchRequest, params segment.CollectionParams) ([][]segment.ScoredPoint, error) {
	started := time.Now()
	defer func() { metrics.ShardSearchLatency.Observe(time.Since(started).Seconds()) }()

	for i := range batch {
		if _, err := params.VectorParamsFor(batch[i].VectorName); err != nil {
			return nil, merr.WrapErrVectorName(batch[i].VectorName)
		}
	}

	entries := holder.Snapshot()

	// per segment, per request
	partial := make([][][]segment.ScoredPoint, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.poolSize)
	for i, entry := range entries {
		i, entry := i, entry
		group.Go(func() error {
			results := make([][]segment.ScoredPoint, len(batch))
			err := entry.Segment.Read(func(seg segment.Segment) error {
				for j := range batch {
					req := &batch[j]
					top := req.Limit + req.Offset
					opts := segment.SearchOptions{WithPayload: req.WithPayload, WithVector: req.WithVector}
					hits, err := seg.Search(groupCtx, req.VectorName, req.Vector, req.Filter, opts, top)
					if err != nil {
						return err
					}
					results[j] = hits
				}
				return nil
			})
			if err != nil {
				return err
			}
			partial[i] = results
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := make([][]segment.ScoredPoint, len(batch))
	for j := range batch {
		req := &batch[j]
		distance := params.Vectors[req.VectorName].Distance
		candidates := lo.FlatMap(partial, func(results [][]segment.ScoredPoint, _ int) []segment.ScoredPoint {
			if results == nil {
				return nil
			}
			return results[j]
		})
		merged[j] = mergeHits(candidates, distance, req)
	}
	return merged, nil
}

func mergeHits(candidates []segment.ScoredPoint, distance segment.Distance, req *SearchRequest) []segment.ScoredPoint {
	// dedupe by id keeping the best raw score
	best := make(map[segment.PointID]int, len(candidates))
	hits := candidates[:0]
	for _, hit := range candidates {
		if at, seen := best[hit.ID]; seen {
			if hit.Score > hits[at].Score {
				hits[at] = hit
			}
			continue
		}
		best[hit.ID] = len(hits)
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID.Less(hits[j].ID)
	})

	// postprocess after merging: the transform is monotone, merging on raw
	// scores is legal because all segments share one distance
	for i := range hits {
		hits[i].Score = distance.PostprocessScore(hits[i].Score)
	}

	if req.ScoreThreshold != nil {
		cut := len(hits)
		for i := range hits {
			if !distance.CheckThreshold(hits[i].Score, *req.ScoreThreshold) {
				cut = i
				break
			}
		}
		hits = hits[:cut]
	}

	if req.Offset >= len(hits) {
		return nil
	}
	hits = hits[req.Offset:]
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return hits
}

// Retrieve fetches points by id. When a transitional proxy state yields the
// same id from several segments, the copy with the highest version wins.
// Results come back in input order; ids not found are skipped.
func (s *SegmentsSearcher) Retrieve(ctx context.Context, holder *SegmentHolder, ids []segment.PointID, opts segment.SearchOptions) ([]segment.Record, error) {
	entries := holder.Snapshot()

	found := make(map[segment.PointID]segment.Record, len(ids))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, merr.ErrCancelled
		}
		err := entry.Segment.Read(func(seg segment.Segment) error {
			for _, id := range ids {
				record, ok := seg.Retrieve(id, opts)
				if !ok {
					continue
				}
				if prev, dup := found[id]; !dup || record.Version > prev.Version {
					found[id] = record
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	records := make([]segment.Record, 0, len(found))
	for _, id := range ids {
		if record, ok := found[id]; ok {
			records = append(records, record)
		}
	}
	return records, nil
}

// ScrollBy pages through points in ascending id order starting at offset.
func (s *SegmentsSearcher) ScrollBy(ctx context.Context, holder *SegmentHolder, offset *segment.PointID, limit int, opts segment.SearchOptions, filter *segment.Filter) ([]segment.Record, error) {
	entries := holder.Snapshot()

	var ids []segment.PointID
	for _, entry := range entries {
		err := entry.Segment.Read(func(seg segment.Segment) error {
			ids = append(ids, seg.ReadFiltered(offset, limit, filter)...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	ids = lo.Uniq(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	records, err := s.Retrieve(ctx, holder, ids, opts)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Less(records[j].ID) })
	return records, nil
}

// Count counts matching points, exactly via a full filtered read or by
// summing per-segment cardinality estimates.
func (s *SegmentsSearcher) Count(ctx context.Context, holder *SegmentHolder, filter *segment.Filter, exact bool) (CountResult, error) {
	entries := holder.Snapshot()

	if exact {
		seen := make(map[segment.PointID]struct{})
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return CountResult{}, merr.ErrCancelled
			}
			err := entry.Segment.Read(func(seg segment.Segment) error {
				for _, id := range seg.ReadFiltered(nil, int(^uint(0)>>1), filter) {
					seen[id] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return CountResult{}, err
			}
		}
		return CountResult{Count: len(seen)}, nil
	}

	total := 0
	for _, entry := range entries {
		err := entry.Segment.Read(func(seg segment.Segment) error {
			total += seg.EstimateCardinality(filter).Exp
			return nil
		})
		if err != nil {
			return CountResult{}, err
		}
	}
	return CountResult{Count: total}, nil
}

// Info aggregates segment counts and health. Indexed vector counts come only
// from indexed segments; a proxy contributes its wrapped segment's count when
// that one is indexed.
func (s *SegmentsSearcher) Info(holder *SegmentHolder) ShardInfo {
	entries := holder.Snapshot()

	info := ShardInfo{
		Status:        StatusGreen,
		SegmentsCount: len(entries),
		PayloadSchema: make(map[string]segment.PayloadSchemaType),
	}
	for _, entry := range entries {
		var segInfo segment.Info
		var wrappedInfo *segment.Info
		_ = entry.Segment.Read(func(seg segment.Segment) error {
			segInfo = seg.Info()
			if proxy, ok := seg.(*ProxySegment); ok {
				_ = proxy.Wrapped().Read(func(wrapped segment.Segment) error {
					wi := wrapped.Info()
					wrappedInfo = &wi
					return nil
				})
			}
			return nil
		})

		switch {
		case segInfo.Type == segment.TypeIndexed:
			info.IndexedVectorsCount += segInfo.NumVectors
		case wrappedInfo != nil && wrappedInfo.Type == segment.TypeIndexed:
			info.IndexedVectorsCount += wrappedInfo.NumVectors
		}
		if segInfo.Type == segment.TypeSpecial {
			info.Status = StatusYellow
		}
		info.PointsCount += segInfo.NumPoints
		info.VectorsCount += segInfo.NumVectors
		for key, kind := range segInfo.IndexSchema {
			info.PayloadSchema[key] = kind
		}
	}

	if err := holder.OptimizerError(); err != nil {
		info.Status = StatusRed
		info.OptimizerError = err
	}
	if len(holder.FailedOperations()) > 0 {
		info.Status = StatusRed
	}
	return info
}
