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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vecstore-io/vecstore/internal/segment"
)

func dotParams() segment.CollectionParams {
	return segment.CollectionParams{
		Vectors: map[string]segment.VectorParams{
			"": {Dim: 4, Distance: segment.DistanceDot},
		},
	}
}

func numID(n uint64) segment.PointID { return segment.NewNumID(n) }

func upsert(t *testing.T, seg segment.Segment, opNum SeqNum, id uint64, vector segment.Vector) {
	t.Helper()
	require.NoError(t, seg.UpsertPoint(opNum, numID(id), segment.NamedVectors{"": vector}))
}

// buildSegment1 holds points 1..5 with color payloads.
func buildSegment1(t *testing.T) *segment.MemSegment {
	t.Helper()
	seg := segment.NewMemSegment(dotParams())

	upsert(t, seg, 1, 1, segment.Vector{1.0, 0.0, 1.0, 1.0})
	upsert(t, seg, 2, 2, segment.Vector{1.0, 0.0, 1.0, 0.0})
	upsert(t, seg, 3, 3, segment.Vector{1.0, 1.0, 1.0, 1.0})
	upsert(t, seg, 4, 4, segment.Vector{1.0, 1.0, 0.0, 1.0})
	upsert(t, seg, 5, 5, segment.Vector{1.0, 0.0, 0.0, 0.0})

	colors := map[uint64]string{
		1: `["red"]`,
		2: `["red"]`,
		3: `["blue"]`,
		4: `["red","blue"]`,
		5: `["red","blue"]`,
	}
	for id, color := range colors {
		require.NoError(t, seg.SetPayload(6, numID(id), "color", json.RawMessage(color)))
	}
	return seg
}

// buildSegment2 shares ids 4 and 5 with segment 1 at later versions and adds
// 11..15.
func buildSegment2(t *testing.T) *segment.MemSegment {
	t.Helper()
	seg := segment.NewMemSegment(dotParams())

	upsert(t, seg, 7, 4, segment.Vector{1.0, 1.0, 0.0, 1.0})
	upsert(t, seg, 8, 5, segment.Vector{1.0, 0.0, 0.0, 0.0})

	upsert(t, seg, 11, 11, segment.Vector{1.0, 1.0, 1.0, 1.0})
	upsert(t, seg, 12, 12, segment.Vector{1.0, 1.0, 1.0, 0.0})
	upsert(t, seg, 13, 13, segment.Vector{1.0, 0.0, 1.0, 1.0})
	upsert(t, seg, 14, 14, segment.Vector{1.0, 0.0, 0.0, 1.0})
	upsert(t, seg, 15, 15, segment.Vector{1.0, 1.0, 0.0, 0.0})
	return seg
}

func buildTestHolder(t *testing.T) *SegmentHolder {
	t.Helper()
	holder := NewSegmentHolder()
	holder.Add(buildSegment1(t))
	holder.Add(buildSegment2(t))
	return holder
}
