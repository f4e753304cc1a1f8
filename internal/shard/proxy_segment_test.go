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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecstore-io/vecstore/internal/segment"
)

func buildProxy(t *testing.T) (*ProxySegment, *segment.MemSegment) {
	t.Helper()
	wrapped := buildSegment1(t)
	write := segment.NewMemSegment(dotParams())
	return NewProxySegment(NewLockedSegment(wrapped), write), wrapped
}

func TestProxySegment_WriteRoutesToWriteSegment(t *testing.T) {
	proxy, wrapped := buildProxy(t)

	// overwrite a point that physically lives in the wrapped segment
	require.NoError(t, proxy.UpsertPoint(10, numID(3), segment.NamedVectors{"": {0, 0, 0, 1}}))

	assert.True(t, proxy.WriteSegment().HasPoint(numID(3)))
	assert.True(t, wrapped.HasPoint(numID(3)), "wrapped copy stays in place")
	assert.Contains(t, proxy.DeletedPoints(), numID(3))

	// the read sees the overlay copy
	record, ok := proxy.Retrieve(numID(3), segment.SearchOptions{WithVector: true})
	require.True(t, ok)
	assert.Equal(t, segment.Vector{0, 0, 0, 1}, record.Vectors[""])
	assert.Equal(t, SeqNum(10), record.Version)
}

func TestProxySegment_DeleteMasksWrapped(t *testing.T) {
	proxy, wrapped := buildProxy(t)

	existed, err := proxy.DeletePoint(10, numID(3))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.True(t, wrapped.HasPoint(numID(3)), "wrapped copy physically remains")

	assert.False(t, proxy.HasPoint(numID(3)))
	_, ok := proxy.Retrieve(numID(3), segment.SearchOptions{})
	assert.False(t, ok)

	// deleting again reports absence
	existed, err = proxy.DeletePoint(11, numID(3))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestProxySegment_SearchExcludesDeleted(t *testing.T) {
	proxy, _ := buildProxy(t)

	_, err := proxy.DeletePoint(10, numID(3))
	require.NoError(t, err)

	hits, err := proxy.Search(context.Background(), "", segment.Vector{1, 1, 1, 1}, nil, segment.SearchOptions{}, 10)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.NotEqual(t, numID(3), hit.ID)
	}
	assert.Len(t, hits, 4)
}

func TestProxySegment_SearchPrefersWriteCopy(t *testing.T) {
	proxy, _ := buildProxy(t)

	// move id 2 into the overlay with a different vector
	require.NoError(t, proxy.UpsertPoint(10, numID(2), segment.NamedVectors{"": {1, 1, 1, 1}}))

	hits, err := proxy.Search(context.Background(), "", segment.Vector{1, 1, 1, 1}, nil, segment.SearchOptions{}, 10)
	require.NoError(t, err)

	occurrences := 0
	for _, hit := range hits {
		if hit.ID.Compare(numID(2)) == 0 {
			occurrences++
			assert.Equal(t, float32(4.0), hit.Score)
		}
	}
	assert.Equal(t, 1, occurrences, "no duplicate ids across overlay and wrapped")
}

func TestProxySegment_SetPayloadMovesPoint(t *testing.T) {
	proxy, _ := buildProxy(t)

	require.NoError(t, proxy.SetPayload(10, numID(5), "color", json.RawMessage(`["green"]`)))

	assert.True(t, proxy.WriteSegment().HasPoint(numID(5)))
	assert.Contains(t, proxy.DeletedPoints(), numID(5))

	record, ok := proxy.Retrieve(numID(5), segment.SearchOptions{WithPayload: true, WithVector: true})
	require.True(t, ok)
	assert.JSONEq(t, `["green"]`, string(record.Payload["color"]))
	// vectors moved along with the payload
	assert.Equal(t, segment.Vector{1.0, 0.0, 0.0, 0.0}, record.Vectors[""])

	err := proxy.SetPayload(11, numID(404), "color", json.RawMessage(`["red"]`))
	assert.Error(t, err)
}

func TestProxySegment_ReadFilteredMergesAndSorts(t *testing.T) {
	proxy, _ := buildProxy(t)

	require.NoError(t, proxy.UpsertPoint(10, numID(9), segment.NamedVectors{"": {0, 1, 0, 0}}))
	_, err := proxy.DeletePoint(11, numID(1))
	require.NoError(t, err)

	ids := proxy.ReadFiltered(nil, 100, nil)
	assert.Equal(t, []segment.PointID{numID(2), numID(3), numID(4), numID(5), numID(9)}, ids)
}

func TestProxySegment_InfoReportsSpecial(t *testing.T) {
	proxy, _ := buildProxy(t)

	require.NoError(t, proxy.UpsertPoint(10, numID(9), segment.NamedVectors{"": {0, 1, 0, 0}}))
	_, err := proxy.DeletePoint(11, numID(1))
	require.NoError(t, err)

	info := proxy.Info()
	assert.Equal(t, segment.TypeSpecial, info.Type)
	// 5 wrapped - 1 masked + 1 overlay
	assert.Equal(t, 5, info.NumPoints)
}

func TestProxySegment_IndexOverlay(t *testing.T) {
	proxy, wrapped := buildProxy(t)
	require.NoError(t, wrapped.CreateFieldIndex(5, "color", segment.PayloadSchemaKeyword))

	require.NoError(t, proxy.DropFieldIndex(10, "color"))
	assert.NotContains(t, proxy.Info().IndexSchema, "color")

	require.NoError(t, proxy.CreateFieldIndex(11, "count", segment.PayloadSchemaInteger))
	assert.Equal(t, segment.PayloadSchemaInteger, proxy.Info().IndexSchema["count"])
}

func TestHolder_ProxyCommitFoldsOverlay(t *testing.T) {
	holder := NewSegmentHolder()
	id := holder.Add(buildSegment1(t))

	write := segment.NewMemSegment(dotParams())
	proxy, err := holder.Proxy(id, write)
	require.NoError(t, err)

	// mutations while the optimizer would be rebuilding
	outcome := holder.ApplyPoints(10, []segment.PointID{numID(3)}, func(seg segment.Segment, pid segment.PointID) error {
		_, err := seg.DeletePoint(10, pid)
		return err
	})
	require.Empty(t, outcome.Failed)
	outcome = holder.ApplyPoints(11, []segment.PointID{numID(21)}, func(seg segment.Segment, pid segment.PointID) error {
		return seg.UpsertPoint(11, pid, segment.NamedVectors{"": {0, 0, 1, 1}})
	})
	require.Empty(t, outcome.Failed)

	// rebuild from the wrapped snapshot, as the optimizer does
	rebuilt := segment.NewMemSegment(dotParams())
	err = proxy.Wrapped().Read(func(seg segment.Segment) error {
		for _, record := range seg.(*segment.MemSegment).Records() {
			if err := rebuilt.UpsertPoint(record.Version, record.ID, record.Vectors); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	rebuilt.Seal()

	newID, err := holder.CommitProxy(id, rebuilt)
	require.NoError(t, err)

	ls, err := holder.Get(newID)
	require.NoError(t, err)
	_ = ls.Read(func(seg segment.Segment) error {
		assert.False(t, seg.HasPoint(numID(3)), "delete during optimization folded in")
		assert.True(t, seg.HasPoint(numID(21)), "write during optimization folded in")
		assert.True(t, seg.HasPoint(numID(1)))
		return nil
	})
	assert.Equal(t, 1, holder.Len())
}

func TestHolder_UnproxyRollsBack(t *testing.T) {
	holder := NewSegmentHolder()
	id := holder.Add(buildSegment1(t))

	write := segment.NewMemSegment(dotParams())
	_, err := holder.Proxy(id, write)
	require.NoError(t, err)

	outcome := holder.ApplyPoints(10, []segment.PointID{numID(21)}, func(seg segment.Segment, pid segment.PointID) error {
		return seg.UpsertPoint(10, pid, segment.NamedVectors{"": {0, 0, 1, 1}})
	})
	require.Empty(t, outcome.Failed)

	require.NoError(t, holder.Unproxy(id))

	ls, err := holder.Get(id)
	require.NoError(t, err)
	assert.False(t, ls.IsProxy())
	_ = ls.Read(func(seg segment.Segment) error {
		assert.True(t, seg.HasPoint(numID(21)), "overlay write folded back into the original")
		assert.True(t, seg.HasPoint(numID(1)))
		return nil
	})
}
