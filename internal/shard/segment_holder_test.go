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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecstore-io/vecstore/internal/segment"
)

func TestSegmentHolder_AddGet(t *testing.T) {
	holder := NewSegmentHolder()

	id1 := holder.Add(buildSegment1(t))
	id2 := holder.Add(buildSegment2(t))
	assert.NotEqual(t, id1, id2)

	ls, err := holder.Get(id1)
	require.NoError(t, err)
	require.NotNil(t, ls)

	_, err = holder.Get(99)
	assert.Error(t, err)

	assert.Equal(t, 2, holder.Len())
	entries := holder.Snapshot()
	assert.Len(t, entries, 2)
}

func TestSegmentHolder_ApplyPointsRouting(t *testing.T) {
	holder := buildTestHolder(t)

	// id 2 lives only in segment 1
	outcome := holder.ApplyPoints(20, []segment.PointID{numID(2)}, func(seg segment.Segment, id segment.PointID) error {
		_, err := seg.DeletePoint(20, id)
		return err
	})
	assert.Equal(t, 1, outcome.Applied)
	assert.Empty(t, outcome.Failed)

	// an unseen id goes to the newest appendable segment
	outcome = holder.ApplyPoints(21, []segment.PointID{numID(100)}, func(seg segment.Segment, id segment.PointID) error {
		return seg.UpsertPoint(21, id, segment.NamedVectors{"": {0, 0, 0, 1}})
	})
	assert.Equal(t, 1, outcome.Applied)

	entries := holder.Snapshot()
	newest := entries[len(entries)-1]
	_ = newest.Segment.Read(func(seg segment.Segment) error {
		assert.True(t, seg.HasPoint(numID(100)))
		return nil
	})
}

func TestSegmentHolder_ApplyPointsIdempotent(t *testing.T) {
	holder := buildTestHolder(t)

	calls := 0
	fn := func(seg segment.Segment, id segment.PointID) error {
		calls++
		return seg.UpsertPoint(30, id, segment.NamedVectors{"": {0, 1, 0, 1}})
	}

	outcome := holder.ApplyPoints(30, []segment.PointID{numID(1)}, fn)
	assert.Equal(t, 1, outcome.Applied)
	require.Equal(t, 1, calls)

	// replaying the same op_num is a no-op for the point
	outcome = holder.ApplyPoints(30, []segment.PointID{numID(1)}, fn)
	assert.Equal(t, 0, outcome.Applied)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, 1, calls)

	// and so is any stale op_num
	outcome = holder.ApplyPoints(29, []segment.PointID{numID(1)}, fn)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, 1, calls)
}

func TestSegmentHolder_ApplyPointsPartialFailure(t *testing.T) {
	holder := buildTestHolder(t)

	// wrong dimension for id 200 fails, the other point still applies
	outcome := holder.ApplyPoints(40, []segment.PointID{numID(200), numID(201)}, func(seg segment.Segment, id segment.PointID) error {
		vector := segment.Vector{1, 0, 0, 0}
		if id.Compare(numID(200)) == 0 {
			vector = segment.Vector{1, 0}
		}
		return seg.UpsertPoint(40, id, segment.NamedVectors{"": vector})
	})
	assert.Equal(t, 1, outcome.Applied)
	require.Len(t, outcome.Failed, 1)
	assert.Contains(t, outcome.Failed, numID(200))
}

func TestSegmentHolder_SwapAtomic(t *testing.T) {
	holder := buildTestHolder(t)
	entries := holder.Snapshot()
	oldIDs := []SegmentID{entries[0].ID, entries[1].ID}

	replacement := segment.NewMemSegment(dotParams())
	upsert(t, replacement, 50, 42, segment.Vector{1, 1, 1, 1})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snapshot := holder.Snapshot()
			// membership is either the two originals or the single
			// replacement, never a mix
			switch len(snapshot) {
			case 2:
				if snapshot[0].ID != oldIDs[0] || snapshot[1].ID != oldIDs[1] {
					t.Errorf("observed a mix of old and new segments mid-swap")
					return
				}
			case 1:
				if snapshot[0].ID == oldIDs[0] || snapshot[0].ID == oldIDs[1] {
					t.Errorf("observed one original segment without the other mid-swap")
					return
				}
			default:
				t.Errorf("observed %d segments mid-swap", len(snapshot))
				return
			}
		}
	}()

	newID, err := holder.Swap(oldIDs, replacement)
	require.NoError(t, err)
	close(stop)
	wg.Wait()

	assert.Equal(t, 1, holder.Len())
	ls, err := holder.Get(newID)
	require.NoError(t, err)
	_ = ls.Read(func(seg segment.Segment) error {
		assert.True(t, seg.HasPoint(numID(42)))
		return nil
	})
}

func TestSegmentHolder_SwapUnknownSegment(t *testing.T) {
	holder := buildTestHolder(t)
	_, err := holder.Swap([]SegmentID{12345}, segment.NewMemSegment(dotParams()))
	assert.Error(t, err)
	assert.Equal(t, 2, holder.Len())
}

func TestSegmentHolder_FailedOperations(t *testing.T) {
	holder := NewSegmentHolder()
	assert.Empty(t, holder.FailedOperations())

	holder.NoteFailedOperation(7, assert.AnError)
	failed := holder.FailedOperations()
	require.Len(t, failed, 1)
	assert.Contains(t, failed, SeqNum(7))

	holder.ClearFailedOperations()
	assert.Empty(t, holder.FailedOperations())
}

func TestSegmentHolder_OptimizerError(t *testing.T) {
	holder := NewSegmentHolder()
	assert.NoError(t, holder.OptimizerError())
	holder.SetOptimizerError(assert.AnError)
	assert.Error(t, holder.OptimizerError())
}
