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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/paramtable"
)

func testShardConfig(t *testing.T) *paramtable.ShardConfig {
	t.Helper()
	cfg := &paramtable.ShardConfig{}
	cfg.InitOnce()
	cfg.WalDir = "wal"
	cfg.WalSegmentSize = 1 << 20
	cfg.UpdateQueueDepth = 32
	cfg.SearchPoolSize = 2
	cfg.FlushInterval = time.Hour // flush only on demand in tests
	cfg.IndexingThreshold = 1 << 30
	return cfg
}

func openTestShard(t *testing.T, dir string) *LocalShard {
	t.Helper()
	s, err := NewLocalShard(dir, dotParams(), testShardConfig(t))
	require.NoError(t, err)
	return s
}

func seedPoints(t *testing.T, s *LocalShard, ids ...uint64) {
	t.Helper()
	op := Operation{Kind: OpUpsert}
	for _, id := range ids {
		op.Points = append(op.Points, PointStruct{
			ID:      numID(id),
			Vectors: segment.NamedVectors{"": {1, 0, 0, float32(id)}},
			Payload: segment.Payload{"n": json.RawMessage(`1`)},
		})
	}
	_, err := s.Update(context.Background(), op, true)
	require.NoError(t, err)
}

func TestLocalShard_UpdateWaitThenSearch(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	result, err := s.Update(context.Background(), upsertOp(1, 2, 3), true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, SeqNum(1), result.OperationID)

	// a search started after the callback observes the operation
	results, err := s.Search(context.Background(), []SearchRequest{
		{VectorName: "", Vector: segment.Vector{1, 0, 0, 1}, Limit: 10},
	})
	require.NoError(t, err)
	assert.Len(t, results[0], 3)
}

func TestLocalShard_UpdateNoWaitAcknowledged(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	result, err := s.Update(context.Background(), upsertOp(7), false)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, result.Status)

	// the op still applies; wait for the applier to catch up
	require.Eventually(t, func() bool {
		records, err := s.Retrieve(context.Background(), []segment.PointID{numID(7)}, false, false)
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLocalShard_BatchCallbackThenSearchSeesAll(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	const n = 1000
	op := Operation{Kind: OpUpsert}
	for i := uint64(1); i <= n; i++ {
		op.Points = append(op.Points, PointStruct{
			ID:      numID(i),
			Vectors: segment.NamedVectors{"": {1, 1, 0, 0}},
		})
	}
	result, err := s.Update(context.Background(), op, true)
	require.NoError(t, err)

	count, err := s.Count(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, n, count.Count)

	// every point carries a version from this operation
	records, err := s.Retrieve(context.Background(), []segment.PointID{numID(1), numID(n)}, false, false)
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, result.OperationID, record.Version)
	}
}

func TestLocalShard_ReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestShard(t, dir)
	seedPoints(t, s, 1, 2, 3, 4, 5)
	_, err := s.Update(context.Background(), Operation{Kind: OpDelete, IDs: []segment.PointID{numID(2)}}, true)
	require.NoError(t, err)
	before := s.Info()
	require.NoError(t, s.Close())

	s = openTestShard(t, dir)
	defer s.Close()

	after := s.Info()
	assert.Equal(t, before.PointsCount, after.PointsCount)

	records, err := s.Retrieve(context.Background(), []segment.PointID{numID(1), numID(2)}, true, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, numID(1), records[0].ID)
}

func TestLocalShard_FlushTruncatesAndReopens(t *testing.T) {
	dir := t.TempDir()

	s := openTestShard(t, dir)
	seedPoints(t, s, 1, 2, 3)
	require.NoError(t, s.Flush(context.Background()))
	seedPoints(t, s, 4, 5)
	require.NoError(t, s.Close())

	s = openTestShard(t, dir)
	defer s.Close()

	count, err := s.Count(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, 5, count.Count)
}

func TestLocalShard_ReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s := openTestShard(t, dir)
	seedPoints(t, s, 1)
	_, err := s.Update(context.Background(), Operation{
		Kind: OpSetPayload, IDs: []segment.PointID{numID(1)},
		Key: "color", Value: []byte(`"red"`),
	}, true)
	require.NoError(t, err)
	// flush snapshots the state; the wal tail past the watermark reapplies on
	// top of it at reopen and must be a no-op for already-applied points
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	for i := 0; i < 2; i++ {
		// Close flushed again, so roll the watermark back to make the whole
		// wal replay over the snapshot
		meta, err := OpenMetaStore(filepath.Join(dir, metaFileName))
		require.NoError(t, err)
		require.NoError(t, meta.SaveAppliedSeq(0))
		require.NoError(t, meta.Close())

		s = openTestShard(t, dir)
		records, err := s.Retrieve(context.Background(), []segment.PointID{numID(1)}, true, false)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, SeqNum(2), records[0].Version)
		assert.JSONEq(t, `"red"`, string(records[0].Payload["color"]))
		require.NoError(t, s.Close())
	}
}

func TestLocalShard_VersionEqualsMaxOpNum(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	seedPoints(t, s, 1)                               // op 1
	seedPoints(t, s, 2)                               // op 2
	_, err := s.Update(context.Background(), Operation{ // op 3
		Kind: OpSetPayload, IDs: []segment.PointID{numID(1)},
		Key: "x", Value: []byte(`1`),
	}, true)
	require.NoError(t, err)

	records, err := s.Retrieve(context.Background(), []segment.PointID{numID(1), numID(2)}, false, false)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, SeqNum(3), records[0].Version)
	assert.Equal(t, SeqNum(2), records[1].Version)
}

func TestLocalShard_CancelledWaitStillApplies(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := s.Update(ctx, upsertOp(9), true)
	// admission may already fail on the cancelled context; when it got
	// through, the wal commit is the commit point and the op must apply
	if err != nil && result.OperationID == 0 {
		return
	}
	require.Eventually(t, func() bool {
		records, err := s.Retrieve(context.Background(), []segment.PointID{numID(9)}, false, false)
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLocalShard_InfoStatus(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	seedPoints(t, s, 1, 2)
	info := s.Info()
	assert.Equal(t, StatusGreen, info.Status)
	assert.Equal(t, 2, info.PointsCount)
	assert.Equal(t, 1, info.SegmentsCount)

	// a failing point flips the shard red
	op := Operation{Kind: OpUpsert, Points: []PointStruct{
		{ID: numID(3), Vectors: segment.NamedVectors{"": {1, 0}}},
	}}
	_, err := s.Update(context.Background(), op, true)
	require.Error(t, err)
	assert.Equal(t, StatusRed, s.Info().Status)
}

func TestLocalShard_ScrollMatchesCount(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	seedPoints(t, s, 1, 2, 3, 4, 5, 6, 7, 8)
	filter := &segment.Filter{Must: []segment.Condition{{Key: "n", Match: &segment.Match{Integer: ptrInt64(1)}}}}

	count, err := s.Count(context.Background(), filter, true)
	require.NoError(t, err)
	records, err := s.ScrollBy(context.Background(), nil, 1<<20, false, false, filter)
	require.NoError(t, err)
	assert.Equal(t, len(records), count.Count)
	assert.Equal(t, 8, count.Count)
}

func TestLocalShard_WalFailureStopsAdmission(t *testing.T) {
	s := openTestShard(t, t.TempDir())
	defer s.Close()

	seedPoints(t, s, 1, 2)

	// pull the wal out from under the shard to force the next write to fail
	s.walMu.Lock()
	require.NoError(t, s.wal.Close())
	s.walMu.Unlock()

	_, err := s.Update(context.Background(), upsertOp(3), true)
	require.Error(t, err)

	// the shard is read-only and red until reopened
	_, err = s.Update(context.Background(), upsertOp(4), true)
	require.Error(t, err)
	assert.Equal(t, StatusRed, s.Info().Status)

	records, err := s.Retrieve(context.Background(), []segment.PointID{numID(1)}, false, false)
	require.NoError(t, err)
	assert.Len(t, records, 1, "reads keep serving")
}

func ptrInt64(v int64) *int64 { return &v }
