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
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/metrics"
	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/merr"
	"github.com/vecstore-io/vecstore/internal/util/paramtable"
	"github.com/vecstore-io/vecstore/internal/wal"
)

// UpdateStatus tells how far an update got when the call returned.
type UpdateStatus int32

const (
	// StatusAcknowledged: the operation is durably logged, not yet applied.
	StatusAcknowledged UpdateStatus = iota + 1
	// StatusCompleted: the operation is applied to the segments.
	StatusCompleted
)

func (s UpdateStatus) String() string {
	if s == StatusCompleted {
		return "completed"
	}
	return "acknowledged"
}

// UpdateResult is the outcome of LocalShard.Update.
type UpdateResult struct {
	OperationID SeqNum
	Status      UpdateStatus
}

const (
	snapshotDirName = "segments"
	metaFileName    = "meta.db"
)

// LocalShard composes the wal, the segment holder, the single-threaded
// update handler and the searcher into the shard operation surface: update,
// search, retrieve, scroll, count and info.
type LocalShard struct {
	dir    string
	params segment.CollectionParams

	holder   *SegmentHolder
	searcher *SegmentsSearcher
	handler  *UpdateHandler

	walMu sync.Mutex
	wal   *wal.Wal

	meta      *MetaStore
	optimizer *IndexingOptimizer

	// walFailed latches after a wal write error: no further updates are
	// admitted until the shard is reopened
	walFailed *atomic.Bool
	closed    *atomic.Bool
}

// NewLocalShard opens the shard under dir: segment snapshots are restored,
// the wal tail is replayed on top of them, then the applier starts.
func NewLocalShard(dir string, params segment.CollectionParams, cfg *paramtable.ShardConfig) (*LocalShard, error) {
	walLog, err := wal.Open(filepath.Join(dir, cfg.WalDir), wal.Options{SegmentSize: cfg.WalSegmentSize})
	if err != nil {
		return nil, err
	}
	meta, err := OpenMetaStore(filepath.Join(dir, metaFileName))
	if err != nil {
		_ = walLog.Close()
		return nil, err
	}

	holder := NewSegmentHolder()
	restored, err := loadSegmentSnapshots(filepath.Join(dir, snapshotDirName), params)
	if err != nil {
		_ = walLog.Close()
		_ = meta.Close()
		return nil, err
	}
	hasAppendable := false
	for _, seg := range restored {
		holder.Add(seg)
		if seg.IsAppendable() {
			hasAppendable = true
		}
	}
	if !hasAppendable {
		holder.Add(segment.NewMemSegment(params))
	}

	handler := NewUpdateHandler(holder, cfg.UpdateQueueDepth, cfg.FlushInterval)

	// replay everything past the snapshot watermark; the per-point version
	// check makes a second application of any prefix a no-op
	applied, err := meta.LoadAppliedSeq()
	if err != nil {
		_ = walLog.Close()
		_ = meta.Close()
		return nil, err
	}
	handler.ResumeFrom(applied)
	replayed := 0
	err = walLog.ReadFrom(applied+1, func(seq wal.SeqNum, payload []byte) error {
		op, err := UnmarshalOperation(payload)
		if err != nil {
			return err
		}
		// failures during replay are recorded on the holder like live ones
		_ = handler.ApplyDirect(seq, op)
		replayed++
		return nil
	})
	if err != nil {
		_ = walLog.Close()
		_ = meta.Close()
		return nil, err
	}
	if replayed > 0 {
		log.Info("replayed wal operations",
			zap.Int("count", replayed), zap.Uint64("fromSeq", applied+1))
	}
	if last := walLog.LastSeq(); replayed == 0 && applied < last {
		_ = walLog.Close()
		_ = meta.Close()
		return nil, errors.Wrapf(merr.ErrService, "wal head %d past applied %d with nothing to replay", last, applied)
	}

	s := &LocalShard{
		dir:       dir,
		params:    params,
		holder:    holder,
		searcher:  NewSegmentsSearcher(cfg.SearchPoolSize),
		handler:   handler,
		wal:       walLog,
		meta:      meta,
		walFailed: atomic.NewBool(false),
		closed:    atomic.NewBool(false),
	}
	s.optimizer = NewIndexingOptimizer(holder, params, cfg.IndexingThreshold)
	handler.SetFlushFunc(s.flushSegments)
	handler.SetOptimizeFunc(s.optimizer.Trigger)
	handler.Start()
	return s, nil
}

// Update durably logs the operation and queues it for application. With
// wait, the call returns after the operation is applied; otherwise right
// after the wal commit.
func (s *LocalShard) Update(ctx context.Context, op Operation, wait bool) (UpdateResult, error) {
	if s.closed.Load() {
		return UpdateResult{}, merr.ErrService
	}
	if s.walFailed.Load() {
		return UpdateResult{}, errors.Wrap(merr.ErrWalIO, "shard is read-only after wal failure")
	}

	// admission before the wal write bounds log growth by queue capacity
	if err := s.handler.Reserve(ctx); err != nil {
		return UpdateResult{}, err
	}

	payload, err := op.Marshal()
	if err != nil {
		s.handler.CancelReservation()
		return UpdateResult{}, err
	}

	s.walMu.Lock()
	opNum, err := s.wal.Write(payload)
	size := s.wal.Size()
	s.walMu.Unlock()
	if err != nil {
		s.handler.CancelReservation()
		s.walFailed.Store(true)
		log.Error("wal write failed, shard marked read-only", zap.Error(err))
		return UpdateResult{}, err
	}
	metrics.ShardWalSize.Set(float64(size))

	var done chan error
	if wait {
		done = make(chan error, 1)
	}
	s.handler.Submit(opNum, op, done)

	if !wait {
		return UpdateResult{OperationID: opNum, Status: StatusAcknowledged}, nil
	}
	select {
	case err := <-done:
		if err != nil {
			return UpdateResult{OperationID: opNum, Status: StatusCompleted}, err
		}
		return UpdateResult{OperationID: opNum, Status: StatusCompleted}, nil
	case <-ctx.Done():
		// the wal commit is the commit point; the operation still applies
		return UpdateResult{OperationID: opNum, Status: StatusAcknowledged}, merr.ErrCancelled
	}
}

// Search runs a batch of vector queries.
func (s *LocalShard) Search(ctx context.Context, batch []SearchRequest) ([][]segment.ScoredPoint, error) {
	return s.searcher.Search(ctx, s.holder, batch, s.params)
}

// Retrieve fetches points by id in input order.
func (s *LocalShard) Retrieve(ctx context.Context, ids []segment.PointID, withPayload, withVector bool) ([]segment.Record, error) {
	return s.searcher.Retrieve(ctx, s.holder, ids, segment.SearchOptions{WithPayload: withPayload, WithVector: withVector})
}

// ScrollBy pages through points by ascending id.
func (s *LocalShard) ScrollBy(ctx context.Context, offset *segment.PointID, limit int, withPayload, withVector bool, filter *segment.Filter) ([]segment.Record, error) {
	return s.searcher.ScrollBy(ctx, s.holder, offset, limit, segment.SearchOptions{WithPayload: withPayload, WithVector: withVector}, filter)
}

// Count counts matching points.
func (s *LocalShard) Count(ctx context.Context, filter *segment.Filter, exact bool) (CountResult, error) {
	return s.searcher.Count(ctx, s.holder, filter, exact)
}

// Info aggregates shard state over all segments.
func (s *LocalShard) Info() ShardInfo {
	info := s.searcher.Info(s.holder)
	if s.walFailed.Load() {
		info.Status = StatusRed
	}
	return info
}

// Flush persists all segments and truncates the wal below the watermark.
func (s *LocalShard) Flush(ctx context.Context) error {
	return s.handler.Flush(ctx)
}

// flushSegments is the durable-flush hook run on the applier goroutine:
// snapshot every segment, advance the high-water mark, drop obsolete wal
// files.
func (s *LocalShard) flushSegments() error {
	watermark := s.handler.LastApplied()
	if err := writeSegmentSnapshots(filepath.Join(s.dir, snapshotDirName), s.holder.Snapshot()); err != nil {
		return err
	}
	if err := s.meta.SaveAppliedSeq(watermark); err != nil {
		return err
	}
	s.walMu.Lock()
	defer s.walMu.Unlock()
	if err := s.wal.TruncateBefore(watermark + 1); err != nil {
		return err
	}
	metrics.ShardWalSize.Set(float64(s.wal.Size()))
	return nil
}

// Close stops the applier (draining admitted operations and flushing) and
// releases the wal and meta files.
func (s *LocalShard) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.handler.Stop()
	var errs []error
	s.walMu.Lock()
	if err := s.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	s.walMu.Unlock()
	if err := s.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Newf("close shard: %v", errs)
	}
	return nil
}
