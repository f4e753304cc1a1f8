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
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/metrics"
	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/merr"
)

// updateSignal is consumed by the single applier goroutine.
type updateSignal interface{ isUpdateSignal() }

// operationSignal carries one wal-committed operation to apply. done is nil
// when the caller did not ask to wait.
type operationSignal struct {
	opNum SeqNum
	op    Operation
	done  chan<- error
}

type flushSignal struct {
	done chan error
}

func (operationSignal) isUpdateSignal() {}
func (flushSignal) isUpdateSignal()     {}

// UpdateHandler is the single consumer of update signals. It owns segment
// mutation authority: operations are applied in strict op_num order, per-id
// versions advance to the op_num, and per-point failures are recorded without
// aborting the batch.
type UpdateHandler struct {
	holder *SegmentHolder

	queue chan updateSignal
	// reservation-based admission: producers acquire a permit before the wal
	// write, so the log cannot outrun the applier unboundedly
	sem *semaphore.Weighted

	// flushFn persists segments, advances the durable watermark and truncates
	// the wal; installed by the shard
	flushFn func() error
	// optimizeFn evaluates optimizer conditions after an applied operation;
	// may be nil
	optimizeFn func()

	flushInterval time.Duration

	stopCh  chan struct{}
	doneCh  chan struct{}
	running *atomic.Bool

	lastApplied *atomic.Uint64
}

// NewUpdateHandler builds a handler over holder with the given queue depth.
func NewUpdateHandler(holder *SegmentHolder, queueDepth int64, flushInterval time.Duration) *UpdateHandler {
	return &UpdateHandler{
		holder:        holder,
		queue:         make(chan updateSignal, queueDepth),
		sem:           semaphore.NewWeighted(queueDepth),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		running:       atomic.NewBool(false),
		lastApplied:   atomic.NewUint64(0),
	}
}

// LastApplied returns the highest op_num processed by the applier.
func (uh *UpdateHandler) LastApplied() SeqNum { return uh.lastApplied.Load() }

// ResumeFrom seeds the applied watermark from the persisted high-water mark
// before replay.
func (uh *UpdateHandler) ResumeFrom(seq SeqNum) {
	if seq > uh.lastApplied.Load() {
		uh.lastApplied.Store(seq)
	}
}

// ApplyDirect applies an operation on the caller's goroutine, used for wal
// replay before the applier starts.
func (uh *UpdateHandler) ApplyDirect(opNum SeqNum, op Operation) error {
	err := uh.applyOperation(opNum, op)
	uh.lastApplied.Store(opNum)
	return err
}

// SetFlushFunc installs the durable-flush hook.
func (uh *UpdateHandler) SetFlushFunc(fn func() error) { uh.flushFn = fn }

// SetOptimizeFunc installs the optimizer trigger hook.
func (uh *UpdateHandler) SetOptimizeFunc(fn func()) { uh.optimizeFn = fn }

// Start launches the applier goroutine.
func (uh *UpdateHandler) Start() {
	if !uh.running.CompareAndSwap(false, true) {
		return
	}
	go uh.run()
}

// Stop drains queued signals and terminates the applier.
func (uh *UpdateHandler) Stop() {
	if !uh.running.CompareAndSwap(true, false) {
		return
	}
	close(uh.stopCh)
	<-uh.doneCh
}

// Reserve acquires an admission permit. Must be called before the wal write.
// The permit is released by the applier once the operation is processed.
func (uh *UpdateHandler) Reserve(ctx context.Context) error {
	if err := uh.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(merr.ErrBackPressure, "%v", err)
	}
	return nil
}

// CancelReservation returns an unused permit, for when the wal write failed
// after admission.
func (uh *UpdateHandler) CancelReservation() {
	uh.sem.Release(1)
}

// Submit enqueues an operation under a previously acquired permit.
func (uh *UpdateHandler) Submit(opNum SeqNum, op Operation, done chan<- error) {
	uh.queue <- operationSignal{opNum: opNum, op: op, done: done}
}

// Flush asks the applier to persist all segments and waits for completion.
func (uh *UpdateHandler) Flush(ctx context.Context) error {
	if err := uh.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrapf(merr.ErrBackPressure, "%v", err)
	}
	done := make(chan error, 1)
	uh.queue <- flushSignal{done: done}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return merr.ErrCancelled
	}
}

func (uh *UpdateHandler) run() {
	defer close(uh.doneCh)
	ticker := time.NewTicker(uh.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case sig := <-uh.queue:
			uh.handle(sig)
		case <-ticker.C:
			uh.doFlush()
		case <-uh.stopCh:
			// drain what was admitted before the stop
			for {
				select {
				case sig := <-uh.queue:
					uh.handle(sig)
				default:
					uh.doFlush()
					return
				}
			}
		}
	}
}

func (uh *UpdateHandler) handle(sig updateSignal) {
	defer uh.sem.Release(1)
	switch s := sig.(type) {
	case operationSignal:
		err := uh.applyOperation(s.opNum, s.op)
		uh.lastApplied.Store(s.opNum)
		status := "ok"
		if err != nil {
			status = "fail"
		}
		metrics.ShardUpdateCounter.WithLabelValues(s.op.Kind.String(), status).Inc()
		if s.done != nil {
			s.done <- err
			close(s.done)
		}
		if uh.optimizeFn != nil {
			uh.optimizeFn()
		}
	case flushSignal:
		s.done <- uh.flushNow()
		close(s.done)
	}
}

func (uh *UpdateHandler) doFlush() {
	if err := uh.flushNow(); err != nil {
		log.Error("periodic flush failed", zap.Error(err))
	}
}

func (uh *UpdateHandler) flushNow() error {
	if uh.flushFn == nil {
		return nil
	}
	return uh.flushFn()
}

// applyOperation dispatches one operation onto the holder. Per-point failures
// are recorded on the holder and surfaced in the returned error, but do not
// stop the remaining points of a batch.
func (uh *UpdateHandler) applyOperation(opNum SeqNum, op Operation) error {
	var outcome ApplyOutcome
	switch op.Kind {
	case OpUpsert:
		points := make(map[segment.PointID]PointStruct, len(op.Points))
		for _, point := range op.Points {
			points[point.ID] = point
		}
		outcome = uh.holder.ApplyPoints(opNum, op.PointIDs(), func(seg segment.Segment, id segment.PointID) error {
			point := points[id]
			if err := seg.UpsertPoint(opNum, id, point.Vectors); err != nil {
				return err
			}
			for key, value := range point.Payload {
				if err := seg.SetPayload(opNum, id, key, value); err != nil {
					return err
				}
			}
			return nil
		})
	case OpDelete:
		outcome = uh.holder.ApplyPoints(opNum, op.IDs, func(seg segment.Segment, id segment.PointID) error {
			_, err := seg.DeletePoint(opNum, id)
			return err
		})
	case OpSetPayload:
		outcome = uh.holder.ApplyPoints(opNum, op.IDs, func(seg segment.Segment, id segment.PointID) error {
			return seg.SetPayload(opNum, id, op.Key, op.Value)
		})
	case OpDeletePayload:
		outcome = uh.holder.ApplyPoints(opNum, op.IDs, func(seg segment.Segment, id segment.PointID) error {
			return seg.DeletePayload(opNum, id, op.Key)
		})
	case OpClearPayload:
		outcome = uh.holder.ApplyPoints(opNum, op.IDs, func(seg segment.Segment, id segment.PointID) error {
			return seg.ClearPayload(opNum, id)
		})
	case OpCreateIndex:
		if err := uh.holder.ApplyAll(func(seg segment.Segment) error {
			return seg.CreateFieldIndex(opNum, op.Key, op.Schema)
		}); err != nil {
			uh.holder.NoteFailedOperation(opNum, err)
			return err
		}
		return nil
	case OpDropIndex:
		if err := uh.holder.ApplyAll(func(seg segment.Segment) error {
			return seg.DropFieldIndex(opNum, op.Key)
		}); err != nil {
			uh.holder.NoteFailedOperation(opNum, err)
			return err
		}
		return nil
	default:
		err := errors.Newf("unknown operation kind %d", op.Kind)
		uh.holder.NoteFailedOperation(opNum, err)
		return err
	}

	if len(outcome.Failed) > 0 {
		var combined error
		for id, err := range outcome.Failed {
			combined = multierr.Append(combined, errors.Wrapf(err, "point %s", id.String()))
		}
		uh.holder.NoteFailedOperation(opNum, combined)
		log.Warn("operation partially failed",
			zap.Uint64("opNum", opNum),
			zap.String("kind", op.Kind.String()),
			zap.Int("applied", outcome.Applied),
			zap.Int("failed", len(outcome.Failed)))
		return combined
	}
	return nil
}
