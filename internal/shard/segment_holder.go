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
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vecstore-io/vecstore/internal/log"
	"github.com/vecstore-io/vecstore/internal/metrics"
	"github.com/vecstore-io/vecstore/internal/segment"
	"github.com/vecstore-io/vecstore/internal/util/merr"
	"github.com/vecstore-io/vecstore/internal/util/typeutil"
)

// SegmentID identifies a segment inside this holder.
type SegmentID = typeutil.SegmentID

// SeqNum re-exported for brevity.
type SeqNum = typeutil.SeqNum

// HolderEntry pairs a segment id with its handle in a snapshot.
type HolderEntry struct {
	ID      SegmentID
	Segment *LockedSegment
}

// PointOperation is applied to the segment currently owning a point.
type PointOperation func(seg segment.Segment, id segment.PointID) error

// ApplyOutcome is the per-id result of ApplyPoints.
type ApplyOutcome struct {
	Applied int
	Skipped int
	Failed  map[segment.PointID]error
}

// SegmentHolder is the mutable set of segments of one shard. Concurrent
// readers snapshot membership under the shared lock; add, swap and proxy are
// the linearization points and run under the exclusive lock.
type SegmentHolder struct {
	mu       sync.RWMutex
	segments map[SegmentID]*LockedSegment
	nextID   SegmentID

	failedMu         sync.Mutex
	failedOperations map[SeqNum]error

	optimizerMu  sync.Mutex
	optimizerErr error
}

// NewSegmentHolder creates an empty holder.
func NewSegmentHolder() *SegmentHolder {
	return &SegmentHolder{
		segments:         make(map[SegmentID]*LockedSegment),
		nextID:           1,
		failedOperations: make(map[SeqNum]error),
	}
}

// Add inserts a new segment and returns its fresh id. No locks on other
// segments are taken.
func (h *SegmentHolder) Add(seg segment.Segment) SegmentID {
	return h.AddLocked(NewLockedSegment(seg))
}

// AddLocked inserts an already wrapped segment.
func (h *SegmentHolder) AddLocked(ls *LockedSegment) SegmentID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.segments[id] = ls
	metrics.ShardSegmentNum.Set(float64(len(h.segments)))
	return id
}

// Get returns the shared handle of one segment.
func (h *SegmentHolder) Get(id SegmentID) (*LockedSegment, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ls, ok := h.segments[id]
	if !ok {
		return nil, merr.WrapErrSegmentNotFound(id)
	}
	return ls, nil
}

// Snapshot clones the current membership. The returned slice is stable for
// the caller; segments removed afterwards stay readable through their
// handles.
func (h *SegmentHolder) Snapshot() []HolderEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entries := make([]HolderEntry, 0, len(h.segments))
	for id, ls := range h.segments {
		entries = append(entries, HolderEntry{ID: id, Segment: ls})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Len returns the number of live segments.
func (h *SegmentHolder) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.segments)
}

// appendableTarget picks the newest appendable segment, highest id first.
// Callers hold at least the shared holder lock.
func (h *SegmentHolder) appendableTarget() *LockedSegment {
	var target *LockedSegment
	var targetID SegmentID
	for id, ls := range h.segments {
		candidate := ls
		appendable := false
		_ = candidate.Read(func(seg segment.Segment) error {
			appendable = seg.IsAppendable()
			return nil
		})
		if appendable && (target == nil || id > targetID) {
			target = candidate
			targetID = id
		}
	}
	return target
}

// routeTarget picks the segment a point mutation goes to: the unique owner
// when one exists, the proxy when ownership is transitional, else the newest
// appendable segment. Callers hold the shared holder lock.
func (h *SegmentHolder) routeTarget(id segment.PointID) *LockedSegment {
	var owner *LockedSegment
	for _, ls := range h.segments {
		candidate := ls
		has := false
		_ = candidate.Read(func(seg segment.Segment) error {
			has = seg.HasPoint(id)
			return nil
		})
		if !has {
			continue
		}
		if candidate.IsProxy() {
			// transitional double-ownership resolves to the overlay
			return candidate
		}
		if owner == nil {
			owner = candidate
		}
	}
	if owner != nil {
		return owner
	}
	return h.appendableTarget()
}

// ApplyPoints applies fn to each id on the segment currently owning it,
// holding at most one per-segment write lock at a time. Ids whose version is
// already >= opNum are skipped, which keeps wal replay idempotent. The holder
// lock is held shared for the whole call: the applier's view of membership is
// the linearization point against concurrent proxy handoffs.
func (h *SegmentHolder) ApplyPoints(opNum SeqNum, ids []segment.PointID, fn PointOperation) ApplyOutcome {
	h.mu.RLock()
	defer h.mu.RUnlock()

	outcome := ApplyOutcome{Failed: make(map[segment.PointID]error)}
	for _, id := range ids {
		target := h.routeTarget(id)
		if target == nil {
			outcome.Failed[id] = merr.ErrService
			log.Error("no appendable segment to apply point", zap.String("pointID", id.String()))
			continue
		}
		skipped := false
		err := target.Write(func(seg segment.Segment) error {
			if version, ok := seg.PointVersion(id); ok && version >= opNum {
				skipped = true
				return nil
			}
			return fn(seg, id)
		})
		if err != nil {
			outcome.Failed[id] = err
			continue
		}
		if skipped {
			outcome.Skipped++
		} else {
			outcome.Applied++
		}
	}
	return outcome
}

// ApplyAll applies fn to every segment under its write lock, one at a time.
// Used for field index operations which are segment-wide.
func (h *SegmentHolder) ApplyAll(fn func(seg segment.Segment) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ls := range h.segments {
		if err := ls.Write(fn); err != nil {
			return err
		}
	}
	return nil
}

// Swap atomically removes oldIDs and inserts newSeg under one exclusive
// lock; no reader observes the intermediate state.
func (h *SegmentHolder) Swap(oldIDs []SegmentID, newSeg segment.Segment) (SegmentID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range oldIDs {
		if _, ok := h.segments[id]; !ok {
			return 0, merr.WrapErrSegmentNotFound(id)
		}
	}
	for _, id := range oldIDs {
		delete(h.segments, id)
	}
	id := h.nextID
	h.nextID++
	h.segments[id] = NewLockedSegment(newSeg)
	metrics.ShardSegmentNum.Set(float64(len(h.segments)))
	log.Info("swapped segments", zap.Uint64s("old", oldIDs), zap.Uint64("new", id))
	return id, nil
}

// Proxy wraps the segment at oldID in a write-through overlay in place. The
// id keeps addressing the slot, now holding the proxy variant.
func (h *SegmentHolder) Proxy(oldID SegmentID, writeSegment segment.Segment) (*ProxySegment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	original, ok := h.segments[oldID]
	if !ok {
		return nil, merr.WrapErrSegmentNotFound(oldID)
	}
	if original.IsProxy() {
		return nil, merr.ErrService
	}
	proxy := NewProxySegment(original, writeSegment)
	h.segments[oldID] = newProxyLockedSegment(proxy)
	log.Info("proxied segment for optimization", zap.Uint64("segmentID", oldID))
	return proxy, nil
}

// CommitProxy finishes an optimization: the deletion mask and the overlay's
// write segment are folded into newSeg, then the proxy slot is replaced by
// newSeg, all under one exclusive holder lock so the transition is atomic for
// readers and writers alike.
func (h *SegmentHolder) CommitProxy(id SegmentID, newSeg segment.Segment) (SegmentID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.segments[id]
	if !ok {
		return 0, merr.WrapErrSegmentNotFound(id)
	}
	proxy := ls.Proxy()
	if proxy == nil {
		return 0, merr.ErrService
	}
	if err := foldBack(newSeg, proxy); err != nil {
		return 0, err
	}
	delete(h.segments, id)
	newID := h.nextID
	h.nextID++
	h.segments[newID] = NewLockedSegment(newSeg)
	metrics.ShardSegmentNum.Set(float64(len(h.segments)))
	log.Info("committed optimized segment", zap.Uint64("old", id), zap.Uint64("new", newID))
	return newID, nil
}

// Unproxy restores the original segment at id, used on optimizer rollback.
// Points accumulated in the overlay's write segment are folded back into the
// original under both exclusive locks.
func (h *SegmentHolder) Unproxy(id SegmentID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.segments[id]
	if !ok {
		return merr.WrapErrSegmentNotFound(id)
	}
	proxy := ls.Proxy()
	if proxy == nil {
		return merr.ErrService
	}
	wrapped := proxy.Wrapped()
	err := wrapped.Write(func(seg segment.Segment) error {
		return foldBack(seg, proxy)
	})
	if err != nil {
		return err
	}
	h.segments[id] = wrapped
	log.Warn("rolled proxy segment back", zap.Uint64("segmentID", id))
	return nil
}

// foldBack replays the overlay's effects onto the original segment.
func foldBack(seg segment.Segment, proxy *ProxySegment) error {
	for id, seqNum := range proxy.DeletedPoints() {
		if _, err := seg.DeletePoint(seqNum, id); err != nil {
			return err
		}
	}
	write, ok := proxy.WriteSegment().(*segment.MemSegment)
	if !ok {
		return merr.ErrService
	}
	for _, record := range write.Records() {
		if err := seg.UpsertPoint(record.Version, record.ID, record.Vectors); err != nil {
			return err
		}
		for key, value := range record.Payload {
			if err := seg.SetPayload(record.Version, record.ID, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// NoteFailedOperation records an application failure for op.
func (h *SegmentHolder) NoteFailedOperation(opNum SeqNum, err error) {
	h.failedMu.Lock()
	defer h.failedMu.Unlock()
	h.failedOperations[opNum] = err
	metrics.ShardFailedOpNum.Inc()
}

// FailedOperations snapshots the failed operation map.
func (h *SegmentHolder) FailedOperations() map[SeqNum]error {
	h.failedMu.Lock()
	defer h.failedMu.Unlock()
	out := make(map[SeqNum]error, len(h.failedOperations))
	for seq, err := range h.failedOperations {
		out[seq] = err
	}
	return out
}

// ClearFailedOperations drops recorded failures, explicit recovery only.
func (h *SegmentHolder) ClearFailedOperations() {
	h.failedMu.Lock()
	defer h.failedMu.Unlock()
	h.failedOperations = make(map[SeqNum]error)
}

// SetOptimizerError records a failed optimization run.
func (h *SegmentHolder) SetOptimizerError(err error) {
	h.optimizerMu.Lock()
	defer h.optimizerMu.Unlock()
	h.optimizerErr = err
}

// OptimizerError returns the sticky optimizer failure, nil when healthy.
func (h *SegmentHolder) OptimizerError() error {
	h.optimizerMu.Lock()
	defer h.optimizerMu.Unlock()
	return h.optimizerErr
}

// FlushAll flushes every segment and returns the lowest durably applied seq
// across them; the wal may be truncated below it.
func (h *SegmentHolder) FlushAll() (SeqNum, error) {
	entries := h.Snapshot()
	var lowest SeqNum
	first := true
	for _, entry := range entries {
		var seq SeqNum
		err := entry.Segment.Write(func(seg segment.Segment) error {
			var err error
			seq, err = seg.Flush()
			return err
		})
		if err != nil {
			return 0, err
		}
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest, nil
}
